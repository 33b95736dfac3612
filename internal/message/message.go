package message

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the chat platform a message or channel belongs to
type Platform string

const (
	// PlatformTwitch is the line-protocol (IRC) platform
	PlatformTwitch Platform = "twitch"
	// PlatformKick is the chatroom-API (Pusher socket) platform
	PlatformKick Platform = "kick"
)

// DefaultPlatform is the platform assumed for stores that predate platform metadata
const DefaultPlatform = PlatformTwitch

// Platforms lists every supported platform in a stable order
var Platforms = []Platform{PlatformTwitch, PlatformKick}

// ParsePlatform converts a user supplied platform name into a Platform
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformTwitch:
		return PlatformTwitch, nil
	case PlatformKick:
		return PlatformKick, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Valid reports whether p is a supported platform
func (p Platform) Valid() bool {
	return p == PlatformTwitch || p == PlatformKick
}

// String returns the platform identifier
func (p Platform) String() string {
	return string(p)
}

// ChatMessage represents one chat event from any platform (Twitch, Kick)
type ChatMessage struct {
	ID              string        `json:"id"`                      // Platform message id, or a generated uuid
	Username        string        `json:"username"`                // Sender display name
	Text            string        `json:"text"`                    // Message content
	Timestamp       time.Time     `json:"timestamp"`               // When the platform says it was sent (UTC)
	IsSystemMessage bool          `json:"is_system_message"`       // Synthetic status notice
	Platform        Platform      `json:"platform"`                // Source platform
	Channel         string        `json:"channel,omitempty"`       // Source channel, set when aggregating
	Badges          []string      `json:"badges,omitempty"`        // Platform badges as "type" or "type:text", never persisted
	Spans           []MentionSpan `json:"mention_spans,omitempty"` // Derived from Text, never persisted
	annotated       bool
}

// Annotated reports whether mention spans have been computed for this message
func (m *ChatMessage) Annotated() bool {
	return m.annotated
}

// Annotate computes the mention spans once; later calls are no-ops
func (m *ChatMessage) Annotate() {
	if m.annotated {
		return
	}
	m.Spans = Annotate(m.Text)
	m.annotated = true
}

// Mentions returns the usernames referenced by the message's mention spans
func (m *ChatMessage) Mentions() []string {
	var names []string
	for _, span := range m.Spans {
		if span.IsMention() {
			names = append(names, span.Username)
		}
	}
	return names
}

// SystemMessage builds a synthetic status notice for a channel
func SystemMessage(channel string, platform Platform, text string) ChatMessage {
	msg := ChatMessage{
		Username:        "system",
		Text:            text,
		Timestamp:       time.Now().UTC(),
		IsSystemMessage: true,
		Platform:        platform,
		Channel:         channel,
	}
	msg.Annotate()
	return msg
}
