package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
)

// DefaultAPIBaseURL is the public Kick site that serves the channel API
const DefaultAPIBaseURL = "https://kick.com"

// ChannelResponse represents the channel API response from Kick
type ChannelResponse struct {
	ID       int    `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

// Room identifies the chatroom behind a channel slug
type Room struct {
	Slug       string
	ChannelID  int
	ChatroomID int
}

// Resolver maps channel slugs to chatroom ids over the Kick HTTP API
type Resolver struct {
	baseURL    string
	httpClient *http.Client
}

// NewResolver creates a resolver against baseURL, or the public site when empty
func NewResolver(baseURL string, httpClient *http.Client) *Resolver {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Resolve fetches channel information from the Kick API.
// A channel the API does not know is a ValidationError; anything else that fails is a TransportError.
func (r *Resolver) Resolve(ctx context.Context, slug string) (Room, error) {
	slug = message.NormalizeChannel(slug)
	endpoint := fmt.Sprintf("%s/api/v2/channels/%s", r.baseURL, url.PathEscape(slug))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Room{}, r.transportErr(slug, fmt.Errorf("failed to create request: %w", err))
	}
	setBrowserHeaders(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Room{}, r.transportErr(slug, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Room{}, &protocol.ValidationError{Channel: slug, Platform: message.PlatformKick, Reason: "channel does not exist"}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Room{}, r.transportErr(slug, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body)))
	}

	var channelInfo ChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&channelInfo); err != nil {
		return Room{}, r.transportErr(slug, fmt.Errorf("JSON decode failed: %w", err))
	}
	if channelInfo.Chatroom.ID == 0 {
		return Room{}, &protocol.ValidationError{Channel: slug, Platform: message.PlatformKick, Reason: "channel has no chatroom"}
	}

	resolved := channelInfo.Slug
	if resolved == "" {
		resolved = slug
	}
	return Room{Slug: resolved, ChannelID: channelInfo.ID, ChatroomID: channelInfo.Chatroom.ID}, nil
}

func (r *Resolver) transportErr(slug string, err error) error {
	return &protocol.TransportError{Channel: slug, Platform: message.PlatformKick, Op: "resolve", Err: err}
}

// setBrowserHeaders makes the request look like the Kick web client; bare requests are blocked by Cloudflare
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("sec-ch-ua", `"Chromium";v="143", "Not.A/Brand";v="24", "Google Chrome";v="143"`)
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)
}
