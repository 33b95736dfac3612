package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	kickchat "github.com/johanvandegriff/kick-chat-wrapper"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
)

const (
	// DefaultSocketURL is Kick's public Pusher application endpoint
	DefaultSocketURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"
	// DefaultConnectTimeout bounds the wait for the subscription confirmation
	DefaultConnectTimeout = 20 * time.Second
	// DefaultJitterMin and DefaultJitterMax bound the random delay before each socket dial
	DefaultJitterMin = time.Second
	DefaultJitterMax = 2500 * time.Millisecond

	eventSubscribe     = "pusher:subscribe"
	eventSubscribed    = "pusher_internal:subscription_succeeded"
	eventEstablished   = "pusher:connection_established"
	eventPing          = "pusher:ping"
	eventPong          = "pusher:pong"
	eventError         = "pusher:error"
	eventChatMessage   = `App\Events\ChatMessageEvent`
	writeTimeout       = 10 * time.Second
	closeHandshakeWait = time.Second
)

// Config holds chatroom client settings
type Config struct {
	SocketURL      string
	ConnectTimeout time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration
	// Chatrooms holds pre-configured chatroom ids by slug; these skip resolution
	Chatrooms map[string]int
	Resolver  *Resolver
	Dialer    *websocket.Dialer
}

// pusherEvent is the envelope of every Pusher frame. Data is usually a JSON encoded string.
type pusherEvent struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// socket is one websocket session; a client replaces it on every Connect
type socket struct {
	conn        *websocket.Conn
	mailbox     *protocol.Mailbox
	channel     string
	roomID      int
	writeMu     sync.Mutex
	subscribed  chan struct{}
	subOnce     sync.Once
	done        chan struct{}
	readErr     error
	confirmed   atomic.Bool
	intentional atomic.Bool
}

// ChatroomClient reads one Kick channel's chatroom over the Pusher socket
type ChatroomClient struct {
	cfg      Config
	handlers protocol.Handlers
	log      zerolog.Logger

	mu      sync.Mutex
	state   protocol.State
	channel string
	rooms   map[string]int
	sock    *socket
}

var _ protocol.Client = (*ChatroomClient)(nil)

// NewChatroomClient creates a client that reports events to h
func NewChatroomClient(cfg Config, h protocol.Handlers) *ChatroomClient {
	if cfg.SocketURL == "" {
		cfg.SocketURL = DefaultSocketURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver("", nil)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	rooms := make(map[string]int, len(cfg.Chatrooms))
	for slug, id := range cfg.Chatrooms {
		rooms[message.NormalizeChannel(slug)] = id
	}

	return &ChatroomClient{
		cfg:      cfg,
		handlers: h,
		log:      log.With().Str("component", "kick_client").Logger(),
		state:    protocol.StateIdle,
		rooms:    rooms,
	}
}

// Platform returns PlatformKick
func (c *ChatroomClient) Platform() message.Platform {
	return message.PlatformKick
}

// State returns the current connection state
func (c *ChatroomClient) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the chatroom subscription is confirmed
func (c *ChatroomClient) IsConnected() bool {
	return c.State() == protocol.StateConnected
}

// CurrentChannel returns the slug of the active or pending connection
func (c *ChatroomClient) CurrentChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Connect resolves the chatroom, opens the socket and waits for the subscription to be confirmed
func (c *ChatroomClient) Connect(ctx context.Context, channel string) error {
	channel = message.NormalizeChannel(channel)

	c.mu.Lock()
	if c.sock != nil && c.channel == channel && c.state == protocol.StateConnected {
		c.mu.Unlock()
		return nil
	}
	hasSocket := c.sock != nil
	c.mu.Unlock()

	if hasSocket {
		if err := c.Disconnect(); err != nil {
			c.log.Warn().Err(err).Msg("Error closing previous connection")
		}
	}

	c.mu.Lock()
	c.channel = channel
	c.state = protocol.StateResolvingRoom
	c.mu.Unlock()

	// Step 1: Resolve the channel slug to a chatroom id
	roomID, err := c.resolve(ctx, channel)
	if err != nil {
		c.setState(protocol.StateError)
		return err
	}

	// Step 2: Spread reconnect storms out
	if err := c.jitter(ctx); err != nil {
		c.setState(protocol.StateDisconnected)
		return err
	}

	// Step 3: Open the socket
	c.setState(protocol.StateConnectionPending)
	c.log.Info().Str("channel", channel).Int("chatroom_id", roomID).Msg("Connecting to Kick chat")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.SocketURL, http.Header{"Origin": []string{"https://kick.com"}})
	if err != nil {
		c.setState(protocol.StateError)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &protocol.TimeoutError{Channel: channel, Platform: message.PlatformKick, After: c.cfg.ConnectTimeout}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &protocol.TransportError{Channel: channel, Platform: message.PlatformKick, Op: "dial", Err: err}
	}

	sock := &socket{
		conn:       conn,
		mailbox:    protocol.NewMailbox(c.handlers),
		channel:    channel,
		roomID:     roomID,
		subscribed: make(chan struct{}),
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	go c.readLoop(sock)

	// Step 4: Subscribe to the chatroom and wait for the confirmation
	subscribe := map[string]any{
		"event": eventSubscribe,
		"data": map[string]string{
			"auth":    "",
			"channel": fmt.Sprintf("chatrooms.%d.v2", roomID),
		},
	}
	if err := sock.writeJSON(subscribe); err != nil {
		c.abandon(sock, protocol.StateError)
		return &protocol.TransportError{Channel: channel, Platform: message.PlatformKick, Op: "subscribe", Err: err}
	}

	select {
	case <-sock.subscribed:
		sock.confirmed.Store(true)
		if !c.promote(sock) {
			return &protocol.TransportError{Channel: channel, Platform: message.PlatformKick, Op: "subscribe", Err: errors.New("connection replaced during subscribe")}
		}
		c.log.Info().Str("channel", channel).Msg("Joined Kick chatroom")
		protocol.EmitConnected(c.handlers, channel)
		return nil

	case <-sock.done:
		c.abandon(sock, protocol.StateError)
		return &protocol.TransportError{Channel: channel, Platform: message.PlatformKick, Op: "subscribe", Err: sock.readErr}

	case <-dialCtx.Done():
		if ctx.Err() != nil {
			c.abandon(sock, protocol.StateDisconnected)
			return ctx.Err()
		}
		c.log.Warn().Str("channel", channel).Dur("timeout", c.cfg.ConnectTimeout).Msg("No subscription confirmation, tearing down")
		c.abandon(sock, protocol.StateError)
		return &protocol.TimeoutError{Channel: channel, Platform: message.PlatformKick, After: c.cfg.ConnectTimeout}
	}
}

// Disconnect closes the socket; the client ends Disconnected even on error
func (c *ChatroomClient) Disconnect() error {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.state = protocol.StateDisconnected
	c.mu.Unlock()

	if sock == nil {
		return nil
	}

	err := sock.close()
	if sock.confirmed.Load() {
		c.log.Info().Str("channel", sock.channel).Msg("Disconnected from Kick chat")
		protocol.EmitDisconnected(c.handlers)
	}
	if err != nil {
		return &protocol.TransportError{Channel: sock.channel, Platform: message.PlatformKick, Op: "close", Err: err}
	}
	return nil
}

func (c *ChatroomClient) resolve(ctx context.Context, channel string) (int, error) {
	c.mu.Lock()
	id, ok := c.rooms[channel]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	room, err := c.cfg.Resolver.Resolve(ctx, channel)
	if err != nil {
		return 0, err
	}
	c.log.Info().Str("channel", channel).Int("chatroom_id", room.ChatroomID).Msg("Resolved Kick chatroom")

	c.mu.Lock()
	c.rooms[channel] = room.ChatroomID
	c.mu.Unlock()
	return room.ChatroomID, nil
}

// jitterDelay picks the pause before dialing, between JitterMin and JitterMax
func (c *ChatroomClient) jitterDelay() time.Duration {
	delay := c.cfg.JitterMin
	if span := c.cfg.JitterMax - c.cfg.JitterMin; span > 0 {
		delay += rand.N(span)
	}
	return delay
}

func (c *ChatroomClient) jitter(ctx context.Context) error {
	delay := c.jitterDelay()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop dispatches Pusher frames until the socket closes
func (c *ChatroomClient) readLoop(sock *socket) {
	defer close(sock.done)

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			sock.readErr = err
			c.handleExit(sock, err)
			return
		}

		var ev pusherEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug().Err(err).Str("channel", sock.channel).Msg("Skipping unparsable socket frame")
			continue
		}

		switch ev.Event {
		case eventEstablished:
			c.log.Debug().Str("channel", sock.channel).Msg("Pusher connection established")
		case eventSubscribed:
			sock.subOnce.Do(func() { close(sock.subscribed) })
		case eventPing:
			if err := sock.writeJSON(map[string]any{"event": eventPong, "data": map[string]any{}}); err != nil {
				c.log.Warn().Err(err).Str("channel", sock.channel).Msg("Failed to answer ping")
			}
		case eventChatMessage:
			msg, err := decodeChatMessage(ev.Data, sock.channel)
			if err != nil {
				c.log.Debug().Err(err).Str("channel", sock.channel).Msg("Skipping malformed chat event")
				continue
			}
			sock.mailbox.Push(msg)
		case eventError:
			c.log.Warn().Str("channel", sock.channel).RawJSON("data", unwrapData(ev.Data)).Msg("Pusher error")
		}
	}
}

// handleExit runs when the read loop stops; only unexpected drops of a confirmed subscription are reported
func (c *ChatroomClient) handleExit(sock *socket, err error) {
	if sock.intentional.Load() || !sock.confirmed.Load() {
		return
	}

	c.mu.Lock()
	current := c.sock == sock
	if current {
		c.sock = nil
		c.state = protocol.StateError
	}
	c.mu.Unlock()
	if !current {
		return
	}

	sock.conn.Close()
	sock.mailbox.Close()
	c.log.Warn().Err(err).Str("channel", sock.channel).Msg("Kick socket lost")
	protocol.EmitError(c.handlers, &protocol.TransportError{Channel: sock.channel, Platform: message.PlatformKick, Op: "read", Err: err})
	protocol.EmitDisconnected(c.handlers)
}

func (c *ChatroomClient) abandon(sock *socket, state protocol.State) {
	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
		c.state = state
	}
	c.mu.Unlock()

	if err := sock.close(); err != nil {
		c.log.Debug().Err(err).Str("channel", sock.channel).Msg("Error tearing down unconfirmed socket")
	}
}

func (c *ChatroomClient) setState(state protocol.State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *ChatroomClient) promote(sock *socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != sock {
		return false
	}
	c.state = protocol.StateConnected
	return true
}

func (s *socket) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// close sends a close frame, waits briefly for the read loop to end and drains the mailbox
func (s *socket) close() error {
	s.intentional.Store(true)

	s.writeMu.Lock()
	// the peer may already be gone; the close frame is best effort
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeHandshakeWait))
	s.writeMu.Unlock()

	select {
	case <-s.done:
	case <-time.After(closeHandshakeWait):
	}
	err := s.conn.Close()
	<-s.done
	s.mailbox.Close()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// unwrapData returns the JSON document inside a Pusher data field, which may be a string
func unwrapData(data json.RawMessage) json.RawMessage {
	var inner string
	if err := json.Unmarshal(data, &inner); err == nil {
		return json.RawMessage(inner)
	}
	return data
}

// decodeChatMessage converts a ChatMessageEvent payload to our ChatMessage
func decodeChatMessage(data json.RawMessage, channel string) (message.ChatMessage, error) {
	payload := unwrapData(data)

	var msg kickchat.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return message.ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}
	var ident struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(payload, &ident)
	if msg.Sender.Username == "" {
		return message.ChatMessage{}, errors.New("chat message has no sender")
	}

	ts := msg.CreatedAt.UTC()
	if msg.CreatedAt.IsZero() {
		ts = time.Now().UTC()
	}

	id := uuid.NewString()
	if raw := strings.Trim(string(ident.ID), `"`); raw != "" && raw != "null" {
		id = raw
	}

	chatMessage := message.ChatMessage{
		ID:        id,
		Username:  msg.Sender.Username,
		Text:      msg.Content,
		Timestamp: ts,
		Platform:  message.PlatformKick,
		Channel:   channel,
		Badges:    formatBadges(msg.Sender.Identity.Badges),
	}
	chatMessage.Annotate()
	return chatMessage, nil
}

// formatBadges converts Kick badges to "type:text" strings, or just "type" when there is no text
func formatBadges(badges []kickchat.Badge) []string {
	if len(badges) == 0 {
		return nil
	}

	parts := make([]string, 0, len(badges))
	for _, badge := range badges {
		if badge.Text != "" {
			parts = append(parts, fmt.Sprintf("%s:%s", badge.Type, badge.Text))
		} else {
			parts = append(parts, badge.Type)
		}
	}
	return parts
}
