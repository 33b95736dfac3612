package twitch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
)

const (
	// DefaultAddress is Twitch's TLS IRC endpoint
	DefaultAddress = "irc.chat.twitch.tv:6697"
	// DefaultConnectTimeout bounds the wait for the join confirmation
	DefaultConnectTimeout = 15 * time.Second

	teardownWait = 5 * time.Second
)

var errTeardownTimeout = errors.New("irc client did not stop")

// Config holds line-protocol client settings
type Config struct {
	Address        string        // host:port of the IRC server
	TLS            bool          // dial with TLS
	ConnectTimeout time.Duration // how long to wait for the join confirmation
	Prober         Prober        // optional eager channel existence check
}

// session is one IRC connection; a client replaces it on every Connect.
// The library dials through gate, so a session never outlives its socket.
type session struct {
	irc         *twitch.Client
	gate        *gate
	mailbox     *protocol.Mailbox
	channel     string
	exited      chan struct{}
	confirmed   atomic.Bool
	intentional atomic.Bool
}

// LineClient is an anonymous Twitch IRC reader for a single channel
type LineClient struct {
	cfg      Config
	handlers protocol.Handlers
	log      zerolog.Logger

	mu        sync.Mutex
	state     protocol.State
	channel   string
	validated string
	sess      *session
}

var _ protocol.Client = (*LineClient)(nil)

// NewLineClient creates a client that reports events to h
func NewLineClient(cfg Config, h protocol.Handlers) *LineClient {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
		cfg.TLS = true
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &LineClient{
		cfg:      cfg,
		handlers: h,
		log:      log.With().Str("component", "twitch_client").Logger(),
		state:    protocol.StateIdle,
	}
}

// Platform returns PlatformTwitch
func (c *LineClient) Platform() message.Platform {
	return message.PlatformTwitch
}

// State returns the current connection state
func (c *LineClient) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client has joined its channel and is reading chat
func (c *LineClient) IsConnected() bool {
	return c.State() == protocol.StateListening
}

// CurrentChannel returns the channel of the active or pending connection
func (c *LineClient) CurrentChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Validate checks that the channel exists using the configured prober
func (c *LineClient) Validate(ctx context.Context, channel string) error {
	channel = message.NormalizeChannel(channel)
	if c.cfg.Prober == nil {
		return nil
	}

	exists, err := c.cfg.Prober.Exists(ctx, channel)
	if err != nil {
		return &protocol.TransportError{Channel: channel, Platform: message.PlatformTwitch, Op: "probe", Err: err}
	}
	if !exists {
		return &protocol.ValidationError{Channel: channel, Platform: message.PlatformTwitch, Reason: "channel does not exist"}
	}

	c.mu.Lock()
	c.validated = channel
	c.mu.Unlock()
	return nil
}

// Connect joins channel and waits for the server to confirm the join
func (c *LineClient) Connect(ctx context.Context, channel string) error {
	channel = message.NormalizeChannel(channel)

	c.mu.Lock()
	if c.sess != nil && c.channel == channel && c.state == protocol.StateListening {
		c.mu.Unlock()
		return nil
	}
	hasSession := c.sess != nil
	validated := c.validated == channel
	c.mu.Unlock()

	if hasSession {
		if err := c.Disconnect(); err != nil {
			c.log.Warn().Err(err).Msg("Error closing previous connection")
		}
	}

	if !validated {
		if err := c.Validate(ctx, channel); err != nil {
			c.setState(protocol.StateError)
			return err
		}
	}

	sess, err := c.newSession(channel)
	if err != nil {
		c.setState(protocol.StateError)
		return &protocol.TransportError{Channel: channel, Platform: message.PlatformTwitch, Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.sess = sess
	c.channel = channel
	c.state = protocol.StateConnecting
	c.mu.Unlock()

	confirmed := make(chan struct{})
	var confirmOnce sync.Once

	sess.irc.OnConnect(func() {
		c.log.Debug().Str("channel", channel).Msg("IRC handshake accepted")
		c.compareAndSetState(sess, protocol.StateConnecting, protocol.StateAuthenticated)
	})
	sess.irc.OnSelfJoinMessage(func(msg twitch.UserJoinMessage) {
		if strings.EqualFold(strings.TrimPrefix(msg.Channel, "#"), channel) {
			confirmOnce.Do(func() { close(confirmed) })
		}
	})

	c.log.Info().Str("channel", channel).Str("address", c.cfg.Address).Msg("Connecting to Twitch IRC")

	sess.start(c.handleExit)

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-confirmed:
		sess.confirmed.Store(true)
		if !c.compareAndSetSessionState(sess, protocol.StateListening) {
			return &protocol.TransportError{Channel: channel, Platform: message.PlatformTwitch, Op: "join", Err: errors.New("connection replaced during join")}
		}
		c.log.Info().Str("channel", channel).Msg("Joined Twitch channel")
		protocol.EmitConnected(c.handlers, channel)
		return nil

	case <-sess.exited:
		c.abandon(sess, protocol.StateError)
		return &protocol.TransportError{Channel: channel, Platform: message.PlatformTwitch, Op: "dial", Err: sess.cause()}

	case <-timer.C:
		c.log.Warn().Str("channel", channel).Dur("timeout", c.cfg.ConnectTimeout).Msg("No join confirmation, tearing down")
		c.abandon(sess, protocol.StateError)
		return &protocol.TimeoutError{Channel: channel, Platform: message.PlatformTwitch, After: c.cfg.ConnectTimeout}

	case <-ctx.Done():
		c.abandon(sess, protocol.StateDisconnected)
		return ctx.Err()
	}
}

// Disconnect closes the connection; the client ends Disconnected even on error
func (c *LineClient) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = protocol.StateDisconnected
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	err := sess.close()
	if sess.confirmed.Load() {
		c.log.Info().Str("channel", sess.channel).Msg("Disconnected from Twitch IRC")
		protocol.EmitDisconnected(c.handlers)
	}
	if err != nil {
		return &protocol.TransportError{Channel: sess.channel, Platform: message.PlatformTwitch, Op: "close", Err: err}
	}
	return nil
}

func (c *LineClient) newSession(channel string) (*session, error) {
	g, err := openGate(c.cfg.Address, c.cfg.TLS, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("open relay: %w", err)
	}

	irc := twitch.NewAnonymousClient()
	irc.IrcAddress = g.Addr()
	irc.TLS = false

	sess := &session{
		irc:     irc,
		gate:    g,
		mailbox: protocol.NewMailbox(c.handlers),
		channel: channel,
		exited:  make(chan struct{}),
	}

	irc.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		sess.mailbox.Push(convertMessage(msg, channel))
	})
	irc.OnReconnectMessage(func(msg twitch.ReconnectMessage) {
		c.log.Info().Str("channel", channel).Msg("Server requested reconnect")
		g.fail(errReconnectRequest)
	})
	irc.Join(channel)

	return sess, nil
}

// handleExit runs when the IRC read loop stops. Any socket loss ends the session,
// including a server RECONNECT, and reconnecting is left to the caller.
func (c *LineClient) handleExit(sess *session, err error) {
	if sess.intentional.Load() || !sess.confirmed.Load() {
		return
	}

	c.mu.Lock()
	current := c.sess == sess
	if current {
		c.sess = nil
		c.state = protocol.StateError
	}
	c.mu.Unlock()
	if !current {
		return
	}

	sess.mailbox.Close()
	cause := sess.cause()
	c.log.Warn().Err(cause).AnErr("irc_err", err).Str("channel", sess.channel).Msg("Twitch IRC connection lost")
	protocol.EmitError(c.handlers, &protocol.TransportError{Channel: sess.channel, Platform: message.PlatformTwitch, Op: "read", Err: cause})
	protocol.EmitDisconnected(c.handlers)
}

// abandon tears down a session that never confirmed its join
func (c *LineClient) abandon(sess *session, state protocol.State) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		c.state = state
	}
	c.mu.Unlock()

	if err := sess.close(); err != nil {
		c.log.Debug().Err(err).Str("channel", sess.channel).Msg("Error tearing down unconfirmed connection")
	}
}

func (c *LineClient) setState(state protocol.State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *LineClient) compareAndSetState(sess *session, from, to protocol.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == sess && c.state == from {
		c.state = to
	}
}

func (c *LineClient) compareAndSetSessionState(sess *session, to protocol.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return false
	}
	c.state = to
	return true
}

// start runs the IRC client until its socket ends, then calls onExit
func (s *session) start(onExit func(*session, error)) {
	go func() {
		err := s.irc.Connect()
		close(s.exited)
		onExit(s, err)
	}()
}

// cause explains why the session's socket ended
func (s *session) cause() error {
	if err := s.gate.Cause(); err != nil {
		return err
	}
	return errServerClosed
}

// close drops the socket and waits for the IRC client to stop.
// The library rejects Disconnect before the server's welcome, so the relay is closed instead.
func (s *session) close() error {
	s.intentional.Store(true)
	s.gate.Close()

	var err error
	select {
	case <-s.exited:
	case <-time.After(teardownWait):
		err = errTeardownTimeout
	}
	s.mailbox.Close()
	return err
}

// convertMessage converts a Twitch PrivateMessage to our ChatMessage
func convertMessage(msg twitch.PrivateMessage, channel string) message.ChatMessage {
	username := msg.User.DisplayName
	if username == "" {
		username = msg.User.Name
	}

	ts := msg.Time.UTC()
	if msg.Time.IsZero() {
		ts = time.Now().UTC()
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	chatMessage := message.ChatMessage{
		ID:        id,
		Username:  username,
		Text:      msg.Message,
		Timestamp: ts,
		Platform:  message.PlatformTwitch,
		Channel:   channel,
		Badges:    formatBadges(msg.User.Badges),
	}
	chatMessage.Annotate()
	return chatMessage
}

// formatBadges converts the badge map to sorted "name:version" strings
func formatBadges(badges map[string]int) []string {
	if len(badges) == 0 {
		return nil
	}

	parts := make([]string, 0, len(badges))
	for name, version := range badges {
		parts = append(parts, fmt.Sprintf("%s:%d", name, version))
	}
	sort.Strings(parts)
	return parts
}
