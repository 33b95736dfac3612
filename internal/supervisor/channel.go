package supervisor

import (
	"sync"
	"time"

	"github.com/john/chatkeep/internal/message"
)

// ConnState is a followed channel's connection state as shown to users
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelInfo is a point-in-time snapshot of a followed channel
type ChannelInfo struct {
	Name              string           `json:"name"`
	Platform          message.Platform `json:"platform"`
	State             ConnState        `json:"state"`
	LoggingEnabled    bool             `json:"logging_enabled"`
	MessageCount      int64            `json:"message_count"`
	DatabaseSizeBytes int64            `json:"database_size_bytes"`
	LastMessageTime   time.Time        `json:"last_message_time,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	RetryScheduled    bool             `json:"retry_scheduled"`
}

// Key returns the snapshot's ChannelKey
func (i ChannelInfo) Key() message.ChannelKey {
	return message.ChannelKey{Name: i.Name, Platform: i.Platform}
}

// FollowedChannel is the supervisor's record of one followed channel.
// opMu serializes lifecycle operations (add, remove, retry, clear) for the channel;
// mu guards the fields below and is never held across I/O.
type FollowedChannel struct {
	key  message.ChannelKey
	opMu sync.Mutex

	mu             sync.Mutex
	state          ConnState
	loggingEnabled bool
	messageCount   int64
	sinceRefresh   int
	sizeBytes      int64
	lastMessage    time.Time
	lastError      string
	retryAttempt   int
	retryTimer     *time.Timer
	removed        bool
	closing        bool
}

func newFollowedChannel(key message.ChannelKey, loggingEnabled bool) *FollowedChannel {
	return &FollowedChannel{key: key, state: StateConnecting, loggingEnabled: loggingEnabled}
}

func (fc *FollowedChannel) snapshot() ChannelInfo {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return ChannelInfo{
		Name:              fc.key.Name,
		Platform:          fc.key.Platform,
		State:             fc.state,
		LoggingEnabled:    fc.loggingEnabled,
		MessageCount:      fc.messageCount,
		DatabaseSizeBytes: fc.sizeBytes,
		LastMessageTime:   fc.lastMessage,
		LastError:         fc.lastError,
		RetryScheduled:    fc.retryTimer != nil,
	}
}

func (fc *FollowedChannel) State() ConnState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

func (fc *FollowedChannel) logging() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.loggingEnabled
}

func (fc *FollowedChannel) setLogging(enabled bool) {
	fc.mu.Lock()
	fc.loggingEnabled = enabled
	fc.mu.Unlock()
}

// setState changes the state and reports whether it changed
func (fc *FollowedChannel) setState(state ConnState) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.state == state {
		return false
	}
	fc.state = state
	return true
}

func (fc *FollowedChannel) setConnected() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.lastError = ""
	fc.retryAttempt = 0
	if fc.state == StateConnected {
		return false
	}
	fc.state = StateConnected
	return true
}

func (fc *FollowedChannel) setError(err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.state = StateError
	if err != nil {
		fc.lastError = err.Error()
	}
}

// recordMessage bumps the live counters and reports whether a stats refresh is due
func (fc *FollowedChannel) recordMessage(ts time.Time, refreshEvery int) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.messageCount++
	fc.sinceRefresh++
	if ts.After(fc.lastMessage) {
		fc.lastMessage = ts
	}
	return refreshEvery > 0 && fc.sinceRefresh >= refreshEvery
}

// applyStats folds store numbers into the record. Unlogged messages never reach the store,
// so its count replaces the live counter only while logging is on, or when force is set.
func (fc *FollowedChannel) applyStats(count, size int64, force bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.sizeBytes = size
	fc.sinceRefresh = 0
	if force || fc.loggingEnabled {
		fc.messageCount = count
	}
}

// markRemoved flags the channel as going away; it returns false if it already was
func (fc *FollowedChannel) markRemoved() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.removed {
		return false
	}
	fc.removed = true
	fc.closing = true
	fc.stopRetryLocked()
	return true
}

func (fc *FollowedChannel) isRemoved() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.removed
}

// setClosing marks disconnects as intentional so they do not trigger a retry
func (fc *FollowedChannel) setClosing(closing bool) {
	fc.mu.Lock()
	fc.closing = closing
	fc.mu.Unlock()
}

func (fc *FollowedChannel) isClosing() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.closing
}

func (fc *FollowedChannel) stopRetry() {
	fc.mu.Lock()
	fc.stopRetryLocked()
	fc.mu.Unlock()
}

func (fc *FollowedChannel) stopRetryLocked() {
	if fc.retryTimer != nil {
		fc.retryTimer.Stop()
		fc.retryTimer = nil
	}
}
