// Package events fans supervisor events out to any number of subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/message"
)

// Kind names an event type
type Kind string

const (
	KindMessage      Kind = "message"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindRemoved      Kind = "removed"
	KindError        Kind = "error"
	KindMention      Kind = "mention"
	KindState        Kind = "state"

	// DefaultBufferSize is each subscriber's queue length before events are dropped
	DefaultBufferSize = 256
)

// Event is one aggregated channel event. Message is set for message and mention events,
// Mentioned for mention events, State for state events and Error for error events.
type Event struct {
	Kind      Kind                 `json:"kind"`
	Channel   string               `json:"channel"`
	Platform  message.Platform     `json:"platform"`
	Message   *message.ChatMessage `json:"message,omitempty"`
	Mentioned string               `json:"mentioned,omitempty"`
	State     string               `json:"state,omitempty"`
	Error     string               `json:"error,omitempty"`
	Time      time.Time            `json:"time"`
}

// Key returns the ChannelKey the event belongs to
func (e Event) Key() message.ChannelKey {
	return message.ChannelKey{Name: e.Channel, Platform: e.Platform}
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscriber) wants(kind Kind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus delivers events without ever blocking the publisher; a full subscriber loses the event
type Bus struct {
	bufferSize int
	onDrop     func(Kind)

	mu        sync.RWMutex
	subs      map[int]*subscriber
	nextSubID int
	closed    bool

	dropMu     sync.Mutex
	dropCounts map[Kind]uint64
}

// NewBus creates a bus with the given per-subscriber buffer; onDrop, if set, is told about every drop
func NewBus(bufferSize int, onDrop func(Kind)) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		onDrop:     onDrop,
		subs:       make(map[int]*subscriber),
		dropCounts: make(map[Kind]uint64),
	}
}

// Publish delivers ev to every interested subscriber
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.recordDrop(ev.Kind)
		}
	}
}

// Subscribe returns a channel of events of the given kinds (all kinds when none are given)
// and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}

	return sub.ch, unsubscribe
}

// Close closes every subscriber channel; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Dropped returns how many events of kind were dropped for slow subscribers
func (b *Bus) Dropped(kind Kind) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropCounts[kind]
}

func (b *Bus) recordDrop(kind Kind) {
	b.dropMu.Lock()
	b.dropCounts[kind]++
	total := b.dropCounts[kind]
	b.dropMu.Unlock()

	if b.onDrop != nil {
		b.onDrop(kind)
	}
	if total%100 == 1 {
		log.Warn().Str("component", "events").Str("kind", string(kind)).Uint64("total_drops", total).Msg("Dropping events for slow subscriber")
	}
}
