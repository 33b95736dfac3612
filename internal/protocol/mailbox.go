package protocol

import (
	"sync"

	"github.com/john/chatkeep/internal/message"
)

// Mailbox is an unbounded FIFO between a client's read loop and its message handler.
// Pushing never blocks, so keep-alive replies on the read loop are never delayed by
// slow persistence. Messages are delivered one at a time in push order.
type Mailbox struct {
	mu      sync.Mutex
	queue   []message.ChatMessage
	notify  chan struct{}
	closed  bool
	done    chan struct{}
	handler Handlers
}

// NewMailbox starts a dispatcher goroutine delivering to h.OnMessage
func NewMailbox(h Handlers) *Mailbox {
	mb := &Mailbox{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: h,
	}
	go mb.run()
	return mb
}

// Push queues msg for delivery; it is dropped once the mailbox is closed
func (mb *Mailbox) Push(msg message.ChatMessage) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting messages. Already queued messages are still delivered;
// Close returns once the dispatcher has drained them.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		<-mb.done
		return
	}
	mb.closed = true
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	<-mb.done
}

// Len returns the number of undelivered messages
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

func (mb *Mailbox) run() {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			closed := mb.closed
			mb.mu.Unlock()
			if closed {
				return
			}
			<-mb.notify
			continue
		}
		msg := mb.queue[0]
		mb.queue[0] = message.ChatMessage{}
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		mb.handler.message(msg)
	}
}

// Emit helpers let platform clients fire events without nil checks.

// EmitConnected invokes h.OnConnected if set
func EmitConnected(h Handlers, channel string) { h.connected(channel) }

// EmitDisconnected invokes h.OnDisconnected if set
func EmitDisconnected(h Handlers) { h.disconnected() }

// EmitError invokes h.OnError if set and err is non-nil
func EmitError(h Handlers, err error) { h.error(err) }
