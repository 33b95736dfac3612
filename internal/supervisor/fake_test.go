package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/john/chatkeep/internal/events"
	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
)

// fakeClient is an in-memory protocol client. Connect outcomes are taken from connectErrs
// in order; once they run out every connect succeeds.
type fakeClient struct {
	platform message.Platform
	h        protocol.Handlers

	mu          sync.Mutex
	connectErrs []error
	validateErr error
	connected   bool
	channel     string
	connects    int
	disconnects int

	// hold, when set, makes successful connects wait for it to close; holding is signalled first
	hold    chan struct{}
	holding chan struct{}
}

func (c *fakeClient) Connect(ctx context.Context, channel string) error {
	c.mu.Lock()
	c.connects++
	if c.connected && c.channel == channel {
		c.mu.Unlock()
		return nil
	}
	var err error
	if len(c.connectErrs) > 0 {
		err, c.connectErrs = c.connectErrs[0], c.connectErrs[1:]
	}
	hold, holding := c.hold, c.holding
	if err == nil && hold != nil {
		c.mu.Unlock()
		holding <- struct{}{}
		<-hold
		c.mu.Lock()
	}
	if err != nil {
		c.connected = false
		c.mu.Unlock()
		return err
	}
	c.connected = true
	c.channel = channel
	c.mu.Unlock()

	c.h.OnConnected(channel)
	return nil
}

func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.disconnects++
	c.mu.Unlock()

	if was {
		c.h.OnDisconnected()
	}
	return nil
}

func (c *fakeClient) Validate(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validateErr
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) CurrentChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *fakeClient) State() protocol.State {
	if c.IsConnected() {
		return protocol.StateConnected
	}
	return protocol.StateDisconnected
}

func (c *fakeClient) Platform() message.Platform { return c.platform }

func (c *fakeClient) deliver(username, text string) {
	c.h.OnMessage(message.ChatMessage{Username: username, Text: text, Timestamp: time.Now().UTC(), Platform: c.platform})
}

// drop simulates the server closing the connection
func (c *fakeClient) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.h.OnError(&protocol.TransportError{Channel: c.channel, Platform: c.platform, Op: "read", Err: context.Canceled})
	c.h.OnDisconnected()
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeFactory struct {
	mu        sync.Mutex
	created   int
	configure func(c *fakeClient)
}

func (f *fakeFactory) New(platform message.Platform, h protocol.Handlers) (protocol.Client, error) {
	c := &fakeClient{platform: platform, h: h}
	f.mu.Lock()
	f.created++
	configure := f.configure
	f.mu.Unlock()
	if configure != nil {
		configure(c)
	}
	return c, nil
}

type fakeBlacklist map[string]bool

func (b fakeBlacklist) IsBlacklisted(username string) bool { return b[username] }

func newTestSupervisor(t *testing.T, factory *fakeFactory, tweak func(*Options)) *Supervisor {
	t.Helper()
	opts := Options{
		DataDir:       t.TempDir(),
		NewClient:     factory.New,
		Bus:           events.NewBus(1024, nil),
		RetryInitial:  time.Hour,
		StatsInterval: time.Hour,
		DeleteBackoff: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func clientFor(t *testing.T, s *Supervisor, name string, platform message.Platform) *fakeClient {
	t.Helper()
	c, ok := s.clients.Load(message.NewKey(name, platform))
	if !ok {
		t.Fatalf("no client for %s/%s", name, platform)
	}
	return c.(*fakeClient)
}

// waitEvent reads from ch until an event matching pred arrives
func waitEvent(t *testing.T, ch <-chan events.Event, pred func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return events.Event{}
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
