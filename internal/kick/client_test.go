package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
)

// fakePusher accepts websocket clients and confirms chatroom subscriptions when ack is set
type fakePusher struct {
	t   *testing.T
	srv *httptest.Server
	ack bool

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed []string
	pongs      int
}

func newFakePusher(t *testing.T, ack bool) *fakePusher {
	t.Helper()
	p := &fakePusher{t: t, ack: ack}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		p.write(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.2\",\"activity_timeout\":120}"}`)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev struct {
				Event string `json:"event"`
				Data  struct {
					Channel string `json:"channel"`
				} `json:"data"`
			}
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			switch ev.Event {
			case "pusher:subscribe":
				p.mu.Lock()
				p.subscribed = append(p.subscribed, ev.Data.Channel)
				p.mu.Unlock()
				if p.ack {
					p.write(fmt.Sprintf(`{"event":"pusher_internal:subscription_succeeded","channel":%q,"data":"{}"}`, ev.Data.Channel))
				}
			case "pusher:pong":
				p.mu.Lock()
				p.pongs++
				p.mu.Unlock()
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePusher) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePusher) write(frame string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		p.t.Fatal("no client connected")
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		p.t.Logf("write: %v", err)
	}
}

func (p *fakePusher) sendChat(id, username, content string) {
	payload, _ := json.Marshal(map[string]any{
		"id":      id,
		"content": content,
		"type":    "message",
		"sender": map[string]any{
			"id":       7,
			"username": username,
			"slug":     strings.ToLower(username),
			"identity": map[string]any{
				"color":  "#FFFFFF",
				"badges": []map[string]any{{"type": "subscriber", "text": "Subscriber"}},
			},
		},
	})
	frame, _ := json.Marshal(map[string]any{
		"event":   `App\Events\ChatMessageEvent`,
		"channel": "chatrooms.4242.v2",
		"data":    string(payload),
	})
	p.write(string(frame))
}

func (p *fakePusher) dropClient() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *fakePusher) pongCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pongs
}

func newTestClient(p *fakePusher, timeout time.Duration, h protocol.Handlers) *ChatroomClient {
	return NewChatroomClient(Config{
		SocketURL:      p.url(),
		ConnectTimeout: timeout,
		Chatrooms:      map[string]int{"streamer": 4242},
	}, h)
}

func TestChatroomClientConnectAndReceive(t *testing.T) {
	pusher := newFakePusher(t, true)

	received := make(chan message.ChatMessage, 4)
	client := newTestClient(pusher, 3*time.Second, protocol.Handlers{
		OnMessage: func(msg message.ChatMessage) { received <- msg },
	})
	t.Cleanup(func() { client.Disconnect() })

	if err := client.Connect(context.Background(), "Streamer"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.IsConnected() {
		t.Fatalf("state = %s, want connected", client.State())
	}

	pusher.mu.Lock()
	subs := append([]string(nil), pusher.subscribed...)
	pusher.mu.Unlock()
	if len(subs) != 1 || subs[0] != "chatrooms.4242.v2" {
		t.Errorf("subscriptions = %v, want [chatrooms.4242.v2]", subs)
	}

	pusher.sendChat("abc-123", "Viewer", "hello @streamer")

	select {
	case msg := <-received:
		if msg.ID != "abc-123" || msg.Username != "Viewer" || msg.Text != "hello @streamer" {
			t.Errorf("message = %+v", msg)
		}
		if msg.Platform != message.PlatformKick || msg.Channel != "streamer" {
			t.Errorf("Platform/Channel = %s/%s", msg.Platform, msg.Channel)
		}
		if got := msg.Mentions(); len(got) != 1 || got[0] != "streamer" {
			t.Errorf("Mentions() = %v", got)
		}
		if len(msg.Badges) != 1 || msg.Badges[0] != "subscriber:Subscriber" {
			t.Errorf("Badges = %v", msg.Badges)
		}
		if msg.Timestamp.IsZero() {
			t.Error("Timestamp is zero")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestChatroomClientAnswersPing(t *testing.T) {
	pusher := newFakePusher(t, true)

	release := make(chan struct{})
	client := newTestClient(pusher, 3*time.Second, protocol.Handlers{
		OnMessage: func(message.ChatMessage) { <-release },
	})
	t.Cleanup(func() {
		close(release)
		client.Disconnect()
	})

	if err := client.Connect(context.Background(), "streamer"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	pusher.sendChat("1", "a", "slow one")
	pusher.sendChat("2", "b", "slow two")
	pusher.write(`{"event":"pusher:ping","data":{}}`)

	deadline := time.Now().Add(2 * time.Second)
	for pusher.pongCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pong while the message handler was blocked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatroomClientTimesOutWithoutConfirmation(t *testing.T) {
	pusher := newFakePusher(t, false)
	client := newTestClient(pusher, 200*time.Millisecond, protocol.Handlers{})

	err := client.Connect(context.Background(), "streamer")
	var timeout *protocol.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Connect error = %v, want TimeoutError", err)
	}
	if client.IsConnected() {
		t.Error("client reports connected after timeout")
	}
	if client.State() != protocol.StateError {
		t.Errorf("state = %s, want error", client.State())
	}
}

func TestChatroomClientUnknownChannelIsValidationError(t *testing.T) {
	api := newChannelAPI(t)
	pusher := newFakePusher(t, true)

	client := NewChatroomClient(Config{
		SocketURL:      pusher.url(),
		ConnectTimeout: time.Second,
		Resolver:       NewResolver(api.URL, nil),
	}, protocol.Handlers{})

	err := client.Connect(context.Background(), "nobody")
	if !protocol.IsValidation(err) {
		t.Fatalf("Connect error = %v, want ValidationError", err)
	}
	if client.State() != protocol.StateError {
		t.Errorf("state = %s, want error", client.State())
	}
}

func TestChatroomClientResolvesRoomOverHTTP(t *testing.T) {
	api := newChannelAPI(t)
	pusher := newFakePusher(t, true)

	client := NewChatroomClient(Config{
		SocketURL:      pusher.url(),
		ConnectTimeout: 3 * time.Second,
		Resolver:       NewResolver(api.URL, nil),
	}, protocol.Handlers{})
	t.Cleanup(func() { client.Disconnect() })

	if err := client.Connect(context.Background(), "streamer"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.CurrentChannel() != "streamer" {
		t.Errorf("CurrentChannel() = %q", client.CurrentChannel())
	}
}

func TestChatroomClientReportsUnexpectedDrop(t *testing.T) {
	pusher := newFakePusher(t, true)

	errs := make(chan error, 1)
	disconnected := make(chan struct{}, 1)
	client := newTestClient(pusher, 3*time.Second, protocol.Handlers{
		OnError:        func(err error) { errs <- err },
		OnDisconnected: func() { disconnected <- struct{}{} },
	})

	if err := client.Connect(context.Background(), "streamer"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pusher.dropClient()

	select {
	case err := <-errs:
		if !protocol.IsSoft(err) {
			t.Errorf("drop error %v should be soft", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called after drop")
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called after drop")
	}
	if client.IsConnected() {
		t.Error("client still reports connected")
	}
}

func TestChatroomClientDisconnect(t *testing.T) {
	pusher := newFakePusher(t, true)

	var mu sync.Mutex
	events := []string{}
	client := newTestClient(pusher, 3*time.Second, protocol.Handlers{
		OnConnected: func(string) {
			mu.Lock()
			events = append(events, "connected")
			mu.Unlock()
		},
		OnDisconnected: func() {
			mu.Lock()
			events = append(events, "disconnected")
			mu.Unlock()
		},
	})

	if err := client.Connect(context.Background(), "streamer"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Connect(context.Background(), "streamer"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if client.State() != protocol.StateDisconnected {
		t.Errorf("state = %s, want disconnected", client.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(events, ",") != "connected,disconnected" {
		t.Errorf("events = %v", events)
	}
}

func TestDecodeChatMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		wantID  string
	}{
		{
			name:   "string encoded payload",
			data:   `"{\"id\":\"x1\",\"content\":\"hi\",\"created_at\":\"2024-01-02T03:04:05Z\",\"sender\":{\"username\":\"u\"}}"`,
			wantID: "x1",
		},
		{
			name:   "object payload",
			data:   `{"id":"x2","content":"hi","sender":{"username":"u"}}`,
			wantID: "x2",
		},
		{
			name:    "no sender",
			data:    `{"id":"x3","content":"hi"}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			data:    `"not json"`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeChatMessage(json.RawMessage(tt.data), "room")
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeChatMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && msg.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", msg.ID, tt.wantID)
			}
		})
	}
}

func TestJitterDelayWithinBounds(t *testing.T) {
	tests := []struct {
		name     string
		min, max time.Duration
		wantMin  time.Duration
		wantMax  time.Duration
	}{
		{name: "disabled", wantMin: 0, wantMax: 0},
		{name: "fixed", min: 40 * time.Millisecond, max: 40 * time.Millisecond, wantMin: 40 * time.Millisecond, wantMax: 40 * time.Millisecond},
		{name: "range", min: time.Second, max: 2500 * time.Millisecond, wantMin: time.Second, wantMax: 2500 * time.Millisecond},
		{name: "max below min", min: 300 * time.Millisecond, max: 100 * time.Millisecond, wantMin: 300 * time.Millisecond, wantMax: 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewChatroomClient(Config{JitterMin: tt.min, JitterMax: tt.max}, protocol.Handlers{})
			for i := 0; i < 200; i++ {
				got := client.jitterDelay()
				if got < tt.wantMin || got > tt.wantMax {
					t.Fatalf("jitterDelay() = %v, want within [%v, %v]", got, tt.wantMin, tt.wantMax)
				}
			}
		})
	}
}

func TestJitterWaitsAtLeastMin(t *testing.T) {
	client := NewChatroomClient(Config{JitterMin: 50 * time.Millisecond, JitterMax: 60 * time.Millisecond}, protocol.Handlers{})

	start := time.Now()
	if err := client.jitter(context.Background()); err != nil {
		t.Fatalf("jitter: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("jitter returned after %v, want at least 50ms", elapsed)
	}
}

func TestJitterReturnsOnCancel(t *testing.T) {
	client := NewChatroomClient(Config{JitterMin: time.Hour, JitterMax: time.Hour}, protocol.Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := client.jitter(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("jitter error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("jitter took %v after cancel", elapsed)
	}

	// an already cancelled context is reported even with no delay configured
	idle := NewChatroomClient(Config{}, protocol.Handlers{})
	if err := idle.jitter(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("jitter with no delay = %v, want context.Canceled", err)
	}
}

func TestChatroomClientConnectCancelledDuringJitter(t *testing.T) {
	pusher := newFakePusher(t, true)

	client := NewChatroomClient(Config{
		SocketURL:      pusher.url(),
		ConnectTimeout: 3 * time.Second,
		JitterMin:      time.Hour,
		JitterMax:      time.Hour,
		Chatrooms:      map[string]int{"streamer": 4242},
	}, protocol.Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Connect(ctx, "streamer")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect error = %v, want context.DeadlineExceeded", err)
	}
	if client.IsConnected() {
		t.Error("client connected despite cancellation")
	}
	if client.State() != protocol.StateDisconnected {
		t.Errorf("state = %s, want disconnected", client.State())
	}
}
