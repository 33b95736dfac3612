package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/chatkeep/internal/events"
	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/supervisor"
)

type fakeSource struct {
	infos  []supervisor.ChannelInfo
	recent []message.ChatMessage
	limit  int
}

func (f *fakeSource) Channels() []supervisor.ChannelInfo {
	out := make([]supervisor.ChannelInfo, len(f.infos))
	copy(out, f.infos)
	return out
}

func (f *fakeSource) Channel(name string, platform message.Platform) (supervisor.ChannelInfo, bool) {
	for _, info := range f.infos {
		if info.Name == name && info.Platform == platform {
			return info, true
		}
	}
	return supervisor.ChannelInfo{}, false
}

func (f *fakeSource) RecentMessages(ctx context.Context, name string, platform message.Platform, limit int) ([]message.ChatMessage, error) {
	if _, ok := f.Channel(name, platform); !ok {
		return nil, supervisor.ErrNotFollowed
	}
	f.limit = limit
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *fakeSource, *events.Bus) {
	t.Helper()
	source := &fakeSource{
		infos: []supervisor.ChannelInfo{
			{Name: "alpha", Platform: message.PlatformKick, State: supervisor.StateConnected, LoggingEnabled: true, MessageCount: 3},
			{Name: "beta", Platform: message.PlatformTwitch, State: supervisor.StateError, LastError: "timed out"},
		},
		recent: []message.ChatMessage{
			{Username: "a", Text: "newest"},
			{Username: "b", Text: "older"},
		},
	}
	bus := events.NewBus(16, nil)
	s := New("127.0.0.1:0", source, bus)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		bus.Close()
	})
	return s, ts, source, bus
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	code, body := get(t, ts.URL+"/health")
	if code != http.StatusOK || body != "OK" {
		t.Errorf("GET /health = %d %q", code, body)
	}
}

func TestMetrics(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	code, body := get(t, ts.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Errorf("GET /metrics = %d", code)
	}
}

func TestChannels(t *testing.T) {
	_, ts, _, _ := newTestServer(t)

	tests := []struct {
		query     string
		wantCode  int
		wantNames []string
	}{
		{"", http.StatusOK, []string{"alpha", "beta"}},
		{"?platform=kick", http.StatusOK, []string{"alpha"}},
		{"?platform=TWITCH", http.StatusOK, []string{"beta"}},
		{"?platform=irc", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, body := get(t, ts.URL+"/channels"+tt.query)
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", code, tt.wantCode, body)
			}
			if tt.wantNames == nil {
				return
			}
			var infos []map[string]any
			if err := json.Unmarshal([]byte(body), &infos); err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, info := range infos {
				names = append(names, info["name"].(string))
			}
			if strings.Join(names, ",") != strings.Join(tt.wantNames, ",") {
				t.Errorf("names = %v, want %v", names, tt.wantNames)
			}
		})
	}
}

func TestChannelStateRendersByName(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	code, body := get(t, ts.URL+"/channels/twitch/beta")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	var info map[string]any
	json.Unmarshal([]byte(body), &info)
	if info["state"] != "error" || info["last_error"] != "timed out" {
		t.Errorf("info = %v", info)
	}

	if code, _ := get(t, ts.URL+"/channels/kick/beta"); code != http.StatusNotFound {
		t.Errorf("unknown channel code = %d", code)
	}
}

func TestRecent(t *testing.T) {
	_, ts, source, _ := newTestServer(t)

	code, body := get(t, ts.URL+"/channels/kick/alpha/recent?limit=1")
	if code != http.StatusOK {
		t.Fatalf("code = %d (%s)", code, body)
	}
	var msgs []message.ChatMessage
	json.Unmarshal([]byte(body), &msgs)
	if len(msgs) != 1 || msgs[0].Text != "newest" {
		t.Errorf("recent = %+v", msgs)
	}

	get(t, ts.URL+"/channels/kick/alpha/recent?limit=999999")
	if source.limit != maxRecentLimit {
		t.Errorf("limit = %d, want capped at %d", source.limit, maxRecentLimit)
	}

	if code, _ := get(t, ts.URL+"/channels/kick/alpha/recent?limit=zero"); code != http.StatusBadRequest {
		t.Errorf("bad limit code = %d", code)
	}
	if code, _ := get(t, ts.URL+"/channels/twitch/nobody/recent"); code != http.StatusNotFound {
		t.Errorf("unknown channel code = %d", code)
	}
}

func dialEvents(t *testing.T, s *Server, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for s.Streams() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestEventStreamFilters(t *testing.T) {
	s, ts, _, bus := newTestServer(t)
	conn := dialEvents(t, s, ts, "?kinds=message,mention&channel=alpha_kick")

	msg := message.ChatMessage{Username: "viewer", Text: "hello", Platform: message.PlatformKick}
	bus.Publish(events.Event{Kind: events.KindState, Channel: "alpha", Platform: message.PlatformKick, State: "connected"})
	bus.Publish(events.Event{Kind: events.KindMessage, Channel: "beta", Platform: message.PlatformTwitch, Message: &msg})
	bus.Publish(events.Event{Kind: events.KindMessage, Channel: "alpha", Platform: message.PlatformKick, Message: &msg})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.KindMessage || ev.Channel != "alpha" || ev.Message == nil || ev.Message.Text != "hello" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventStreamRejectsBadChannel(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	code, _ := get(t, ts.URL+"/events?channel=nounderscore")
	if code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", code)
	}
}

func TestEventStreamClosesWhenBusCloses(t *testing.T) {
	s, ts, _, bus := newTestServer(t)
	conn := dialEvents(t, s, ts, "")

	bus.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after bus close = %v, want going-away close", err)
	}
}
