package kick

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/john/chatkeep/internal/protocol"
)

func newChannelAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "https://kick.com" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/api/v2/channels/streamer":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":42,"slug":"streamer","chatroom":{"id":4242}}`))
		case "/api/v2/channels/broken":
			w.Write([]byte(`{not json`))
		case "/api/v2/channels/flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolverResolve(t *testing.T) {
	srv := newChannelAPI(t)
	resolver := NewResolver(srv.URL, nil)

	room, err := resolver.Resolve(context.Background(), "Streamer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if room.Slug != "streamer" || room.ChannelID != 42 || room.ChatroomID != 4242 {
		t.Errorf("Resolve() = %+v", room)
	}
}

func TestResolverErrors(t *testing.T) {
	srv := newChannelAPI(t)
	resolver := NewResolver(srv.URL, nil)

	tests := []struct {
		name           string
		slug           string
		wantValidation bool
	}{
		{"unknown channel", "nobody", true},
		{"malformed body", "broken", false},
		{"upstream failure", "flaky", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), tt.slug)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := protocol.IsValidation(err); got != tt.wantValidation {
				t.Errorf("IsValidation(%v) = %v, want %v", err, got, tt.wantValidation)
			}
			var transport *protocol.TransportError
			if !tt.wantValidation && !errors.As(err, &transport) {
				t.Errorf("error %v is not a TransportError", err)
			}
		})
	}
}
