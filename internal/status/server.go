// Package status serves the HTTP surface: health, metrics, channel snapshots and a live event stream.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/events"
	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/supervisor"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + 10*time.Second

	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// Source is what the server reports on
type Source interface {
	Channels() []supervisor.ChannelInfo
	Channel(name string, platform message.Platform) (supervisor.ChannelInfo, bool)
	RecentMessages(ctx context.Context, name string, platform message.Platform, limit int) ([]message.ChatMessage, error)
}

// Server provides the status HTTP endpoints
type Server struct {
	server   *http.Server
	source   Source
	bus      *events.Bus
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
}

// New creates a status server listening on addr
func New(addr string, source Source, bus *events.Bus) *Server {
	s := &Server{
		source: source,
		bus:    bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.With().Str("component", "status").Logger(),
		streams: make(map[*websocket.Conn]struct{}),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /channels/{platform}/{name}", s.handleChannel)
	mux.HandleFunc("GET /channels/{platform}/{name}/recent", s.handleRecent)
	mux.HandleFunc("GET /events", s.handleEvents)

	return mux
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Status server listening")
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Streams returns how many event streams are open
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Shutdown gracefully shuts down the server and closes open event streams
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down status server")
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.streams {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	infos := s.source.Channels()
	if p := r.URL.Query().Get("platform"); p != "" {
		platform, err := message.ParsePlatform(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := infos[:0]
		for _, info := range infos {
			if info.Platform == platform {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}
	if infos == nil {
		infos = []supervisor.ChannelInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	platform, name, ok := channelPath(w, r)
	if !ok {
		return
	}
	info, found := s.source.Channel(name, platform)
	if !found {
		writeError(w, http.StatusNotFound, "channel not followed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	platform, name, ok := channelPath(w, r)
	if !ok {
		return
	}

	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	msgs, err := s.source.RecentMessages(r.Context(), name, platform, limit)
	if errors.Is(err, supervisor.ErrNotFollowed) {
		writeError(w, http.StatusNotFound, "channel not followed")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("channel", name).Msg("Failed to read recent messages")
		writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if msgs == nil {
		msgs = []message.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleEvents streams bus events as JSON text frames. ?kinds=message,mention filters by kind
// and ?channel=<name>_<platform> by channel.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	if v := r.URL.Query().Get("kinds"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, events.Kind(k))
			}
		}
	}
	var only *message.ChannelKey
	if v := r.URL.Query().Get("channel"); v != "" {
		key, ok := message.ParseKey(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "channel must look like <name>_<platform>")
			return
		}
		only = &key
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sub, unsubscribe := s.bus.Subscribe(kinds...)
	s.mu.Lock()
	s.streams[conn] = struct{}{}
	count := len(s.streams)
	s.mu.Unlock()
	s.log.Debug().Str("remote", r.RemoteAddr).Int("streams", count).Msg("Event stream opened")

	defer func() {
		unsubscribe()
		conn.Close()
		s.mu.Lock()
		delete(s.streams, conn)
		count := len(s.streams)
		s.mu.Unlock()
		s.log.Debug().Int("streams", count).Msg("Event stream closed")
	}()

	// The reader only exists to notice the peer going away and to process pongs
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			if only != nil && ev.Key() != *only {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func channelPath(w http.ResponseWriter, r *http.Request) (message.Platform, string, bool) {
	platform, err := message.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return platform, r.PathValue("name"), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
