package service

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/config"
	"github.com/robomo/pulse/gateway"
	"github.com/robomo/pulse/rules"
	"github.com/robomo/pulse/telemetry"
)

// Hub tracks live connections and fans events out to them. Connection
// ordinals increase monotonically and are never reused; the live count is a
// separate value that rises and falls with connect and disconnect.
type Hub struct {
	gateway   gateway.Client
	rules     *rules.Engine
	logger    zerolog.Logger
	collector telemetry.Collector

	pollInterval time.Duration
	minInterval  time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	ordinals atomic.Uint64
}

// NewHub wires the registry with its collaborators.
func NewHub(cfg *config.Config, gw gateway.Client, engine *rules.Engine, collector telemetry.Collector, logger zerolog.Logger) *Hub {
	if collector == nil {
		collector = telemetry.Noop()
	}
	allowed := cfg.Server.AllowedOrigin
	return &Hub{
		gateway:      gw,
		rules:        engine,
		logger:       logger.With().Str("component", "hub").Logger(),
		collector:    collector,
		pollInterval: cfg.PollInterval(),
		minInterval:  cfg.Poll.MinInterval.Duration,
		writeTimeout: cfg.Server.WriteTimeout.Duration,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowed == "" || allowed == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowed
			},
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	s := newSession(uuid.NewString(), h.ordinals.Add(1), conn, h)
	s.bind(r.Context())
	h.register(s)
	defer h.unregister(s)
	s.run()
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info().Str("connection", s.id).Uint64("ordinal", s.ordinal).Int("clients", count).Msg("client connected")
	h.collector.SetConnectedClients(count)
	h.Broadcast(EventClientConnected, count)
	s.send(EventUserInfo, s.userInfo())
}

// unregister runs after session.run has returned, so both repeating actions
// are already stopped when the record is released.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	count := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info().Str("connection", s.id).Int("clients", count).Msg("client disconnected")
	h.collector.SetConnectedClients(count)
	h.Broadcast(EventClientDisconnected, count)
}

// Broadcast pushes one event to every live connection.
func (h *Hub) Broadcast(event string, payload interface{}) {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.enqueue(event, frame)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll terminates every connection, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		if s.cancel != nil {
			s.cancel()
		}
		s.conn.Close()
	}
}
