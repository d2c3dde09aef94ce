package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/config"
	"github.com/robomo/pulse/gateway"
	"github.com/robomo/pulse/internal/auth"
	"github.com/robomo/pulse/internal/proxy"
	"github.com/robomo/pulse/rules"
	"github.com/robomo/pulse/telemetry"
)

// relayRoute is the path prefix of the CORS passthrough.
const relayRoute = "/relay/"

// Service owns the HTTP server carrying the push channel, the CORS relay and
// the operational endpoints.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	hub    *Hub
	cache  *gateway.SnapshotCache
	server *http.Server
}

// New assembles the relay from its configuration.
func New(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}

	cache := gateway.NewSnapshotCache(cfg.Cache, logger)
	gw := gateway.New(cfg.Broker, cache, logger)

	engine, err := rules.NewEngine(cfg.Watches, logger)
	if err != nil {
		return nil, fmt.Errorf("compile watch rules: %w", err)
	}

	hub := NewHub(cfg, gw, engine, collector, logger)

	wsHandler := http.Handler(hub)
	if cfg.Auth.Enabled {
		gate, err := auth.Middleware(cfg.Auth, logger)
		if err != nil {
			return nil, fmt.Errorf("configure auth: %w", err)
		}
		wsHandler = gate(hub)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// The relay path embeds an absolute URL whose double slash a ServeMux
	// would clean away, so the prefix is matched before the mux.
	relay := proxy.Handler(relayRoute, cfg.Broker.Insecure, logger)
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, relayRoute) {
			relay.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return &Service{
		cfg:    cfg,
		logger: logger.With().Str("component", "service").Logger(),
		hub:    hub,
		cache:  cache,
		server: &http.Server{Addr: cfg.Server.Listen, Handler: root},
	}, nil
}

// Hub exposes the connection registry, mainly for tests and diagnostics.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Run serves until the context is cancelled, then drains connections.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("relay started")

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.Server.TLSCert != "" {
			errCh <- s.server.ServeTLS(ln, s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
			return
		}
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.CloseAll()
		if err := s.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("shutdown")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases held resources.
func (s *Service) Close() error {
	return s.cache.Close()
}
