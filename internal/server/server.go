/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the storage, cache, broker, mixer and HTTP layers
// together and owns their lifecycles.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/listenlab/roomsync/internal/api"
	"github.com/listenlab/roomsync/internal/broker"
	"github.com/listenlab/roomsync/internal/cache"
	"github.com/listenlab/roomsync/internal/config"
	"github.com/listenlab/roomsync/internal/db"
	"github.com/listenlab/roomsync/internal/eventbus"
	"github.com/listenlab/roomsync/internal/events"
	"github.com/listenlab/roomsync/internal/mixer"
	"github.com/listenlab/roomsync/internal/playersync"
	"github.com/listenlab/roomsync/internal/resolver"
	"github.com/listenlab/roomsync/internal/shortcode"
	"github.com/listenlab/roomsync/internal/store"
	"github.com/listenlab/roomsync/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	metricsSrv *http.Server
	closers    []func() error

	db       *gorm.DB
	cache    *cache.Cache
	bus      *events.Bus
	relay    *eventbus.Relay
	hub      *broker.Hub
	mixerSvc *mixer.Service
	api      *api.API
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("roomsync-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Websocket connections are long-lived; only REST routes get a deadline.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Websocket handlers manage their own deadlines.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	s.cache = cache.New(cacheCfg, s.logger)
	s.DeferClose(func() error { return s.cache.Close() })

	if s.cfg.NATSEnabled {
		relay, err := eventbus.NewRelay(s.cfg.NATSURL, s.cfg.InstanceID, s.bus, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS unreachable, events stay in-process")
		} else if err := relay.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("NATS relay failed to start, events stay in-process")
			_ = relay.Close()
		} else {
			s.relay = relay
			s.DeferClose(relay.Close)
			s.logger.Info().Str("url", s.cfg.NATSURL).Msg("NATS event relay started")
		}
	}

	roomStore := store.NewGorm(database)
	res := resolver.NewOEmbed(s.cfg.ResolverTimeout, s.logger)

	s.hub = broker.NewHub(roomStore, s.cache, res, s.bus, s.cfg.Sync, s.logger)
	s.mixerSvc = mixer.NewService(roomStore, res, playersync.HeadlessFactory, s.bus, s.logger)
	codes := shortcode.NewService(roomStore, s.cache)

	s.api = api.New(s.hub, s.mixerSvc, codes, s.logger)

	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// StartMetricsServer serves /metrics on a dedicated listener when configured.
// It is a no-op when MetricsBind is empty; metrics are then mounted on the
// main router instead.
func (s *Server) StartMetricsServer() {
	if s.cfg.MetricsBind == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	s.metricsSrv = &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server exited")
		}
	}()
	s.DeferClose(func() error { return s.metricsSrv.Close() })
	s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics server listening")
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
