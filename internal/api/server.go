// Package api serves the read-only query surface and the admin kill switch
// over plain HTTP. Everything reads from the relational store; the only write
// path is the runtime kill-switch flag.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/bus"
	"github.com/web3guy0/divbot/internal/config"
	"github.com/web3guy0/divbot/internal/store"
)

// Server is the HTTP API service.
type Server struct {
	cfg    *config.Config
	st     *store.Store
	broker *bus.Broker
	srv    *http.Server
}

func NewServer(cfg *config.Config, st *store.Store, broker *bus.Broker) *Server {
	s := &Server{cfg: cfg, st: st, broker: broker}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/signals", s.handleSignals)
	mux.HandleFunc("/plans", s.handlePlans)
	mux.HandleFunc("/risk-events", s.handleRiskEvents)
	mux.HandleFunc("/risk-state", s.handleRiskState)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/admin/kill-switch", s.handleKillSwitch)
	mux.HandleFunc("/dlq", s.handleDLQ)

	s.srv = &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("API service started 🚀")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("API service stopping")
	return s.srv.Shutdown(shutCtx)
}
