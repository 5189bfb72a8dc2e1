// Package gateway wires the Session Registry, Security Gate, Transfer
// Coordinator, Recorder, Output Pump, and Client Link into one running
// server, and drives graceful shutdown across all of them the way the
// teacher's cmd/server/main.go drives shutdown across its HTTP server
// and SSH pool — except every background task here is coordinated
// through an errgroup.Group instead of a single signal channel, since
// there are now five independent periodic tasks instead of one.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gossh-gateway/internal/config"
	"gossh-gateway/internal/link"
	"gossh-gateway/internal/pump"
	"gossh-gateway/internal/recorder"
	"gossh-gateway/internal/registry"
	"gossh-gateway/internal/security"
	"gossh-gateway/internal/transfer"
)

// Server is the assembled gateway: the shared components plus the HTTP
// listener that exposes the Client Link.
type Server struct {
	cfg  config.Config
	log  zerolog.Logger
	http *http.Server

	registry    *registry.Registry
	gate        *security.Gate
	coordinator *transfer.Coordinator
	recorder    *recorder.Recorder
	pump        *pump.Pump
}

// New assembles a Server from cfg. It creates the recordings directory
// if needed but does not start listening.
func New(cfg config.Config, log zerolog.Logger) (*Server, error) {
	reg := registry.New(cfg.IdleTimeout, log)
	gate := security.New(security.Options{
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		RateLimitBlock:      cfg.RateLimitBlock,
		LockoutThreshold:    cfg.LockoutThreshold,
		LockoutWindow:       cfg.LockoutWindow,
		MaxConnsPerIP:       cfg.MaxConnectionsPerIP,
		RequireFingerprint:  cfg.RequireFingerprintVerify,
		TrustedFingerprints: cfg.TrustedFingerprints,
	})
	coordinator := transfer.New(reg, cfg.MaxConcurrentTransfers, cfg.TransferRetention)
	rec, err := recorder.New(cfg.RecordingDir, cfg.RecordingSizeCap, cfg.RecordingRetain)
	if err != nil {
		return nil, err
	}
	p := pump.New(reg, cfg.PumpInterval)

	s := &Server{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		gate:        gate,
		coordinator: coordinator,
		recorder:    rec,
		pump:        p,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/ws", link.NewHandler(context.Background(), cfg, reg, gate, coordinator, rec, p, log))

	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

// Run starts the HTTP listener and every background task (registry
// sweeper, transfer retention sweep, recording retention sweep) and
// blocks until ctx is canceled, then drains everything within
// ShutdownGrace.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.registry.RunSweeper(gctx, s.cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		s.coordinator.RunRetentionSweep(gctx, s.cfg.TransferSweepInterval)
		return nil
	})
	g.Go(func() error {
		s.recorder.RunRetentionSweep(gctx, s.cfg.RecordingSweep)
		return nil
	})

	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		s.log.Info().Msg("gateway shutting down")

		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown did not complete cleanly")
		}
		for _, tr := range s.coordinator.List() {
			s.coordinator.Cancel(tr.ID)
		}
		for _, sess := range s.registry.List() {
			s.recorder.Stop(sess.ID)
		}
		s.registry.Shutdown()
		return nil
	})

	return g.Wait()
}
