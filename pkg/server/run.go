package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownGrace bounds how long Run waits for sessions to drain.
const shutdownGrace = 10 * time.Second

// Run loads the registered users, starts the server and blocks until SIGINT
// or SIGTERM.
func (s *Server) Run() error {
	n, err := s.dir.Load(s.ctx)
	if err != nil {
		_ = s.store.Close()
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("loaded registered users", "count", n)

	if err := s.Start(); err != nil {
		_ = s.store.Close()
		return err
	}

	if err := s.StartMetricsHTTP(); err != nil {
		slog.Error("metrics HTTP disabled", "addr", s.cfg.MetricsAddr, "err", err)
	}
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	sig := <-sigCh

	slog.Info("shutting down...", "signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.Shutdown(ctx)
}
