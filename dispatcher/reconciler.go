package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/loom-labs/loom-go/internal/session"
)

type reconcileSyncerConfig struct {
	Enabled  bool
	Interval time.Duration
}

// reconcileSyncer periodically sweeps processors that stopped heartbeating,
// revoking their unconfirmed task assignments and releasing their cores.
type reconcileSyncer struct {
	logger     *slog.Logger
	reconciler *session.Reconciler
	interval   time.Duration
}

func startReconcileSyncer(ctx context.Context, logger *slog.Logger, reconciler *session.Reconciler, cfg reconcileSyncerConfig) {
	if reconciler == nil || !cfg.Enabled {
		return
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s := &reconcileSyncer{
		logger:     logger,
		reconciler: reconciler,
		interval:   interval,
	}
	go s.run(ctx)
}

func (s *reconcileSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *reconcileSyncer) syncOnce(ctx context.Context) {
	if err := s.reconciler.Sweep(ctx, time.Now().UTC()); err != nil {
		s.logger.Warn("processor sweep failed", "error", err)
	}
}
