package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fableforge/fableforge-core/internal/config"
	"github.com/fableforge/fableforge-core/internal/store"
)

// Sweeper periodically clears played audio, fails stuck requests and evicts
// dead connections. Each pass is independent; a failing step is logged and
// the rest of the pass still runs.
type Sweeper struct {
	cfg   config.CleanupConfig
	store *store.Store
	log   *slog.Logger
	cron  *cron.Cron
}

func New(cfg config.CleanupConfig, st *store.Store, log *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:   cfg,
		store: st,
		log:   log.With(slog.String("component", "cleanup-sweeper")),
		cron:  cron.New(),
	}
}

// Start schedules the periodic sweep. A non-positive interval disables it.
func (s *Sweeper) Start() error {
	if s.cfg.IntervalSeconds <= 0 {
		s.log.Info("cleanup sweeper disabled")
		return nil
	}
	spec := fmt.Sprintf("@every %ds", s.cfg.IntervalSeconds)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("cleanup sweeper started", slog.Int("interval_seconds", s.cfg.IntervalSeconds))
	return nil
}

// Close stops the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Close() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one full cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepStuckRequests(ctx)
	s.sweepPlayedChunks(ctx)
	s.sweepConnections(ctx)
}

func (s *Sweeper) sweepStuckRequests(ctx context.Context) {
	maxAge := time.Duration(s.cfg.StuckRequestMinutes) * time.Minute
	if maxAge <= 0 {
		return
	}
	n, err := s.store.FailStuckRequests(ctx, maxAge)
	if err != nil {
		s.log.Warn("failing stuck requests failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.log.Info("failed stuck playback requests", slog.Int64("count", n))
	}
}

func (s *Sweeper) sweepPlayedChunks(ctx context.Context) {
	maxAge := time.Duration(s.cfg.MaxAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		return
	}
	paths, err := s.store.DeletePlayedChunksBefore(ctx, maxAge)
	if err != nil {
		s.log.Warn("deleting expired chunks failed", slog.String("error", err.Error()))
		return
	}
	var removed int
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("removing audio file failed",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if len(paths) > 0 {
		s.log.Info("expired played chunks removed",
			slog.Int("rows", len(paths)), slog.Int("files", removed))
	}
}

func (s *Sweeper) sweepConnections(ctx context.Context) {
	// Connections that stopped heartbeating without a clean close are failed
	// first, then old terminal rows are dropped together with their delivery
	// history.
	silence := 2 * time.Duration(s.cfg.IntervalSeconds) * time.Second
	if silence > 0 {
		n, err := s.store.FailSilentConnections(ctx, silence)
		if err != nil {
			s.log.Warn("failing silent connections failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.log.Info("failed silent connections", slog.Int64("count", n))
		}
	}

	retention := time.Duration(s.cfg.ConnectionRetentionHours) * time.Hour
	if retention <= 0 {
		return
	}
	n, err := s.store.DeleteTerminalConnectionsBefore(ctx, retention)
	if err != nil {
		s.log.Warn("deleting terminal connections failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.log.Info("expired connections removed", slog.Int64("count", n))
	}
}
