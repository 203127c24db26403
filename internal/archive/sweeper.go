package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/internal/store"
)

// SweeperConfig holds retention sweep tuning.
type SweeperConfig struct {
	// Retention is how long terminal executions stay in the hot store.
	Retention time.Duration

	// Interval between sweeps.
	Interval time.Duration
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Retention: 7 * 24 * time.Hour,
		Interval:  time.Hour,
	}
}

// Sweeper periodically archives terminal executions older than the
// retention window and removes them from the hot store. The archive
// write lands before the delete; a crash in between leaves a duplicate
// archive object, never a lost record.
type Sweeper struct {
	store   store.Store
	backend Backend
	cfg     *SweeperConfig
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewSweeper creates a retention sweeper.
func NewSweeper(st store.Store, backend Backend, cfg *SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg == nil {
		cfg = DefaultSweeperConfig()
	}
	return &Sweeper{
		store:   st,
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("archive sweeper started",
		"retention", s.cfg.Retention,
		"interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("archive sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("archive sweep", "error", err)
			} else if n > 0 {
				s.logger.Info("archive sweep", "archived", n)
			}
		}
	}
}

// SweepOnce archives and deletes every eligible execution. Returns the
// number archived.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	execs, err := s.store.ListExecutions(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.Retention)
	archived := 0
	for _, exec := range execs {
		if !exec.Status.Terminal() || exec.FinishedAt == nil || exec.FinishedAt.After(cutoff) {
			continue
		}

		log, err := s.store.GetExecutionLog(ctx, exec.ID, 0)
		if err != nil {
			s.logger.Error("load execution log for archive", "execution_id", exec.ID, "error", err)
			continue
		}
		doc, err := Encode(exec, log, s.now())
		if err != nil {
			s.logger.Error("encode archive document", "execution_id", exec.ID, "error", err)
			continue
		}
		if err := s.backend.Put(ctx, Key(exec), doc); err != nil {
			s.logger.Error("write archive object", "execution_id", exec.ID, "error", err)
			continue
		}
		if err := s.store.DeleteExecution(ctx, exec.ID); err != nil {
			s.logger.Error("delete archived execution", "execution_id", exec.ID, "error", err)
			continue
		}
		metrics.ArchivedExecutionsTotal.Inc()
		archived++
	}
	return archived, nil
}
