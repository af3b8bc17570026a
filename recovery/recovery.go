// Package recovery reclaims runs whose worker died or shut down. The sweeper
// periodically scans the active set for runs with stale heartbeats, claims
// them, and re-enters the execution loop; a startup pass does the same for
// runs left resumable by a graceful shutdown.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/store"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// Resumer re-enters the execution loop for a reclaimed run. Implemented
	// by the dispatcher, which re-runs preparation first.
	Resumer interface {
		Resume(ctx context.Context, req run.Request) error
	}

	// Options configures the sweeper.
	Options struct {
		// Ownership, Store and Resumer are required.
		Ownership *ownership.Manager
		Store     store.Store
		Resumer   Resumer
		// Interval between sweeps. Defaults to 60s.
		Interval time.Duration
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Sweeper runs the periodic orphan scan.
	Sweeper struct {
		ownership *ownership.Manager
		store     store.Store
		resumer   Resumer
		interval  time.Duration
		logger    telemetry.Logger
		metrics   *telemetry.WorkerMetrics

		stopOnce sync.Once
		done     chan struct{}
		wg       sync.WaitGroup
	}
)

// New constructs a Sweeper.
func New(opts Options) (*Sweeper, error) {
	if opts.Ownership == nil {
		return nil, fmt.Errorf("ownership manager is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Resumer == nil {
		return nil, fmt.Errorf("resumer is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Sweeper{
		ownership: opts.Ownership,
		store:     opts.Store,
		resumer:   opts.Resumer,
		interval:  interval,
		logger:    logger,
		metrics:   opts.Metrics,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error(ctx, "recovery sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info(ctx, "recovery sweep reclaimed runs", "count", n)
			}
		}
	}
}

// Sweep scans for orphans once and resumes every run this worker wins.
// Returns the number of runs reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	orphans, err := s.ownership.FindOrphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("find orphans: %w", err)
	}
	var reclaimed int
	for _, runID := range orphans {
		if ok := s.reclaim(ctx, runID); ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *Sweeper) reclaim(ctx context.Context, runID string) bool {
	claimed, err := s.ownership.Claim(ctx, runID)
	if err != nil {
		s.logger.Warn(ctx, "orphan claim failed", "run_id", runID, "error", err)
		return false
	}
	if !claimed {
		// Another worker won the race.
		return false
	}
	row, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error(ctx, "orphan has no run row, failing it", "run_id", runID, "error", err)
		_ = s.ownership.Release(ctx, runID, run.StatusFailed)
		return false
	}
	req := run.Request{
		RunID:     row.RunID,
		ThreadID:  row.ThreadID,
		ProjectID: row.ProjectID,
		AccountID: row.AccountID,
		ModelName: row.ModelName,
	}
	s.logger.Info(ctx, "resuming orphaned run", "run_id", runID, "thread_id", row.ThreadID)
	if err := s.resumer.Resume(ctx, req); err != nil {
		s.logger.Error(ctx, "orphan resume failed", "run_id", runID, "error", err)
		return false
	}
	if s.metrics != nil {
		s.metrics.OrphansRecovered.Inc()
	}
	return true
}

// RecoverStartup reclaims runs marked resumable by a graceful shutdown. Run
// once before the worker starts accepting new work.
func (s *Sweeper) RecoverStartup(ctx context.Context) (int, error) {
	orphans, err := s.ownership.FindOrphans(ctx)
	if err != nil {
		return 0, fmt.Errorf("find resumable runs: %w", err)
	}
	var reclaimed int
	for _, runID := range orphans {
		status, err := s.ownership.Status(ctx, runID)
		if err != nil || status != run.StatusResumable {
			continue
		}
		if s.reclaim(ctx, runID) {
			reclaimed++
		}
	}
	return reclaimed, nil
}
