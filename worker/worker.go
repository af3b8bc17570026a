// Package worker composes the run-coordination components into one process
// lifecycle: ordered startup, a load sampling loop feeding the backpressure
// controller, and an ordered shutdown inside a fixed budget.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/loomworks/agentd/backpressure"
	"github.com/loomworks/agentd/broker"
	"github.com/loomworks/agentd/config"
	"github.com/loomworks/agentd/dispatch"
	"github.com/loomworks/agentd/dlq"
	"github.com/loomworks/agentd/flusher"
	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/recovery"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/wal"
)

type (
	// Hook runs at a lifecycle boundary. Startup hooks run after all
	// components are up; shutdown hooks run after all components stopped.
	Hook func(ctx context.Context) error

	// Options wires the lifecycle.
	Options struct {
		// Config, Broker, Ownership, Flusher, Dispatcher and Sweeper are
		// required.
		Config     *config.Config
		Broker     broker.Broker
		Ownership  *ownership.Manager
		Flusher    *flusher.Flusher
		Dispatcher *dispatch.Dispatcher
		Sweeper    *recovery.Sweeper
		// WAL feeds the load sampler. Required.
		WAL *wal.Log
		// DLQ feeds the depth gauge. Optional.
		DLQ *dlq.Queue
		// Load is the backpressure controller. Optional.
		Load *backpressure.Controller
		// AdminMux serves the operator surface when set.
		AdminMux http.Handler
		// OnStart and OnStop are optional hooks.
		OnStart []Hook
		OnStop  []Hook
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Worker is the process lifecycle.
	Worker struct {
		cfg        *config.Config
		broker     broker.Broker
		ownership  *ownership.Manager
		flusher    *flusher.Flusher
		dispatcher *dispatch.Dispatcher
		sweeper    *recovery.Sweeper
		wal        *wal.Log
		dlq        *dlq.Queue
		load       *backpressure.Controller
		adminMux   http.Handler
		onStart    []Hook
		onStop     []Hook
		logger     telemetry.Logger
		metrics    *telemetry.WorkerMetrics

		adminSrv *http.Server
		stopOnce sync.Once
		done     chan struct{}
		wg       sync.WaitGroup
	}
)

// New constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Broker == nil || opts.Ownership == nil || opts.Flusher == nil ||
		opts.Dispatcher == nil || opts.Sweeper == nil || opts.WAL == nil {
		return nil, errors.New("broker, ownership, flusher, dispatcher, sweeper and wal are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Worker{
		cfg:        opts.Config,
		broker:     opts.Broker,
		ownership:  opts.Ownership,
		flusher:    opts.Flusher,
		dispatcher: opts.Dispatcher,
		sweeper:    opts.Sweeper,
		wal:        opts.WAL,
		dlq:        opts.DLQ,
		load:       opts.Load,
		adminMux:   opts.AdminMux,
		onStart:    opts.OnStart,
		onStop:     opts.OnStop,
		logger:     logger,
		metrics:    opts.Metrics,
		done:       make(chan struct{}),
	}, nil
}

// Start brings the worker up in order: admin surface, flusher, heartbeats,
// sweeper, startup recovery of resumable runs, dispatcher, hooks.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	if w.adminMux != nil && w.cfg.AdminAddr != "" {
		w.adminSrv = &http.Server{Addr: w.cfg.AdminAddr, Handler: w.adminMux}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.logger.Info(ctx, "admin surface listening", "addr", w.cfg.AdminAddr)
			if err := w.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.logger.Error(ctx, "admin server failed", "error", err)
			}
		}()
	}

	w.flusher.Start(ctx)
	w.ownership.Start(ctx)
	w.sweeper.Start(ctx)

	if n, err := w.sweeper.RecoverStartup(ctx); err != nil {
		w.logger.Warn(ctx, "startup recovery failed", "error", err)
	} else if n > 0 {
		w.logger.Info(ctx, "startup recovery reclaimed runs", "count", n)
	}

	if err := w.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	if w.load != nil {
		w.wg.Add(1)
		go w.sampleLoad(ctx)
	}

	for _, hook := range w.onStart {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("startup hook: %w", err)
		}
	}
	w.logger.Info(ctx, "worker started", "worker_id", w.cfg.WorkerID)
	return nil
}

// Shutdown tears the worker down inside the configured budget: intake stops
// first, owned runs are flushed and marked resumable, then the flusher and
// admin surface stop. Runs still flushing when the budget expires are left
// resumable for another worker.
func (w *Worker) Shutdown(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.done) })
	budget := w.cfg.ShutdownBudget
	if budget <= 0 {
		budget = 25 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	w.logger.Info(sctx, "worker shutting down", "budget", budget.String())

	w.dispatcher.Stop(sctx)
	w.sweeper.Stop()

	w.ownership.GracefulShutdown(sctx, func(ctx context.Context, runID string) error {
		return w.flusher.FlushAndCleanup(ctx, runID)
	})

	w.flusher.Stop()

	if w.adminSrv != nil {
		if err := w.adminSrv.Shutdown(sctx); err != nil {
			w.logger.Warn(sctx, "admin shutdown failed", "error", err)
		}
	}

	for _, hook := range w.onStop {
		if err := hook(sctx); err != nil {
			w.logger.Warn(sctx, "shutdown hook failed", "error", err)
		}
	}
	w.wg.Wait()
	w.logger.Info(sctx, "worker stopped", "worker_id", w.cfg.WorkerID)
}

// sampleLoad refreshes the backpressure controller from live metrics every
// few seconds.
func (w *Worker) sampleLoad(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.load.UpdateMetrics(ctx, w.sampleInputs(ctx))
			if w.dlq != nil && w.metrics != nil {
				w.metrics.DLQDepth.Set(float64(w.dlq.Depth(ctx)))
			}
		}
	}
}

func (w *Worker) sampleInputs(ctx context.Context) backpressure.Inputs {
	var pending int
	for _, runID := range w.ownership.Owned() {
		pending += w.wal.PendingCount(ctx, runID)
	}
	pending += w.wal.LocalDepth()

	activeRuns := len(w.ownership.Owned())
	if members, err := w.broker.SMembers(ctx, broker.ActiveRunsKey); err == nil {
		activeRuns = len(members)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPercent := 0.0
	if mem.Sys > 0 {
		memPercent = float64(mem.HeapAlloc) / float64(mem.Sys) * 100
	}

	return backpressure.Inputs{
		PendingWrites: pending,
		ActiveRuns:    activeRuns,
		FlushLatency:  w.flusher.LastDuration(),
		MemoryPercent: memPercent,
	}
}
