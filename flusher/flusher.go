// Package flusher drains the write-ahead log into the authoritative store.
// Each drain cycle reads a run's pending entries, persists messages in
// bounded-parallel batches, collapses credit entries into a single aggregate
// deduction, applies status updates in order, acknowledges what landed and
// dead-letters what exhausted its retries. Batch size and cadence follow the
// backpressure controller.
package flusher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/loomworks/agentd/backpressure"
	"github.com/loomworks/agentd/dlq"
	"github.com/loomworks/agentd/history"
	"github.com/loomworks/agentd/retry"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/store"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/wal"
)

type (
	// CreditWrite is the WAL payload of one turn's credit usage.
	CreditWrite struct {
		AccountID   string  `json:"account_id"`
		Amount      float64 `json:"amount"`
		ThreadID    string  `json:"thread_id"`
		RunID       string  `json:"run_id"`
		Description string  `json:"description"`
	}

	// StatusWrite is the WAL payload of a run status change.
	StatusWrite struct {
		Status run.Status `json:"status"`
		Error  string     `json:"error,omitempty"`
	}

	// BatchResult summarizes one drain of one run.
	BatchResult struct {
		SuccessCount int
		FailedCount  int
		DLQCount     int
		Duration     time.Duration
	}

	// OwnedRuns supplies the run ids to drain each cycle.
	OwnedRuns interface {
		Owned() []string
	}

	// Options configures the flusher.
	Options struct {
		WAL     *wal.Log
		Store   store.Store
		DLQ     *dlq.Queue
		Runs    OwnedRuns
		Load    *backpressure.Controller
		History *history.Cache

		// Interval is the baseline drain cadence; backpressure shortens it.
		// Defaults to 5s.
		Interval time.Duration
		// BatchSize is the baseline message batch; backpressure shrinks it.
		// Defaults to 50.
		BatchSize int
		// MaxConcurrentPersists bounds parallel store writes. Defaults to 20.
		MaxConcurrentPersists int
		// MaxFlushTasks bounds runs drained in parallel per cycle. Defaults
		// to 10.
		MaxFlushTasks int
		// MaxRetries moves an entry to the DLQ after this many failed
		// attempts. Defaults to 3.
		MaxRetries int

		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Flusher runs the background drain loop. Thread-safe.
	Flusher struct {
		wal       *wal.Log
		store     store.Store
		dlq       *dlq.Queue
		runs      OwnedRuns
		load      *backpressure.Controller
		histCache *history.Cache

		interval   time.Duration
		batchSize  int
		persistSem chan struct{}
		taskSem    chan struct{}
		maxRetries int
		retryCfg   retry.Config

		logger  telemetry.Logger
		metrics *telemetry.WorkerMetrics

		stopOnce  sync.Once
		stop      chan struct{}
		done      chan struct{}
		lastFlush atomic.Int64
	}
)

// New constructs a Flusher. WAL, Store, DLQ and Runs are required.
func New(opts Options) (*Flusher, error) {
	if opts.WAL == nil || opts.Store == nil || opts.DLQ == nil || opts.Runs == nil {
		return nil, fmt.Errorf("wal, store, dlq and runs are required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	persists := opts.MaxConcurrentPersists
	if persists <= 0 {
		persists = 20
	}
	tasks := opts.MaxFlushTasks
	if tasks <= 0 {
		tasks = 10
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Flusher{
		wal:        opts.WAL,
		store:      opts.Store,
		dlq:        opts.DLQ,
		runs:       opts.Runs,
		load:       opts.Load,
		histCache:  opts.History,
		interval:   interval,
		batchSize:  batch,
		persistSem: make(chan struct{}, persists),
		taskSem:    make(chan struct{}, tasks),
		maxRetries: maxRetries,
		retryCfg:   retry.DefaultConfig(),
		logger:     logger,
		metrics:    opts.Metrics,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the drain loop.
func (f *Flusher) Start(ctx context.Context) {
	go f.loop(ctx)
}

// Stop terminates the loop after finishing the in-flight cycle.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

func (f *Flusher) loop(ctx context.Context) {
	defer close(f.done)
	for {
		interval := f.interval
		if f.load != nil {
			interval = f.load.Actions().FlushInterval
		}
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
			f.FlushAll(ctx)
		}
	}
}

// FlushAll drains every owned run, bounded by the task semaphore.
func (f *Flusher) FlushAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, runID := range f.runs.Owned() {
		select {
		case f.taskSem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-f.taskSem }()
			if _, err := f.FlushRun(ctx, id); err != nil {
				f.logger.Warn(ctx, "flush cycle failed", "run_id", id, "error", err)
			}
		}(runID)
	}
	wg.Wait()
}

// FlushRun drains one run's pending entries. Individual entry failures are
// recorded and eventually dead-lettered; the drain itself only errors when
// the WAL cannot be read.
func (f *Flusher) FlushRun(ctx context.Context, runID string) (BatchResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "flusher.flush_run", attribute.String("run_id", runID))
	defer span.End()

	start := time.Now()
	entries, err := f.wal.GetPending(ctx, runID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("read pending for %s: %w", runID, err)
	}
	if len(entries) == 0 {
		return BatchResult{}, nil
	}

	batch := f.batchSize
	if f.load != nil {
		batch = f.load.Actions().BatchSize
	}

	var (
		mu     sync.Mutex
		result BatchResult
		acked  []string
		warm   []run.Message
	)
	ack := func(id string) {
		mu.Lock()
		acked = append(acked, id)
		mu.Unlock()
	}

	var messages, credits, statuses []wal.Entry
	for _, e := range entries {
		switch e.Type {
		case wal.WriteMessage:
			messages = append(messages, e)
		case wal.WriteCredit:
			credits = append(credits, e)
		case wal.WriteStatus:
			statuses = append(statuses, e)
		default:
			f.logger.Error(ctx, "unknown wal write type", "run_id", runID, "entry_id", e.EntryID, "write_type", string(e.Type))
			f.dlq.Send(ctx, e, fmt.Errorf("unknown write type %q", e.Type))
			acked = append(acked, e.EntryID)
			result.DLQCount++
		}
	}

	// Messages: bounded-parallel inserts, at most batch per cycle.
	if len(messages) > batch {
		messages = messages[:batch]
	}
	var wg sync.WaitGroup
	for _, e := range messages {
		select {
		case f.persistSem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return result, ctx.Err()
		}
		wg.Add(1)
		go func(e wal.Entry) {
			defer wg.Done()
			defer func() { <-f.persistSem }()
			var msg run.Message
			if uerr := json.Unmarshal(e.Payload, &msg); uerr != nil {
				// Undecodable entries can never succeed; dead-letter directly.
				f.dlq.Send(ctx, e, uerr)
				ack(e.EntryID)
				mu.Lock()
				result.DLQCount++
				mu.Unlock()
				return
			}
			perr := retry.Do(ctx, f.retryCfg, func(ctx context.Context) error {
				return f.store.InsertMessage(ctx, msg)
			})
			mu.Lock()
			defer mu.Unlock()
			if perr == nil {
				result.SuccessCount++
				acked = append(acked, e.EntryID)
				warm = append(warm, msg)
				if f.metrics != nil {
					f.metrics.FlushResults.WithLabelValues("success").Inc()
				}
				return
			}
			f.wal.MarkFailed(ctx, runID, e.EntryID, perr)
			if f.wal.Attempts(e.EntryID) >= f.maxRetries {
				f.dlq.Send(ctx, e, perr)
				acked = append(acked, e.EntryID)
				result.DLQCount++
			} else {
				result.FailedCount++
				if f.metrics != nil {
					f.metrics.FlushResults.WithLabelValues("failed").Inc()
				}
			}
		}(e)
	}
	wg.Wait()

	// Credits: collapse into one aggregate deduction per run.
	if len(credits) > 0 {
		f.flushCredits(ctx, runID, credits, &mu, &result, ack)
	}

	// Status updates apply in append order.
	for _, e := range statuses {
		var sw StatusWrite
		if uerr := json.Unmarshal(e.Payload, &sw); uerr != nil {
			f.dlq.Send(ctx, e, uerr)
			ack(e.EntryID)
			result.DLQCount++
			continue
		}
		perr := retry.Do(ctx, f.retryCfg, func(ctx context.Context) error {
			return f.store.UpdateRunStatus(ctx, runID, sw.Status, sw.Error)
		})
		if perr == nil {
			result.SuccessCount++
			ack(e.EntryID)
			continue
		}
		f.wal.MarkFailed(ctx, runID, e.EntryID, perr)
		if f.wal.Attempts(e.EntryID) >= f.maxRetries {
			f.dlq.Send(ctx, e, perr)
			ack(e.EntryID)
			result.DLQCount++
		} else {
			result.FailedCount++
		}
	}

	if len(acked) > 0 {
		if err := f.wal.MarkCompleted(ctx, runID, acked); err != nil {
			f.logger.Warn(ctx, "wal ack failed", "run_id", runID, "error", err)
		}
	}
	if f.histCache != nil && len(warm) > 0 {
		f.histCache.Append(warm[0].ThreadID, warm...)
	}

	result.Duration = time.Since(start)
	f.lastFlush.Store(int64(result.Duration))
	if f.metrics != nil {
		f.metrics.FlushDuration.Observe(result.Duration.Seconds())
	}
	return result, nil
}

// LastDuration returns the duration of the most recent drain. The load
// controller samples it as flush latency.
func (f *Flusher) LastDuration() time.Duration {
	return time.Duration(f.lastFlush.Load())
}

// flushCredits aggregates all credit entries of the run into one deduction.
func (f *Flusher) flushCredits(ctx context.Context, runID string, credits []wal.Entry, mu *sync.Mutex, result *BatchResult, ack func(string)) {
	var agg store.CreditDeduction
	var decodable []wal.Entry
	for _, e := range credits {
		var cw CreditWrite
		if uerr := json.Unmarshal(e.Payload, &cw); uerr != nil {
			f.dlq.Send(ctx, e, uerr)
			ack(e.EntryID)
			mu.Lock()
			result.DLQCount++
			mu.Unlock()
			continue
		}
		agg.AccountID = cw.AccountID
		agg.ThreadID = cw.ThreadID
		agg.RunID = runID
		agg.Amount += cw.Amount
		decodable = append(decodable, e)
	}
	if len(decodable) == 0 {
		return
	}
	agg.Description = fmt.Sprintf("agent run %s usage (%d turns)", runID, len(decodable))
	perr := retry.Do(ctx, f.retryCfg, func(ctx context.Context) error {
		return f.store.DeductCredits(ctx, agg)
	})
	if perr == nil {
		for _, e := range decodable {
			ack(e.EntryID)
		}
		mu.Lock()
		result.SuccessCount += len(decodable)
		mu.Unlock()
		if f.metrics != nil {
			f.metrics.FlushResults.WithLabelValues("success").Add(float64(len(decodable)))
		}
		return
	}
	for _, e := range decodable {
		f.wal.MarkFailed(ctx, runID, e.EntryID, perr)
		if f.wal.Attempts(e.EntryID) >= f.maxRetries {
			f.dlq.Send(ctx, e, perr)
			ack(e.EntryID)
			mu.Lock()
			result.DLQCount++
			mu.Unlock()
		} else {
			mu.Lock()
			result.FailedCount++
			mu.Unlock()
		}
	}
}

// FlushAndCleanup drains a run and, when nothing remains pending, deletes its
// WAL stream. Called after terminal release.
func (f *Flusher) FlushAndCleanup(ctx context.Context, runID string) error {
	if _, err := f.FlushRun(ctx, runID); err != nil {
		return err
	}
	if f.wal.PendingCount(ctx, runID) == 0 {
		return f.wal.CleanupRun(ctx, runID)
	}
	return nil
}
