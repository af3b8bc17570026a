// Package dispatch feeds the worker: it consumes run requests from the
// shared input stream through a Pulse consumer group, admits them through
// backpressure and a rate limiter, runs preparation, claims ownership and
// launches one engine task per run. It also implements the resume entry
// point the recovery sweeper uses.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	"golang.org/x/time/rate"

	"github.com/loomworks/agentd/backpressure"
	"github.com/loomworks/agentd/engine"
	"github.com/loomworks/agentd/errmap"
	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/prep"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/stream"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// Options configures the dispatcher.
	Options struct {
		// Redis backs the input stream. Required.
		Redis *redis.Client
		// Engine, Prep and Ownership are required.
		Engine    *engine.Engine
		Prep      *prep.Pipeline
		Ownership *ownership.Manager
		// Load gates admission. Optional; nil admits everything.
		Load *backpressure.Controller
		// Publisher receives ack/estimate/error events. Optional.
		Publisher stream.Publisher
		// InputStream and Group name the consumer group. Required.
		InputStream string
		Group       string
		// RateLimit caps admissions per second. Zero disables the limiter.
		RateLimit float64
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Dispatcher consumes and launches runs.
	Dispatcher struct {
		rdb       *redis.Client
		engine    *engine.Engine
		prep      *prep.Pipeline
		ownership *ownership.Manager
		load      *backpressure.Controller
		publisher stream.Publisher
		inStream  string
		group     string
		limiter   *rate.Limiter
		logger    telemetry.Logger
		metrics   *telemetry.WorkerMetrics

		mu    sync.Mutex
		tasks map[string]context.CancelFunc
		wg    sync.WaitGroup

		estimator *estimator

		sink     *streaming.Sink
		stopOnce sync.Once
		done     chan struct{}
	}
)

// New constructs a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Prep == nil {
		return nil, fmt.Errorf("prep pipeline is required")
	}
	if opts.Ownership == nil {
		return nil, fmt.Errorf("ownership manager is required")
	}
	if opts.InputStream == "" || opts.Group == "" {
		return nil, fmt.Errorf("input stream and group are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit)+1)
	}
	return &Dispatcher{
		rdb:       opts.Redis,
		engine:    opts.Engine,
		prep:      opts.Prep,
		ownership: opts.Ownership,
		load:      opts.Load,
		publisher: opts.Publisher,
		inStream:  opts.InputStream,
		group:     opts.Group,
		limiter:   limiter,
		logger:    logger,
		metrics:   opts.Metrics,
		tasks:     make(map[string]context.CancelFunc),
		estimator: newEstimator(),
		done:      make(chan struct{}),
	}, nil
}

// Start attaches the consumer group and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	h, err := streaming.NewStream(d.inStream, d.rdb)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	sink, err := h.NewSink(ctx, d.group)
	if err != nil {
		return fmt.Errorf("create input sink: %w", err)
	}
	d.sink = sink
	d.wg.Add(1)
	go d.consume(ctx, sink.Subscribe())
	return nil
}

// Stop halts consumption, cancels running tasks and waits for them.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.done) })
	if d.sink != nil {
		d.sink.Close(ctx)
	}
	d.mu.Lock()
	for _, cancel := range d.tasks {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Running returns the ids of runs currently executing on this worker.
func (d *Dispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (d *Dispatcher) consume(ctx context.Context, events <-chan *streaming.Event) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev *streaming.Event) {
	var req run.Request
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		d.logger.Error(ctx, "undecodable run request", "event_id", ev.ID, "error", err)
		_ = d.sink.Ack(ctx, ev)
		return
	}
	if req.RunID == "" {
		d.logger.Error(ctx, "run request missing run id", "event_id", ev.ID)
		_ = d.sink.Ack(ctx, ev)
		return
	}

	if d.load != nil {
		actions := d.load.Actions()
		if !actions.AcceptWork {
			// Leave the entry unacked so another worker picks it up.
			d.logger.Warn(ctx, "rejecting run under critical load", "run_id", req.RunID)
			return
		}
		if actions.ShedLoad {
			d.logger.Warn(ctx, "admitting run under high load", "run_id", req.RunID)
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	_ = d.sink.Ack(ctx, ev)
	d.launch(ctx, req)
}

// launch admits one run: ack event, prep, claim, engine task.
func (d *Dispatcher) launch(ctx context.Context, req run.Request) {
	d.publish(ctx, stream.NewEvent(stream.EventAck, req.RunID,
		stream.AckPayload{Message: "request received"}))
	if est, ok := d.estimator.estimate(); ok {
		d.publish(ctx, stream.NewEvent(stream.EventEstimate, req.RunID, est))
	}

	pr := d.prep.Run(ctx, req)
	if !pr.CanProceed {
		d.rejectRun(ctx, req, pr)
		return
	}

	claimed, err := d.ownership.Claim(ctx, req.RunID)
	if err != nil {
		d.logger.Error(ctx, "claim failed", "run_id", req.RunID, "error", err)
		return
	}
	if !claimed {
		d.logger.Info(ctx, "run already owned elsewhere", "run_id", req.RunID)
		return
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.tasks[req.RunID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.tasks, req.RunID)
			d.mu.Unlock()
		}()
		started := time.Now()
		status, err := d.engine.Execute(rctx, req, pr)
		d.estimator.record(time.Since(started))
		if err != nil {
			d.logger.Error(ctx, "run ended with error", "run_id", req.RunID, "status", string(status), "error", err)
			return
		}
		d.logger.Info(ctx, "run finished", "run_id", req.RunID, "status", string(status),
			"duration", time.Since(started).String())
	}()
}

// Resume implements recovery.Resumer: preparation runs again, then the
// engine re-enters the loop on the already-claimed run.
func (d *Dispatcher) Resume(ctx context.Context, req run.Request) error {
	pr := d.prep.Run(ctx, req)
	if !pr.CanProceed {
		// A run that passed admission once but can no longer proceed is
		// released as failed rather than left orphaned.
		_ = d.ownership.Release(ctx, req.RunID, run.StatusFailed)
		return fmt.Errorf("resume preparation failed: %s", pr.ErrorMessage)
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.tasks[req.RunID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.tasks, req.RunID)
			d.mu.Unlock()
		}()
		if _, err := d.engine.Execute(rctx, req, pr); err != nil {
			d.logger.Error(ctx, "resumed run ended with error", "run_id", req.RunID, "error", err)
		}
	}()
	return nil
}

// Cancel signals a running task. The engine observes it at its next turn
// boundary.
func (d *Dispatcher) Cancel(runID string) bool {
	d.mu.Lock()
	cancel, ok := d.tasks[runID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) rejectRun(ctx context.Context, req run.Request, pr prep.Result) {
	d.logger.Warn(ctx, "run rejected by preparation",
		"run_id", req.RunID, "code", string(pr.ErrorCode), "message", pr.ErrorMessage)
	ue := errmap.FromCode(pr.ErrorCode)
	if pr.ErrorMessage != "" && ue.Code == errmap.CodeInternalError {
		ue.Message = pr.ErrorMessage
	}
	d.publish(ctx, stream.ErrorEvent(req.RunID, ue))
}

func (d *Dispatcher) publish(ctx context.Context, ev stream.Event) {
	if d.publisher != nil {
		d.publisher.Publish(ctx, ev)
	}
}

// estimator keeps a window of recent run durations for the coarse estimate
// sent right after admission.
type estimator struct {
	mu        sync.Mutex
	durations []time.Duration
}

func newEstimator() *estimator {
	return &estimator{}
}

func (e *estimator) record(d time.Duration) {
	e.mu.Lock()
	e.durations = append(e.durations, d)
	if len(e.durations) > 50 {
		e.durations = e.durations[len(e.durations)-50:]
	}
	e.mu.Unlock()
}

func (e *estimator) estimate() (stream.EstimatePayload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.durations) == 0 {
		return stream.EstimatePayload{
			EstimatedSeconds: 60,
			Confidence:       "low",
			Message:          "this usually takes about a minute",
		}, true
	}
	var total time.Duration
	for _, d := range e.durations {
		total += d
	}
	avg := total / time.Duration(len(e.durations))
	confidence := "low"
	switch {
	case len(e.durations) >= 20:
		confidence = "high"
	case len(e.durations) >= 5:
		confidence = "medium"
	}
	return stream.EstimatePayload{
		EstimatedSeconds: int(avg.Seconds()) + 1,
		Confidence:       confidence,
		Message:          "estimate based on recent runs",
	}, true
}
