package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/loomworks/agentd/broker"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// Publisher sends output events to a run's client stream. Best-effort:
	// implementations log failures and never surface them to the engine.
	Publisher interface {
		Publish(ctx context.Context, e Event)
	}

	// PulseOptions configures the Pulse publisher.
	PulseOptions struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// MaxLen bounds entries kept per run stream with approximate
		// trimming. Defaults to 200.
		MaxLen int
		// Logger is optional.
		Logger telemetry.Logger
	}

	// PulsePublisher publishes events on agent_run:{id}:stream via Pulse.
	// Stream handles are cached per run. Thread-safe.
	PulsePublisher struct {
		rdb    *redis.Client
		maxLen int
		logger telemetry.Logger

		mu      sync.Mutex
		handles map[string]*streaming.Stream
	}
)

// NewPulsePublisher constructs a PulsePublisher.
func NewPulsePublisher(opts PulseOptions) (*PulsePublisher, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &PulsePublisher{
		rdb:     opts.Redis,
		maxLen:  maxLen,
		logger:  logger,
		handles: make(map[string]*streaming.Stream),
	}, nil
}

// Publish sends the event on the run's stream. Failures are logged and
// dropped.
func (p *PulsePublisher) Publish(ctx context.Context, e Event) {
	if e.RunID == "" {
		return
	}
	handle, err := p.handle(e.RunID)
	if err != nil {
		p.logger.Warn(ctx, "output stream unavailable", "run_id", e.RunID, "error", err)
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error(ctx, "output event marshal failed", "run_id", e.RunID, "type", string(e.Type), "error", err)
		return
	}
	if _, err := handle.Add(ctx, string(e.Type), payload); err != nil {
		p.logger.Warn(ctx, "output event publish failed", "run_id", e.RunID, "type", string(e.Type), "error", err)
	}
}

// Forget drops the cached handle for a finished run.
func (p *PulsePublisher) Forget(runID string) {
	p.mu.Lock()
	delete(p.handles, runID)
	p.mu.Unlock()
}

func (p *PulsePublisher) handle(runID string) (*streaming.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[runID]; ok {
		return h, nil
	}
	h, err := streaming.NewStream(broker.OutputStreamKey(runID), p.rdb,
		streamopts.WithStreamMaxLen(p.maxLen))
	if err != nil {
		return nil, fmt.Errorf("create output stream: %w", err)
	}
	p.handles[runID] = h
	return h, nil
}

// Subscriber tails one run's output stream through a Pulse sink (consumer
// group). Used by the admin dashboard tail view and tests.
type Subscriber struct {
	sink   *streaming.Sink
	events <-chan *streaming.Event
}

// NewSubscriber attaches a consumer group to the run's output stream.
func NewSubscriber(ctx context.Context, rdb *redis.Client, runID, sinkName string) (*Subscriber, error) {
	h, err := streaming.NewStream(broker.OutputStreamKey(runID), rdb)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	sink, err := h.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("create output sink: %w", err)
	}
	return &Subscriber{sink: sink, events: sink.Subscribe()}, nil
}

// Next returns the next decoded event, acknowledging it.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, fmt.Errorf("output stream closed")
		}
		var out Event
		if err := json.Unmarshal(ev.Payload, &out); err != nil {
			return Event{}, fmt.Errorf("decode output event: %w", err)
		}
		_ = s.sink.Ack(ctx, ev)
		return out, nil
	}
}

// Close stops the subscriber.
func (s *Subscriber) Close(ctx context.Context) {
	s.sink.Close(ctx)
}

// CapturePublisher records events in memory for tests.
type CapturePublisher struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (c *CapturePublisher) Publish(_ context.Context, e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// Events returns a copy of the captured events.
func (c *CapturePublisher) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType filters captured events.
func (c *CapturePublisher) ByType(typ EventType) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
