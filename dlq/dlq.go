// Package dlq implements the dead-letter queue: a capped broker stream
// holding writes that exhausted their retries. Delivery is best-effort by
// design; a failure to dead-letter is logged and counted but never re-queued,
// so a broken DLQ cannot wedge the flusher.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/agentd/broker"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/wal"
)

type (
	// Entry is one dead-lettered write: the original WAL fields plus the
	// terminal error and failure time.
	Entry struct {
		wal.Entry
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	}

	// Handler observes entries as they are dead-lettered (alert hooks).
	Handler func(ctx context.Context, e Entry)

	// Options configures the queue.
	Options struct {
		// Broker is the shared-state client. Required.
		Broker broker.Broker
		// MaxLen caps the stream. Defaults to 10000.
		MaxLen int
		// TTL expires the stream key. Defaults to 7 days.
		TTL time.Duration
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Queue is the dead-letter queue client. Thread-safe.
	Queue struct {
		broker  broker.Broker
		maxLen  int64
		ttl     time.Duration
		logger  telemetry.Logger
		metrics *telemetry.WorkerMetrics

		mu       sync.Mutex
		handlers []Handler
	}
)

// New constructs a Queue. Options.Broker is required.
func New(opts Options) (*Queue, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		broker:  opts.Broker,
		maxLen:  int64(maxLen),
		ttl:     ttl,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// OnEntry registers a handler invoked after every successful Send.
func (q *Queue) OnEntry(h Handler) {
	q.mu.Lock()
	q.handlers = append(q.handlers, h)
	q.mu.Unlock()
}

// Send dead-letters a WAL entry with its terminal error. Best-effort: a
// failure is logged and counted, never retried.
func (q *Queue) Send(ctx context.Context, e wal.Entry, cause error) {
	entry := Entry{
		Entry:    e,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	body, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error(ctx, "dlq entry marshal failed", "run_id", e.RunID, "entry_id", e.EntryID, "error", err)
		return
	}
	if _, err := q.broker.StreamAdd(ctx, broker.DLQStreamKey, map[string]any{"payload": string(body)}, q.maxLen, q.ttl); err != nil {
		q.logger.Error(ctx, "dlq delivery failed", "run_id", e.RunID, "entry_id", e.EntryID, "error", err)
		return
	}
	q.logger.Warn(ctx, "write dead-lettered",
		"run_id", e.RunID, "entry_id", e.EntryID, "write_type", string(e.Type),
		"attempts", e.AttemptCount, "error", entry.Error)
	if q.metrics != nil {
		q.metrics.FlushResults.WithLabelValues("dlq").Inc()
	}
	q.mu.Lock()
	handlers := q.handlers
	q.mu.Unlock()
	for _, h := range handlers {
		h(ctx, entry)
	}
}

// GetEntries returns up to count entries, optionally filtered by run id.
// Zero count means all.
func (q *Queue) GetEntries(ctx context.Context, count int, runID string) ([]Entry, error) {
	raw, err := q.broker.StreamRange(ctx, broker.DLQStreamKey)
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	var entries []Entry
	for _, se := range raw {
		var e Entry
		if uerr := json.Unmarshal([]byte(se.Values["payload"]), &e); uerr != nil {
			q.logger.Error(ctx, "undecodable dlq entry", "stream_id", se.ID, "error", uerr)
			continue
		}
		if runID != "" && e.RunID != runID {
			continue
		}
		// The stream id addresses the DLQ record for retry and purge.
		e.EntryID = se.ID
		entries = append(entries, e)
		if count > 0 && len(entries) >= count {
			break
		}
	}
	return entries, nil
}

// RetryEntry re-injects the identified entry into its run's WAL and removes
// the DLQ record. The caller triggers a flush afterwards.
func (q *Queue) RetryEntry(ctx context.Context, log *wal.Log, dlqID string) (string, error) {
	entries, err := q.GetEntries(ctx, 0, "")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.EntryID != dlqID {
			continue
		}
		var payload any
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return "", fmt.Errorf("decode dlq payload %s: %w", dlqID, err)
		}
		walID, err := log.Append(ctx, e.RunID, e.Type, payload)
		if err != nil {
			return "", fmt.Errorf("re-inject dlq entry %s: %w", dlqID, err)
		}
		if err := q.broker.StreamDel(ctx, broker.DLQStreamKey, dlqID); err != nil {
			return "", fmt.Errorf("delete dlq entry %s: %w", dlqID, err)
		}
		q.logger.Info(ctx, "dlq entry re-injected", "dlq_id", dlqID, "run_id", e.RunID, "wal_id", walID)
		return e.RunID, nil
	}
	return "", fmt.Errorf("dlq entry %s: %w", dlqID, ErrEntryNotFound)
}

// ErrEntryNotFound is returned by RetryEntry for unknown ids.
var ErrEntryNotFound = fmt.Errorf("not found")

// Purge deletes all entries, or only those failed before the cutoff when
// olderThan is non-zero. Returns the number purged.
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if olderThan.IsZero() {
		n, err := q.broker.StreamLen(ctx, broker.DLQStreamKey)
		if err != nil {
			return 0, fmt.Errorf("purge dlq: %w", err)
		}
		if err := q.broker.DeleteStream(ctx, broker.DLQStreamKey); err != nil {
			return 0, fmt.Errorf("purge dlq: %w", err)
		}
		return int(n), nil
	}
	entries, err := q.GetEntries(ctx, 0, "")
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, e := range entries {
		if e.FailedAt.Before(olderThan) {
			ids = append(ids, e.EntryID)
		}
	}
	if len(ids) > 0 {
		if err := q.broker.StreamDel(ctx, broker.DLQStreamKey, ids...); err != nil {
			return 0, fmt.Errorf("purge dlq: %w", err)
		}
	}
	return len(ids), nil
}

// Depth returns the current entry count.
func (q *Queue) Depth(ctx context.Context) int {
	n, err := q.broker.StreamLen(ctx, broker.DLQStreamKey)
	if err != nil {
		return 0
	}
	return int(n)
}
