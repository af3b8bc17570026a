// Package wal implements the per-run write-ahead log. The primary store is a
// broker stream per run; when the broker is unreachable, appends fall back to
// a bounded in-process buffer that evicts whole runs LRU-first. Entries are
// deleted on flush acknowledgement and survive worker crashes as long as they
// reached the broker.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/agentd/broker"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// WriteType partitions WAL entries for the flusher.
	WriteType string

	// Entry is one buffered write. Payload is opaque to the log; the flusher
	// decodes it according to Type.
	Entry struct {
		EntryID      string          `json:"entry_id"`
		RunID        string          `json:"run_id"`
		Type         WriteType       `json:"write_type"`
		Payload      json.RawMessage `json:"payload"`
		CreatedAt    time.Time       `json:"created_at"`
		AttemptCount int             `json:"attempt_count,omitempty"`
		LastError    string          `json:"last_error,omitempty"`
	}

	// Options configures the log.
	Options struct {
		// Broker is the shared-state client. Required.
		Broker broker.Broker
		// StreamMaxLen caps each per-run stream; oldest entries are trimmed past
		// it. Defaults to 1000.
		StreamMaxLen int
		// StreamTTL expires idle per-run streams. Defaults to one hour.
		StreamTTL time.Duration
		// MaxLocalPerRun caps the local fallback buffer per run. Defaults to 100.
		MaxLocalPerRun int
		// MaxLocalRuns caps the number of distinct runs held locally; exceeding
		// it evicts the least recently appended run wholesale. Defaults to 100.
		MaxLocalRuns int
		// Logger and Metrics record fallback activity and drops. Optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Log is the write-ahead log for all runs owned by this worker.
	// Thread-safe.
	Log struct {
		broker       broker.Broker
		maxLen       int64
		ttl          time.Duration
		maxPerRun    int
		maxRuns      int
		logger       telemetry.Logger
		metrics      *telemetry.WorkerMetrics

		mu       sync.Mutex
		local    map[string][]Entry // run id -> ordered fallback entries
		localLRU []string           // run ids, least recently appended first
		attempts map[string]attemptState
	}

	attemptState struct {
		count   int
		lastErr string
	}
)

const (
	WriteMessage WriteType = "message"
	WriteCredit  WriteType = "credit"
	WriteStatus  WriteType = "status"
)

const localIDPrefix = "local-"

// New constructs a Log. Options.Broker is required.
func New(opts Options) (*Log, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	ttl := opts.StreamTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	perRun := opts.MaxLocalPerRun
	if perRun <= 0 {
		perRun = 100
	}
	maxRuns := opts.MaxLocalRuns
	if maxRuns <= 0 {
		maxRuns = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Log{
		broker:    opts.Broker,
		maxLen:    int64(maxLen),
		ttl:       ttl,
		maxPerRun: perRun,
		maxRuns:   maxRuns,
		logger:    logger,
		metrics:   opts.Metrics,
		local:     make(map[string][]Entry),
		attempts:  make(map[string]attemptState),
	}, nil
}

// Append buffers one write for the run and returns the assigned entry id.
// The broker stream is the primary path; on broker failure the entry lands in
// the local buffer and the returned id carries a "local-" prefix. Appends
// never fail outright: callers learn about local-buffer loss via the
// writes_dropped counter, not via the return value.
func (l *Log) Append(ctx context.Context, runID string, wt WriteType, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal wal payload: %w", err)
	}
	entry := Entry{
		RunID:     runID,
		Type:      wt,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal wal entry: %w", err)
	}
	id, err := l.broker.StreamAdd(ctx, broker.WALStreamKey(runID), map[string]any{"payload": string(body)}, l.maxLen, l.ttl)
	if err == nil {
		if l.metrics != nil {
			l.metrics.WALAppends.WithLabelValues(string(wt), "broker").Inc()
		}
		return id, nil
	}
	l.logger.Warn(ctx, "wal append falling back to local buffer", "run_id", runID, "error", err)
	entry.EntryID = localIDPrefix + uuid.New().String()
	l.appendLocal(ctx, runID, entry)
	if l.metrics != nil {
		l.metrics.WALAppends.WithLabelValues(string(wt), "local").Inc()
	}
	return entry.EntryID, nil
}

// appendLocal adds an entry to the fallback buffer, evicting whole runs LRU
// first when either cap trips.
func (l *Log) appendLocal(ctx context.Context, runID string, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, exists := l.local[runID]
	if !exists && len(l.local) >= l.maxRuns {
		l.evictOldestLocked(ctx)
	}
	if len(entries) >= l.maxPerRun {
		// Per-run overflow evicts the run wholesale to preserve ordering.
		l.dropRunLocked(ctx, runID, "per-run cap exceeded")
		entries = nil
	}
	l.local[runID] = append(entries, entry)
	l.touchLRULocked(runID)
}

func (l *Log) touchLRULocked(runID string) {
	for i, id := range l.localLRU {
		if id == runID {
			l.localLRU = append(l.localLRU[:i], l.localLRU[i+1:]...)
			break
		}
	}
	l.localLRU = append(l.localLRU, runID)
}

func (l *Log) evictOldestLocked(ctx context.Context) {
	if len(l.localLRU) == 0 {
		return
	}
	victim := l.localLRU[0]
	l.dropRunLocked(ctx, victim, "local buffer run cap exceeded")
}

func (l *Log) dropRunLocked(ctx context.Context, runID, reason string) {
	dropped := len(l.local[runID])
	if dropped == 0 {
		return
	}
	delete(l.local, runID)
	for i, id := range l.localLRU {
		if id == runID {
			l.localLRU = append(l.localLRU[:i], l.localLRU[i+1:]...)
			break
		}
	}
	l.logger.Error(ctx, "evicting local wal entries", "run_id", runID, "dropped", dropped, "reason", reason)
	if l.metrics != nil {
		l.metrics.WritesDropped.Add(float64(dropped))
	}
}

// GetPending returns all buffered entries for the run: the broker stream
// first, then any local fallback entries. Order is preserved within each
// source but not interleaved across them.
func (l *Log) GetPending(ctx context.Context, runID string) ([]Entry, error) {
	var entries []Entry
	raw, err := l.broker.StreamRange(ctx, broker.WALStreamKey(runID))
	if err != nil {
		l.logger.Warn(ctx, "wal read from broker failed, serving local only", "run_id", runID, "error", err)
	} else {
		for _, se := range raw {
			var e Entry
			if uerr := json.Unmarshal([]byte(se.Values["payload"]), &e); uerr != nil {
				l.logger.Error(ctx, "undecodable wal entry", "run_id", runID, "entry_id", se.ID, "error", uerr)
				continue
			}
			e.EntryID = se.ID
			entries = append(entries, e)
		}
	}
	l.mu.Lock()
	locals := make([]Entry, len(l.local[runID]))
	copy(locals, l.local[runID])
	for i := range entries {
		if st, ok := l.attempts[entries[i].EntryID]; ok {
			entries[i].AttemptCount = st.count
			entries[i].LastError = st.lastErr
		}
	}
	for i := range locals {
		if st, ok := l.attempts[locals[i].EntryID]; ok {
			locals[i].AttemptCount = st.count
			locals[i].LastError = st.lastErr
		}
	}
	l.mu.Unlock()
	return append(entries, locals...), nil
}

// MarkCompleted deletes acknowledged entries from both stores.
func (l *Log) MarkCompleted(ctx context.Context, runID string, entryIDs []string) error {
	var brokerIDs, localIDs []string
	for _, id := range entryIDs {
		if strings.HasPrefix(id, localIDPrefix) {
			localIDs = append(localIDs, id)
		} else {
			brokerIDs = append(brokerIDs, id)
		}
	}
	var firstErr error
	if len(brokerIDs) > 0 {
		if err := l.broker.StreamDel(ctx, broker.WALStreamKey(runID), brokerIDs...); err != nil {
			firstErr = fmt.Errorf("ack wal entries: %w", err)
		}
	}
	l.mu.Lock()
	if len(localIDs) > 0 {
		drop := make(map[string]struct{}, len(localIDs))
		for _, id := range localIDs {
			drop[id] = struct{}{}
		}
		kept := l.local[runID][:0]
		for _, e := range l.local[runID] {
			if _, gone := drop[e.EntryID]; !gone {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(l.local, runID)
		} else {
			l.local[runID] = kept
		}
	}
	for _, id := range entryIDs {
		delete(l.attempts, id)
	}
	l.mu.Unlock()
	return firstErr
}

// MarkFailed records a failed persistence attempt. The entry stays pending.
func (l *Log) MarkFailed(_ context.Context, _ string, entryID string, cause error) {
	l.mu.Lock()
	st := l.attempts[entryID]
	st.count++
	if cause != nil {
		st.lastErr = cause.Error()
	}
	l.attempts[entryID] = st
	l.mu.Unlock()
}

// Attempts returns the recorded failure count for an entry.
func (l *Log) Attempts(entryID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[entryID].count
}

// CleanupRun deletes the run's stream and local buffer after a terminal flush.
func (l *Log) CleanupRun(ctx context.Context, runID string) error {
	err := l.broker.DeleteStream(ctx, broker.WALStreamKey(runID))
	l.mu.Lock()
	delete(l.local, runID)
	for i, id := range l.localLRU {
		if id == runID {
			l.localLRU = append(l.localLRU[:i], l.localLRU[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cleanup wal run %s: %w", runID, err)
	}
	return nil
}

// PendingCount returns the buffered entry count for one run.
func (l *Log) PendingCount(ctx context.Context, runID string) int {
	n, err := l.broker.StreamLen(ctx, broker.WALStreamKey(runID))
	if err != nil {
		n = 0
	}
	l.mu.Lock()
	n += int64(len(l.local[runID]))
	l.mu.Unlock()
	return int(n)
}

// LocalDepth returns the total number of locally buffered entries. Used by
// backpressure.
func (l *Log) LocalDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, entries := range l.local {
		total += len(entries)
	}
	return total
}
