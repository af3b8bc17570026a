// Package ownership guarantees at-most-one active worker per run. A claim is
// a set-if-absent on the run's owner key; liveness is a periodically
// refreshed heartbeat key whose expiry is the sole signal of worker death.
// The companion Idempotency tracker makes per-step side effects exactly-once
// across worker restarts.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/loomworks/agentd/broker"
	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/telemetry"
)

type (
	// Options configures the manager.
	Options struct {
		// Broker is the shared-state client. Required.
		Broker broker.Broker
		// WorkerID identifies this worker in owner records. Required.
		WorkerID string
		// ClaimTTL bounds ownership records. Defaults to one hour.
		ClaimTTL time.Duration
		// HeartbeatInterval is the refresh cadence. Defaults to 15s.
		HeartbeatInterval time.Duration
		// HeartbeatTTL is the expiry on heartbeat keys. Defaults to 45s.
		HeartbeatTTL time.Duration
		// OrphanThreshold is the heartbeat age past which a run counts as
		// orphaned. Defaults to 90s.
		OrphanThreshold time.Duration
		// Logger and Metrics are optional.
		Logger  telemetry.Logger
		Metrics *telemetry.WorkerMetrics
	}

	// Manager claims runs, emits heartbeats for owned runs, and releases them
	// on terminal state. Thread-safe.
	Manager struct {
		broker   broker.Broker
		workerID string
		claimTTL time.Duration
		hbEvery  time.Duration
		hbTTL    time.Duration
		orphan   time.Duration
		logger   telemetry.Logger
		metrics  *telemetry.WorkerMetrics

		mu    sync.Mutex
		owned map[string]struct{}

		stopOnce sync.Once
		stop     chan struct{}
		done     chan struct{}
	}
)

// ErrNotOwner is returned by operations that require ownership of the run.
var ErrNotOwner = errors.New("ownership: run not owned by this worker")

// New constructs a Manager. Broker and WorkerID are required.
func New(opts Options) (*Manager, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	m := &Manager{
		broker:   opts.Broker,
		workerID: opts.WorkerID,
		claimTTL: opts.ClaimTTL,
		hbEvery:  opts.HeartbeatInterval,
		hbTTL:    opts.HeartbeatTTL,
		orphan:   opts.OrphanThreshold,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		owned:    make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if m.claimTTL <= 0 {
		m.claimTTL = time.Hour
	}
	if m.hbEvery <= 0 {
		m.hbEvery = 15 * time.Second
	}
	if m.hbTTL <= 0 {
		m.hbTTL = 45 * time.Second
	}
	if m.orphan <= 0 {
		m.orphan = 90 * time.Second
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	return m, nil
}

// Claim attempts to take exclusive ownership of the run. Returns true when
// this worker owns the run afterwards. On a conflict the owner key is
// re-read so re-claiming an already-owned run is idempotent. Claiming never
// partially succeeds: if any follow-up write fails the claim is reported as
// failed and the caller retries from scratch.
func (m *Manager) Claim(ctx context.Context, runID string) (bool, error) {
	ok, err := m.broker.SetNX(ctx, broker.RunOwnerKey(runID), m.workerID, m.claimTTL)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", runID, err)
	}
	if !ok {
		owner, gerr := m.broker.Get(ctx, broker.RunOwnerKey(runID))
		if gerr != nil && !errors.Is(gerr, broker.ErrNotFound) {
			return false, fmt.Errorf("claim %s: read owner: %w", runID, gerr)
		}
		if owner != m.workerID {
			return false, nil
		}
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	writes := []struct {
		key string
		val string
		ttl time.Duration
	}{
		{broker.RunStatusKey(runID), string(run.StatusRunning), m.claimTTL},
		{broker.RunStartKey(runID), now, m.claimTTL},
		{broker.RunHeartbeatKey(runID), now, m.hbTTL},
	}
	for _, w := range writes {
		if err := m.broker.Set(ctx, w.key, w.val, w.ttl); err != nil {
			return false, fmt.Errorf("claim %s: write %s: %w", runID, w.key, err)
		}
	}
	if err := m.broker.SAdd(ctx, broker.ActiveRunsKey, runID); err != nil {
		return false, fmt.Errorf("claim %s: add to active set: %w", runID, err)
	}
	m.mu.Lock()
	m.owned[runID] = struct{}{}
	count := len(m.owned)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveRuns.Set(float64(count))
	}
	return true, nil
}

// Release ends ownership with the given status. Terminal statuses remove the
// run from the active set; resumable keeps it there for reclaim.
func (m *Manager) Release(ctx context.Context, runID string, status run.Status) error {
	if err := m.broker.Set(ctx, broker.RunStatusKey(runID), string(status), m.claimTTL); err != nil {
		return fmt.Errorf("release %s: write status: %w", runID, err)
	}
	if err := m.broker.Del(ctx, broker.RunOwnerKey(runID)); err != nil {
		return fmt.Errorf("release %s: clear owner: %w", runID, err)
	}
	if status.Terminal() {
		if err := m.broker.SRem(ctx, broker.ActiveRunsKey, runID); err != nil {
			return fmt.Errorf("release %s: remove from active set: %w", runID, err)
		}
	}
	m.mu.Lock()
	delete(m.owned, runID)
	count := len(m.owned)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveRuns.Set(float64(count))
		if status.Terminal() {
			m.metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
		}
	}
	return nil
}

// MarkResumable voluntarily releases a run during graceful shutdown. The run
// stays in the active set so any worker's sweeper can reclaim it.
func (m *Manager) MarkResumable(ctx context.Context, runID string) error {
	return m.Release(ctx, runID, run.StatusResumable)
}

// Owns reports whether this worker holds the run in its local owned set.
func (m *Manager) Owns(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[runID]
	return ok
}

// Owned returns a snapshot of the locally owned run ids.
func (m *Manager) Owned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.owned))
	for id := range m.owned {
		ids = append(ids, id)
	}
	return ids
}

// FindOrphans scans the active set for runs whose heartbeat is missing or
// older than the orphan threshold and whose status is running or resumable.
func (m *Manager) FindOrphans(ctx context.Context) ([]string, error) {
	active, err := m.broker.SMembers(ctx, broker.ActiveRunsKey)
	if err != nil {
		return nil, fmt.Errorf("scan active runs: %w", err)
	}
	var orphans []string
	now := time.Now()
	for _, runID := range active {
		status, err := m.broker.Get(ctx, broker.RunStatusKey(runID))
		if errors.Is(err, broker.ErrNotFound) {
			// Status expired with the claim; treat as orphaned.
			orphans = append(orphans, runID)
			continue
		}
		if err != nil {
			m.logger.Warn(ctx, "orphan scan: status read failed", "run_id", runID, "error", err)
			continue
		}
		switch run.Status(status) {
		case run.StatusRunning, run.StatusResumable:
		default:
			continue
		}
		hb, err := m.broker.Get(ctx, broker.RunHeartbeatKey(runID))
		if errors.Is(err, broker.ErrNotFound) {
			orphans = append(orphans, runID)
			continue
		}
		if err != nil {
			m.logger.Warn(ctx, "orphan scan: heartbeat read failed", "run_id", runID, "error", err)
			continue
		}
		unix, perr := strconv.ParseInt(hb, 10, 64)
		if perr != nil || now.Sub(time.Unix(unix, 0)) > m.orphan {
			orphans = append(orphans, runID)
		}
	}
	return orphans, nil
}

// Start launches the heartbeat loop. Stop terminates it.
func (m *Manager) Start(ctx context.Context) {
	go m.heartbeatLoop(ctx)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.hbEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

// beat refreshes the heartbeat of every owned run. Failures are logged and
// counted, never fatal.
func (m *Manager) beat(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	for _, runID := range m.Owned() {
		if err := m.broker.Set(ctx, broker.RunHeartbeatKey(runID), now, m.hbTTL); err != nil {
			m.logger.Warn(ctx, "heartbeat refresh failed", "run_id", runID, "error", err)
			if m.metrics != nil {
				m.metrics.HeartbeatFailures.Inc()
			}
		}
	}
}

// Stop terminates the heartbeat loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// GracefulShutdown flushes and releases every owned run as resumable. The
// flush callback drains the run's WAL before the release; its errors are
// logged but do not block the release, since WAL entries survive in the
// broker either way.
func (m *Manager) GracefulShutdown(ctx context.Context, flush func(ctx context.Context, runID string) error) {
	for _, runID := range m.Owned() {
		if flush != nil {
			if err := flush(ctx, runID); err != nil {
				m.logger.Warn(ctx, "shutdown flush failed", "run_id", runID, "error", err)
			}
		}
		if err := m.MarkResumable(ctx, runID); err != nil {
			m.logger.Error(ctx, "shutdown release failed", "run_id", runID, "error", err)
		}
	}
	m.Stop()
}

// Heartbeat returns the last heartbeat time recorded for a run, or zero when
// none exists.
func (m *Manager) Heartbeat(ctx context.Context, runID string) (time.Time, error) {
	hb, err := m.broker.Get(ctx, broker.RunHeartbeatKey(runID))
	if errors.Is(err, broker.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	unix, perr := strconv.ParseInt(hb, 10, 64)
	if perr != nil {
		return time.Time{}, fmt.Errorf("parse heartbeat for %s: %w", runID, perr)
	}
	return time.Unix(unix, 0), nil
}

// Status returns the broker-side status of a run, or empty when none exists.
func (m *Manager) Status(ctx context.Context, runID string) (run.Status, error) {
	s, err := m.broker.Get(ctx, broker.RunStatusKey(runID))
	if errors.Is(err, broker.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return run.Status(s), nil
}
