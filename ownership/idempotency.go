package ownership

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/agentd/broker"
)

// Idempotency guarantees each (run, step, op) side effect commits at most
// once across worker restarts. Markers are set-if-absent broker keys with a
// bounded TTL; runs recovered after the window may re-execute side effects,
// which the sweeper avoids by failing runs older than the run duration cap.
type Idempotency struct {
	broker broker.Broker
	ttl    time.Duration
}

// NewIdempotency constructs a tracker. A non-positive ttl defaults to one hour.
func NewIdempotency(b broker.Broker, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Idempotency{broker: b, ttl: ttl}
}

// CheckAndMark returns true exactly once per (run, step, op) triple within
// the marker TTL. A false return means the side effect already committed.
func (i *Idempotency) CheckAndMark(ctx context.Context, runID string, step int, op string) (bool, error) {
	ok, err := i.broker.SetNX(ctx, broker.IdempotencyKey(runID, step, op), "1", i.ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency mark %s step %d op %s: %w", runID, step, op, err)
	}
	return ok, nil
}
