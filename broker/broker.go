// Package broker defines the shared-state contract between workers. The
// broker is the only authoritative shared state: run ownership, heartbeats,
// idempotency markers, write-ahead streams and the dead-letter stream all
// live behind these operations. Production deployments use the Redis
// implementation; tests use broker/inmem.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Broker exposes the key, set and stream operations the worker relies on.
	// Implementations must make SetNX atomic; it is the sole cross-worker
	// exclusion primitive.
	Broker interface {
		// SetNX sets key to value with ttl only if the key is absent. Reports
		// whether the write happened.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Set unconditionally writes key with ttl. Zero ttl means no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// Get returns the value at key or ErrNotFound.
		Get(ctx context.Context, key string) (string, error)
		// Del removes the given keys. Missing keys are not an error.
		Del(ctx context.Context, keys ...string) error
		// Expire resets the ttl on key. Missing keys are not an error.
		Expire(ctx context.Context, key string, ttl time.Duration) error

		// SAdd adds members to the set at key.
		SAdd(ctx context.Context, key string, members ...string) error
		// SRem removes members from the set at key.
		SRem(ctx context.Context, key string, members ...string) error
		// SMembers returns all members of the set at key.
		SMembers(ctx context.Context, key string) ([]string, error)

		// StreamAdd appends values to the named stream, trimming to maxLen
		// (approximate) when positive and applying ttl to the stream key when
		// positive. Returns the broker-assigned entry id.
		StreamAdd(ctx context.Context, stream string, values map[string]any, maxLen int64, ttl time.Duration) (string, error)
		// StreamRange returns all entries of the stream in append order.
		StreamRange(ctx context.Context, stream string) ([]StreamEntry, error)
		// StreamDel removes the identified entries from the stream.
		StreamDel(ctx context.Context, stream string, ids ...string) error
		// StreamLen returns the number of entries in the stream.
		StreamLen(ctx context.Context, stream string) (int64, error)
		// DeleteStream removes the stream and all its entries.
		DeleteStream(ctx context.Context, stream string) error

		// Ping verifies connectivity.
		Ping(ctx context.Context) error
	}

	// StreamEntry is one entry of a broker stream.
	StreamEntry struct {
		ID     string
		Values map[string]string
	}
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("broker: key not found")

// Key layout. Every piece of per-run shared state hangs off these names so
// any worker can pick up any run after a crash.

// RunOwnerKey holds the owning worker id, TTL = claim TTL.
func RunOwnerKey(runID string) string { return fmt.Sprintf("run:%s:owner", runID) }

// RunStatusKey holds the run status string, TTL = claim TTL.
func RunStatusKey(runID string) string { return fmt.Sprintf("run:%s:status", runID) }

// RunHeartbeatKey holds the last heartbeat unix time, TTL = heartbeat TTL.
func RunHeartbeatKey(runID string) string { return fmt.Sprintf("run:%s:heartbeat", runID) }

// RunStartKey holds the run start unix time, TTL = claim TTL.
func RunStartKey(runID string) string { return fmt.Sprintf("run:%s:start", runID) }

// ActiveRunsKey is the set of all non-terminal run ids.
const ActiveRunsKey = "runs:active"

// IdempotencyKey marks one (run, step, op) side effect as committed.
func IdempotencyKey(runID string, step int, op string) string {
	return fmt.Sprintf("run:%s:idem:%d:%s", runID, step, op)
}

// WALStreamKey is the per-run write-ahead stream.
func WALStreamKey(runID string) string { return fmt.Sprintf("wal:run:%s", runID) }

// DLQStreamKey is the fleet-wide dead-letter stream.
const DLQStreamKey = "dlq:failed_writes"

// OutputStreamKey is the client-facing per-run event stream.
func OutputStreamKey(runID string) string { return fmt.Sprintf("agent_run:%s:stream", runID) }
