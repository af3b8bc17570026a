// Package inmem provides an in-memory broker.Broker for tests and local
// development. State lives in maps guarded by a mutex; key expiry is checked
// lazily against an injectable clock so tests can advance time without
// sleeping. A Fail hook lets tests simulate broker outages per operation.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/agentd/broker"
)

// Broker implements broker.Broker in memory with no durability.
type Broker struct {
	mu      sync.Mutex
	values  map[string]valueEntry
	sets    map[string]map[string]struct{}
	streams map[string][]broker.StreamEntry
	seq     int64

	// Now supplies the clock; defaults to time.Now.
	Now func() time.Time

	// Fail, when non-nil, is consulted before every operation with the
	// operation name ("setnx", "streamadd", ...). Returning a non-nil error
	// makes the operation fail with it.
	Fail func(op string) error
}

type valueEntry struct {
	value     string
	expiresAt time.Time
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{
		values:  make(map[string]valueEntry),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string][]broker.StreamEntry),
		Now:     time.Now,
	}
}

func (b *Broker) fail(op string) error {
	if b.Fail != nil {
		return b.Fail(op)
	}
	return nil
}

func (b *Broker) expired(e valueEntry) bool {
	return !e.expiresAt.IsZero() && !b.Now().Before(e.expiresAt)
}

func (b *Broker) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.Now().Add(ttl)
}

// SetNX sets key only if absent or expired.
func (b *Broker) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.fail("setnx"); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.values[key]; ok && !b.expired(e) {
		return false, nil
	}
	b.values[key] = valueEntry{value: value, expiresAt: b.expiry(ttl)}
	return true, nil
}

// Set unconditionally writes key.
func (b *Broker) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := b.fail("set"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = valueEntry{value: value, expiresAt: b.expiry(ttl)}
	return nil
}

// Get returns the value at key or broker.ErrNotFound.
func (b *Broker) Get(_ context.Context, key string) (string, error) {
	if err := b.fail("get"); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.values[key]
	if !ok || b.expired(e) {
		delete(b.values, key)
		return "", broker.ErrNotFound
	}
	return e.value, nil
}

// Del removes keys.
func (b *Broker) Del(_ context.Context, keys ...string) error {
	if err := b.fail("del"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.values, k)
	}
	return nil
}

// Expire resets the ttl on key.
func (b *Broker) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := b.fail("expire"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.values[key]; ok && !b.expired(e) {
		e.expiresAt = b.expiry(ttl)
		b.values[key] = e
	}
	return nil
}

// SAdd adds members to a set.
func (b *Broker) SAdd(_ context.Context, key string, members ...string) error {
	if err := b.fail("sadd"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SRem removes members from a set.
func (b *Broker) SRem(_ context.Context, key string, members ...string) error {
	if err := b.fail("srem"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

// SMembers returns the sorted members of a set.
func (b *Broker) SMembers(_ context.Context, key string) ([]string, error) {
	if err := b.fail("smembers"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// StreamAdd appends to a stream, trimming oldest entries past maxLen.
func (b *Broker) StreamAdd(_ context.Context, stream string, values map[string]any, maxLen int64, _ time.Duration) (string, error) {
	if err := b.fail("streamadd"); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = fmt.Sprint(v)
	}
	entries := append(b.streams[stream], broker.StreamEntry{ID: id, Values: copied})
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	b.streams[stream] = entries
	return id, nil
}

// StreamRange returns all entries in append order.
func (b *Broker) StreamRange(_ context.Context, stream string) ([]broker.StreamEntry, error) {
	if err := b.fail("streamrange"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.streams[stream]
	out := make([]broker.StreamEntry, len(src))
	copy(out, src)
	return out, nil
}

// StreamDel removes entries by id.
func (b *Broker) StreamDel(_ context.Context, stream string, ids ...string) error {
	if err := b.fail("streamdel"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := b.streams[stream][:0]
	for _, e := range b.streams[stream] {
		if _, gone := drop[e.ID]; !gone {
			kept = append(kept, e)
		}
	}
	b.streams[stream] = kept
	return nil
}

// StreamLen returns the entry count.
func (b *Broker) StreamLen(_ context.Context, stream string) (int64, error) {
	if err := b.fail("streamlen"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.streams[stream])), nil
}

// DeleteStream removes the stream entirely.
func (b *Broker) DeleteStream(_ context.Context, stream string) error {
	if err := b.fail("deletestream"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, stream)
	return nil
}

// Ping always succeeds unless Fail intercepts it.
func (b *Broker) Ping(_ context.Context) error {
	return b.fail("ping")
}

// Keys returns all live value keys with the given prefix, sorted. Test helper.
func (b *Broker) Keys(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k, e := range b.values {
		if strings.HasPrefix(k, prefix) && !b.expired(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
