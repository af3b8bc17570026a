// Package inmem provides an in-memory store.Store for tests and local mode.
// All operations are thread-safe; a Fail hook simulates persistence failures
// per operation.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/store"
)

// Store implements store.Store in memory with no durability.
type Store struct {
	mu         sync.Mutex
	runs       map[string]run.Run
	messages   map[string][]run.Message // thread id -> messages
	threads    map[string]run.Thread
	tiers      map[string]run.TierInfo
	balances   map[string]float64
	deductions []store.CreditDeduction
	dedup      map[string]struct{} // run id + description

	// Fail, when non-nil, is consulted before every operation with its name
	// ("insert_message", "deduct_credits", ...). A non-nil return fails the
	// operation.
	Fail func(op string) error
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:     make(map[string]run.Run),
		messages: make(map[string][]run.Message),
		threads:  make(map[string]run.Thread),
		tiers:    make(map[string]run.TierInfo),
		balances: make(map[string]float64),
		dedup:    make(map[string]struct{}),
	}
}

func (s *Store) fail(op string) error {
	if s.Fail != nil {
		return s.Fail(op)
	}
	return nil
}

// CreateRun inserts the run row if absent.
func (s *Store) CreateRun(_ context.Context, r run.Run) error {
	if err := s.fail("create_run"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.RunID]; !ok {
		s.runs[r.RunID] = r
	}
	return nil
}

// GetRun returns the run row or store.ErrNotFound.
func (s *Store) GetRun(_ context.Context, runID string) (run.Run, error) {
	if err := s.fail("get_run"); err != nil {
		return run.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.Run{}, store.ErrNotFound
	}
	return r, nil
}

// UpdateRunStatus sets status and error.
func (s *Store) UpdateRunStatus(_ context.Context, runID string, status run.Status, errMsg string) error {
	if err := s.fail("update_run_status"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		r = run.Run{RunID: runID}
	}
	r.Status = status
	r.Error = errMsg
	s.runs[runID] = r
	return nil
}

// ListRunsOlderThan returns non-terminal runs (age ignored in memory).
func (s *Store) ListRunsOlderThan(_ context.Context, _ int64) ([]run.Run, error) {
	if err := s.fail("list_runs"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []run.Run
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return runs, nil
}

// InsertMessage appends one message, idempotent on message id.
func (s *Store) InsertMessage(_ context.Context, msg run.Message) error {
	if err := s.fail("insert_message"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[msg.ThreadID] {
		if m.MessageID == msg.MessageID {
			return nil
		}
	}
	s.messages[msg.ThreadID] = append(s.messages[msg.ThreadID], msg)
	return nil
}

// GetMessages returns up to limit most recent messages in order.
func (s *Store) GetMessages(_ context.Context, threadID string, limit int) ([]run.Message, error) {
	if err := s.fail("get_messages"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	sorted := make([]run.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

// GetThread returns the thread row or store.ErrNotFound.
func (s *Store) GetThread(_ context.Context, threadID string) (run.Thread, error) {
	if err := s.fail("get_thread"); err != nil {
		return run.Thread{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return run.Thread{}, store.ErrNotFound
	}
	return t, nil
}

// DeductCredits applies one aggregate deduction, idempotent on
// (run, description).
func (s *Store) DeductCredits(_ context.Context, d store.CreditDeduction) error {
	if err := s.fail("deduct_credits"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.RunID + "\x00" + d.Description
	if _, done := s.dedup[key]; done {
		return nil
	}
	s.dedup[key] = struct{}{}
	s.deductions = append(s.deductions, d)
	s.balances[d.AccountID] -= d.Amount
	return nil
}

// ReserveCredits reports whether the balance covers the amount.
func (s *Store) ReserveCredits(_ context.Context, accountID string, amount float64) (bool, error) {
	if err := s.fail("reserve_credits"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[accountID] >= amount, nil
}

// GetTierInfo returns the account's limit bundle; unknown accounts get an
// unrestricted default tier.
func (s *Store) GetTierInfo(_ context.Context, accountID string) (run.TierInfo, error) {
	if err := s.fail("get_tier_info"); err != nil {
		return run.TierInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tiers[accountID]; ok {
		return t, nil
	}
	return run.TierInfo{TierName: "free", ConcurrentRunsLimit: 5}, nil
}

// CountActiveRuns returns the account's non-terminal run count.
func (s *Store) CountActiveRuns(_ context.Context, accountID string) (int, error) {
	if err := s.fail("count_active_runs"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.AccountID == accountID && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// Test helpers.

// SetThread seeds a thread row.
func (s *Store) SetThread(t run.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ThreadID] = t
}

// SetTier seeds an account tier.
func (s *Store) SetTier(accountID string, t run.TierInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[accountID] = t
}

// SetBalance seeds an account balance.
func (s *Store) SetBalance(accountID string, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[accountID] = balance
}

// Deductions returns all applied deductions.
func (s *Store) Deductions() []store.CreditDeduction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CreditDeduction, len(s.deductions))
	copy(out, s.deductions)
	return out
}

// Messages returns the stored messages for a thread in insertion order.
func (s *Store) Messages(threadID string) []run.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]run.Message, len(s.messages[threadID]))
	copy(out, s.messages[threadID])
	return out
}
