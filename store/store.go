// Package store defines the contract with the authoritative relational
// store. The flusher writes through it (messages, credit deductions, run
// status); preparation reads through it (history, tier info, concurrency
// counts). Production uses store/postgres, tests use store/inmem.
package store

import (
	"context"
	"errors"

	"github.com/loomworks/agentd/run"
)

type (
	// CreditDeduction is one aggregate charge keyed by (account, thread, run).
	CreditDeduction struct {
		AccountID   string  `json:"account_id"`
		Amount      float64 `json:"amount"`
		ThreadID    string  `json:"thread_id"`
		RunID       string  `json:"run_id"`
		Description string  `json:"description"`
	}

	// Store is the persistence contract. Implementations must be safe for
	// concurrent use.
	Store interface {
		// CreateRun inserts the durable run row.
		CreateRun(ctx context.Context, r run.Run) error
		// GetRun returns the run row or ErrNotFound.
		GetRun(ctx context.Context, runID string) (run.Run, error)
		// UpdateRunStatus sets the terminal or intermediate status and error.
		UpdateRunStatus(ctx context.Context, runID string, status run.Status, errMsg string) error
		// ListRunsOlderThan returns non-terminal runs started before the cutoff.
		ListRunsOlderThan(ctx context.Context, age int64) ([]run.Run, error)

		// InsertMessage appends one message to its thread.
		InsertMessage(ctx context.Context, msg run.Message) error
		// GetMessages returns up to limit most recent thread messages in
		// chronological order.
		GetMessages(ctx context.Context, threadID string, limit int) ([]run.Message, error)
		// GetThread returns the thread row or ErrNotFound.
		GetThread(ctx context.Context, threadID string) (run.Thread, error)

		// DeductCredits applies one aggregate deduction.
		DeductCredits(ctx context.Context, d CreditDeduction) error
		// ReserveCredits reports whether the account can fund a run and holds
		// the reservation when it can.
		ReserveCredits(ctx context.Context, accountID string, amount float64) (bool, error)

		// GetTierInfo returns the account's limit bundle.
		GetTierInfo(ctx context.Context, accountID string) (run.TierInfo, error)
		// CountActiveRuns returns the account's current non-terminal run count.
		CountActiveRuns(ctx context.Context, accountID string) (int, error)
	}
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")
