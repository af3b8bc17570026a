// Package postgres implements store.Store over a pgx connection pool.
// Schema (managed out of band):
//
//	agent_runs(run_id, thread_id, project_id, account_id, model_name,
//	           status, error, start_time, step_counter)
//	messages(message_id, thread_id, type, content, metadata, created_at,
//	         agent_id, is_llm_message)
//	threads(thread_id, project_id, account_id, has_images, memory_enabled)
//	credit_ledger(id, account_id, amount, thread_id, run_id, description,
//	              created_at)
//	accounts(account_id, tier_name, concurrent_runs_limit, allowed_models,
//	         credit_balance)
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/agentd/run"
	"github.com/loomworks/agentd/store"
)

// Store implements store.Store over pgxpool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool from the given URL and verifies connectivity.
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. The caller owns its lifecycle.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateRun inserts the durable run row.
func (s *Store) CreateRun(ctx context.Context, r run.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_runs (run_id, thread_id, project_id, account_id, model_name, status, start_time, step_counter)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.ThreadID, r.ProjectID, r.AccountID, r.ModelName, string(r.Status), r.StartTime, r.StepCounter)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// GetRun returns the run row.
func (s *Store) GetRun(ctx context.Context, runID string) (run.Run, error) {
	var r run.Run
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, thread_id, project_id, account_id, model_name, status, COALESCE(error, ''), start_time, step_counter
		FROM agent_runs WHERE run_id = $1`, runID).
		Scan(&r.RunID, &r.ThreadID, &r.ProjectID, &r.AccountID, &r.ModelName, &status, &r.Error, &r.StartTime, &r.StepCounter)
	if err == pgx.ErrNoRows {
		return run.Run{}, store.ErrNotFound
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	r.Status = run.Status(status)
	return r, nil
}

// UpdateRunStatus sets status and error on the run row.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status run.Status, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET status = $2, error = NULLIF($3, '') WHERE run_id = $1`,
		runID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	return nil
}

// ListRunsOlderThan returns non-terminal runs started more than age seconds ago.
func (s *Store) ListRunsOlderThan(ctx context.Context, age int64) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, thread_id, project_id, account_id, model_name, status, COALESCE(error, ''), start_time, step_counter
		FROM agent_runs
		WHERE status IN ('running', 'resumable')
		  AND start_time < now() - make_interval(secs => $1)`, age)
	if err != nil {
		return nil, fmt.Errorf("list old runs: %w", err)
	}
	defer rows.Close()
	var runs []run.Run
	for rows.Next() {
		var r run.Run
		var status string
		if err := rows.Scan(&r.RunID, &r.ThreadID, &r.ProjectID, &r.AccountID, &r.ModelName, &status, &r.Error, &r.StartTime, &r.StepCounter); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = run.Status(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertMessage appends one message. Inserts are idempotent on message_id so
// a recovered worker can safely re-flush.
func (s *Store) InsertMessage(ctx context.Context, msg run.Message) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (message_id, thread_id, type, content, metadata, created_at, agent_id, is_llm_message)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.ThreadID, string(msg.Role), msg.Content, meta, msg.CreatedAt, msg.AgentID, msg.IsLLM)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.MessageID, err)
	}
	return nil
}

// GetMessages returns up to limit most recent messages in chronological order.
func (s *Store) GetMessages(ctx context.Context, threadID string, limit int) ([]run.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, thread_id, type, content, metadata, created_at, COALESCE(agent_id, ''), is_llm_message
		FROM (
			SELECT * FROM messages WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", threadID, err)
	}
	defer rows.Close()
	var msgs []run.Message
	for rows.Next() {
		var m run.Message
		var role string
		var meta []byte
		if err := rows.Scan(&m.MessageID, &m.ThreadID, &role, &m.Content, &meta, &m.CreatedAt, &m.AgentID, &m.IsLLM); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = run.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetThread returns the thread row.
func (s *Store) GetThread(ctx context.Context, threadID string) (run.Thread, error) {
	var t run.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, project_id, account_id, has_images, memory_enabled
		FROM threads WHERE thread_id = $1`, threadID).
		Scan(&t.ThreadID, &t.ProjectID, &t.AccountID, &t.HasImages, &t.MemoryEnabled)
	if err == pgx.ErrNoRows {
		return run.Thread{}, store.ErrNotFound
	}
	if err != nil {
		return run.Thread{}, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return t, nil
}

// DeductCredits records one aggregate deduction and decrements the balance in
// a single transaction. Re-applying the same (run, description) pair is a
// no-op so a recovered flush cannot double-charge.
func (s *Store) DeductCredits(ctx context.Context, d store.CreditDeduction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deduction: %w", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (account_id, amount, thread_id, run_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (run_id, description) DO NOTHING`,
		d.AccountID, d.Amount, d.ThreadID, d.RunID, d.Description)
	if err != nil {
		return fmt.Errorf("insert deduction for run %s: %w", d.RunID, err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET credit_balance = credit_balance - $2 WHERE account_id = $1`,
			d.AccountID, d.Amount); err != nil {
			return fmt.Errorf("decrement balance for %s: %w", d.AccountID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deduction: %w", err)
	}
	return nil
}

// ReserveCredits reports whether the account balance covers the amount.
func (s *Store) ReserveCredits(ctx context.Context, accountID string, amount float64) (bool, error) {
	var balance float64
	err := s.pool.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read balance for %s: %w", accountID, err)
	}
	return balance >= amount, nil
}

// GetTierInfo returns the account's limit bundle.
func (s *Store) GetTierInfo(ctx context.Context, accountID string) (run.TierInfo, error) {
	var t run.TierInfo
	err := s.pool.QueryRow(ctx, `
		SELECT tier_name, concurrent_runs_limit, COALESCE(allowed_models, '{}')
		FROM accounts WHERE account_id = $1`, accountID).
		Scan(&t.TierName, &t.ConcurrentRunsLimit, &t.AllowedModels)
	if err == pgx.ErrNoRows {
		return run.TierInfo{}, store.ErrNotFound
	}
	if err != nil {
		return run.TierInfo{}, fmt.Errorf("get tier for %s: %w", accountID, err)
	}
	return t, nil
}

// CountActiveRuns returns the account's non-terminal run count.
func (s *Store) CountActiveRuns(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM agent_runs WHERE account_id = $1 AND status IN ('running', 'resumable')`,
		accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs for %s: %w", accountID, err)
	}
	return n, nil
}
