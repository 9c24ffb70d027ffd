// Package store provides the durable, embedded, single-writer audit and
// pending-approval store described in spec.md §4.D: an append-only audit
// log, pending-approval CRUD with an atomic, idempotent resolution path,
// and the offline-result queue for agents that disconnected mid-approval.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/haasonsaas/toolgate/internal/model"
)

// Store wraps a single SQLite connection. SetMaxOpenConns(1) makes every
// statement serialize through one connection, which is what realizes the
// "serialized single writer" invariant from spec.md §5 without hand-rolled
// locking beyond what SQLite's own journal needs.
type Store struct {
	db *sql.DB
}

// Open opens (and, if necessary, creates) the SQLite database at path and
// applies the schema. Pass ":memory:" for an ephemeral store (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			request_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			signature TEXT NOT NULL,
			args_json TEXT NOT NULL,
			decision TEXT NOT NULL,
			resolution TEXT NOT NULL,
			result_json TEXT,
			error_kind TEXT,
			duration_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id)`,
		`CREATE TABLE IF NOT EXISTS pending_requests (
			request_id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			signature TEXT NOT NULL,
			args_json TEXT NOT NULL,
			reason TEXT,
			agent_session_ref TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			status TEXT NOT NULL,
			resolution TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS offline_results (
			request_id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			result_json TEXT NOT NULL,
			agent_identity TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_identity ON offline_results(agent_identity)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendAudit writes a terminal audit entry. Never blocks on policy
// decisions — it is called only once a decision/resolution is already
// known, and must complete before the agent is told the outcome.
func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	argsJSON, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("store: marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, request_id, tool_name, signature, args_json, decision, resolution, result_json, error_kind, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.Timestamp.UTC().Format(time.RFC3339Nano), e.RequestID, e.ToolName,
		string(e.Signature), string(argsJSON), string(e.Decision), string(e.Resolution),
		e.ResultBlob, string(e.ErrorKind), e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// InsertPending creates a new pending-approval row.
func (s *Store) InsertPending(ctx context.Context, p model.PendingApproval) error {
	argsJSON, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("store: marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_requests (request_id, tool_name, signature, args_json, reason, agent_session_ref, created_at, expires_at, status, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', NULL)`,
		p.RequestID, p.ToolName, string(p.Signature), string(argsJSON), p.Reason, p.AgentSessionRef,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert pending: %w", err)
	}
	return nil
}

// GetPending fetches a pending row regardless of status.
func (s *Store) GetPending(ctx context.Context, requestID string) (*model.PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, tool_name, signature, args_json, reason, agent_session_ref, created_at, expires_at, status, resolution
		FROM pending_requests WHERE request_id = ?`, requestID)
	return scanPending(row)
}

func scanPending(row *sql.Row) (*model.PendingApproval, error) {
	var (
		p                              model.PendingApproval
		argsJSON                       string
		createdAt, expiresAt           string
		status                         string
		resolution                     sql.NullString
	)
	if err := row.Scan(&p.RequestID, &p.ToolName, &p.Signature, &argsJSON, &p.Reason, &p.AgentSessionRef,
		&createdAt, &expiresAt, &status, &resolution); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan pending: %w", err)
	}
	if err := json.Unmarshal([]byte(argsJSON), &p.Args); err != nil {
		return nil, fmt.Errorf("store: unmarshal args: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	p.Status = model.PendingStatus(status)
	if resolution.Valid {
		p.ResolutionResult = model.Resolution(resolution.String)
	}
	return &p, nil
}

// ResolvePending atomically transitions a pending row to a terminal
// resolution. It is idempotent: whichever caller's UPDATE actually flips
// the row from 'pending' to 'resolved' is reported as won=true; every
// later caller for the same request_id observes won=false and the prior
// resolution — this single SQL statement is the entire synchronization
// primitive between the approval path and the timeout path (spec.md §8
// invariant 2).
func (s *Store) ResolvePending(ctx context.Context, requestID string, resolution model.Resolution) (won bool, prior model.Resolution, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests SET status = 'resolved', resolution = ?
		WHERE request_id = ? AND status = 'pending'`, string(resolution), requestID)
	if err != nil {
		return false, "", fmt.Errorf("store: resolve pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("store: resolve pending rows affected: %w", err)
	}
	if n > 0 {
		return true, resolution, nil
	}

	p, err := s.GetPending(ctx, requestID)
	if err != nil {
		return false, "", err
	}
	if p == nil {
		return false, "", fmt.Errorf("store: resolve pending: no such request_id %q", requestID)
	}
	return false, p.ResolutionResult, nil
}

// SweepStale resolves every still-pending row whose expires_at has already
// passed as TIMED_OUT, and returns the resolved rows for notification.
// Called at startup (spec.md §8 invariant 7) and periodically thereafter.
func (s *Store) SweepStale(ctx context.Context, now time.Time) ([]model.PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, tool_name, signature, args_json, reason, agent_session_ref, created_at, expires_at, status, resolution
		FROM pending_requests WHERE status = 'pending' AND expires_at <= ?`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: sweep query: %w", err)
	}
	var stale []model.PendingApproval
	for rows.Next() {
		var (
			p                            model.PendingApproval
			argsJSON, createdAt, expires string
			status                       string
			resolution                   sql.NullString
		)
		if err := rows.Scan(&p.RequestID, &p.ToolName, &p.Signature, &argsJSON, &p.Reason, &p.AgentSessionRef,
			&createdAt, &expires, &status, &resolution); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: sweep scan: %w", err)
		}
		_ = json.Unmarshal([]byte(argsJSON), &p.Args)
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
		stale = append(stale, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range stale {
		if _, _, err := s.ResolvePending(ctx, p.RequestID, model.ResolutionTimedOut); err != nil {
			return nil, fmt.Errorf("store: sweep resolve %s: %w", p.RequestID, err)
		}
	}
	return stale, nil
}

// EnqueueOfflineResult buffers a resolution that could not be delivered
// because the originating agent session was closed.
func (s *Store) EnqueueOfflineResult(ctx context.Context, requestID, toolName, agentIdentity, resultBlob string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO offline_results (request_id, tool_name, result_json, agent_identity, created_at)
		VALUES (?, ?, ?, ?, ?)`, requestID, toolName, resultBlob, agentIdentity, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: enqueue offline result: %w", err)
	}
	return nil
}

// DrainOfflineResults atomically reads and deletes every buffered offline
// result for an agent identity, guaranteeing each result is returned
// exactly once across all callers (spec.md §8 invariant 6).
func (s *Store) DrainOfflineResults(ctx context.Context, agentIdentity string) ([]model.OfflineResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: drain begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT request_id, tool_name, result_json, created_at FROM offline_results WHERE agent_identity = ?`, agentIdentity)
	if err != nil {
		return nil, fmt.Errorf("store: drain query: %w", err)
	}
	var results []model.OfflineResult
	for rows.Next() {
		var r model.OfflineResult
		var createdAt string
		if err := rows.Scan(&r.RequestID, &r.ToolName, &r.ResultBlob, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: drain scan: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		results = append(results, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_results WHERE agent_identity = ?`, agentIdentity); err != nil {
		return nil, fmt.Errorf("store: drain delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: drain commit: %w", err)
	}
	return results, nil
}

// CountPending returns the number of currently-pending rows, used by the
// store health probe. The max_pending_approvals ceiling itself is enforced
// in memory by ratelimit.PendingCounter.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

// AuditTrail returns every audit_log row for requestID in insertion order.
// Reconstructing a request's outcome solely from these rows must agree
// with what was observed live (spec.md §8's audit-replay law); this is the
// read path that replay tooling and tests use to check that.
func (s *Store) AuditTrail(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, request_id, tool_name, signature, args_json, decision, resolution, result_json, error_kind, duration_ms
		FROM audit_log WHERE request_id = ? ORDER BY rowid ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: audit trail: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var (
			e          model.AuditEntry
			ts         string
			argsJSON   string
			resultBlob sql.NullString
			errKind    sql.NullString
		)
		if err := rows.Scan(&ts, &e.RequestID, &e.ToolName, &e.Signature, &argsJSON, &e.Decision, &e.Resolution, &resultBlob, &errKind, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("store: scan audit row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse audit timestamp: %w", err)
		}
		e.Timestamp = parsed
		e.ResultBlob = resultBlob.String
		e.ErrorKind = model.ErrorKind(errKind.String)
		if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
			return nil, fmt.Errorf("store: unmarshal audit args: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
