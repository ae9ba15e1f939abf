package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/errors"
	"github.com/felixgeelhaar/flotilla/internal/metrics"
)

const busyRetries = 5

// Store is the approval queue. Many processes may open the same database;
// every transition is a single conditional UPDATE.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithStoreMetrics sets the metrics sink
func WithStoreMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithStoreClock overrides the time source
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// OpenStore opens (creating if needed) the queue database at path
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "failed to create approval store directory", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreOpen, "failed to open approval store", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers queries
func (s *Store) Ping(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests`).Scan(&n); err != nil {
		return errors.Wrap(errors.ErrCodeStoreQuery, "approval store is not readable", err)
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(errors.ErrCodeStoreOpen, fmt.Sprintf("failed to set %s", strings.TrimSuffix(q, ";")), err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS approval_requests (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL,
				phase TEXT NOT NULL,
				operation TEXT NOT NULL,
				risk_level TEXT NOT NULL,
				context TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				decided_at INTEGER,
				decision_reason TEXT NOT NULL DEFAULT '',
				last_heartbeat INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_approval_requests_status
				ON approval_requests(status, last_heartbeat);
			CREATE TABLE IF NOT EXISTS approval_decisions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				request_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL,
				phase TEXT NOT NULL,
				operation TEXT NOT NULL,
				risk_level TEXT NOT NULL,
				status TEXT NOT NULL,
				rationale TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);
		`)
		if err != nil {
			return errors.Wrap(errors.ErrCodeStoreOpen, "failed to create approval schema", err)
		}
		return nil
	})
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, backing off
// exponentially with jitter
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if stderrors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Submit inserts a new PENDING request. ID is generated when empty.
func (s *Store) Submit(ctx context.Context, req Request) (*Request, error) {
	if err := req.Phase.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid approval request", err)
	}
	if err := req.RiskLevel.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeApprovalInvalid, "invalid approval request", err)
	}
	if strings.TrimSpace(req.Operation) == "" {
		return nil, errors.New(errors.ErrCodeApprovalInvalid, "approval request needs an operation")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.AgentID == "" {
		req.AgentID = "unknown"
	}
	if req.Context == nil {
		req.Context = map[string]string{}
	}
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeApprovalInvalid, "failed to encode request context", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	req.Status = StatusPending
	req.CreatedAt = now
	req.LastHeartbeat = now
	req.DecidedAt = nil
	req.DecisionReason = ""

	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_requests
				(id, agent_id, phase, operation, risk_level, context, status, created_at, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.AgentID, string(req.Phase), req.Operation, string(req.RiskLevel),
			string(ctxJSON), string(StatusPending), toMillis(now), toMillis(now))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to submit approval request", err)
	}
	s.metrics.RecordTransition("submit", true)
	return &req, nil
}

const requestColumns = `id, agent_id, phase, operation, risk_level, context, status,
	created_at, decided_at, decision_reason, last_heartbeat`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r         Request
		phase     string
		risk      string
		status    string
		ctxJSON   string
		created   int64
		decided   sql.NullInt64
		heartbeat int64
	)
	if err := row.Scan(&r.ID, &r.AgentID, &phase, &r.Operation, &risk, &ctxJSON, &status,
		&created, &decided, &r.DecisionReason, &heartbeat); err != nil {
		return nil, err
	}
	r.Phase = domain.Phase(phase)
	r.RiskLevel = domain.RiskLevel(risk)
	r.Status = Status(status)
	r.CreatedAt = fromMillis(created)
	r.LastHeartbeat = fromMillis(heartbeat)
	if decided.Valid {
		t := fromMillis(decided.Int64)
		r.DecidedAt = &t
	}
	if err := json.Unmarshal([]byte(ctxJSON), &r.Context); err != nil {
		return nil, fmt.Errorf("decode context of %s: %w", r.ID, err)
	}
	return &r, nil
}

// Get returns the request with id
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewApprovalNotFoundError(id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to load approval request", err)
	}
	return r, nil
}

// Check returns the current status of the request with id
func (s *Store) Check(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = ?`, id).Scan(&status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", errors.NewApprovalNotFoundError(id)
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeStoreQuery, "failed to check approval request", err)
	}
	return Status(status), nil
}

// transition runs a conditional UPDATE and reports whether it applied. A
// request that does not exist is an error; one in another state is not.
func (s *Store) transition(ctx context.Context, name, id, query string, args ...any) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStoreQuery, fmt.Sprintf("failed to %s approval request", name), err)
	}
	if affected == 0 {
		if _, err := s.Check(ctx, id); err != nil {
			return false, err
		}
	}
	s.metrics.RecordTransition(name, affected == 1)
	return affected == 1, nil
}

// Decide moves a PENDING request to APPROVED or REJECTED. Only the first
// decision applies.
func (s *Store) Decide(ctx context.Context, id string, approved bool, reason string) (bool, error) {
	to, name := StatusRejected, "reject"
	if approved {
		to, name = StatusApproved, "approve"
	}
	return s.transition(ctx, name, id, `
		UPDATE approval_requests
		SET status = ?, decided_at = ?, decision_reason = ?
		WHERE id = ? AND status = ?`,
		string(to), toMillis(s.now()), reason, id, string(StatusPending))
}

// Heartbeat refreshes the heartbeat of a PENDING request
func (s *Store) Heartbeat(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, "heartbeat", id, `
		UPDATE approval_requests SET last_heartbeat = ?
		WHERE id = ? AND status = ?`,
		toMillis(s.now()), id, string(StatusPending))
}

// Consume moves a decided request to CONSUMED. Only one caller wins.
func (s *Store) Consume(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, "consume", id, `
		UPDATE approval_requests SET status = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusConsumed), id, string(StatusApproved), string(StatusRejected))
}

// Withdraw expires a PENDING request on behalf of its requester
func (s *Store) Withdraw(ctx context.Context, id, reason string) (bool, error) {
	return s.transition(ctx, "withdraw", id, `
		UPDATE approval_requests
		SET status = ?, decided_at = ?, decision_reason = ?
		WHERE id = ? AND status = ?`,
		string(StatusExpired), toMillis(s.now()), reason, id, string(StatusPending))
}

// ExpireStale expires PENDING requests whose heartbeat is older than timeout
func (s *Store) ExpireStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-timeout)
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approval_requests
			SET status = ?, decided_at = ?, decision_reason = ?
			WHERE status = ? AND last_heartbeat < ?`,
			string(StatusExpired), toMillis(now), "heartbeat timeout",
			string(StatusPending), toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStoreQuery, "failed to expire stale approval requests", err)
	}
	if n > 0 {
		s.metrics.RecordTransition("expire", true)
	}
	return n, nil
}

// Cleanup deletes EXPIRED and CONSUMED requests older than days
func (s *Store) Cleanup(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, errors.New(errors.ErrCodeApprovalInvalid, "retention must not be negative")
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM approval_requests
			WHERE status IN (?, ?) AND COALESCE(decided_at, created_at) < ?`,
			string(StatusExpired), string(StatusConsumed), toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStoreQuery, "failed to clean up approval requests", err)
	}
	return n, nil
}

// List returns requests in creation order, optionally filtered by status
func (s *Store) List(ctx context.Context, status Status) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to list approval requests", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to read approval request", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to list approval requests", err)
	}
	return out, nil
}

// ListPending returns PENDING requests in creation order
func (s *Store) ListPending(ctx context.Context) ([]Request, error) {
	return s.List(ctx, StatusPending)
}

// CountByStatus counts requests per status; every status is present
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM approval_requests GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to count approval requests", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to count approval requests", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to count approval requests", err)
	}
	s.metrics.SetQueueDepth(counts[StatusPending])
	return counts, nil
}

// AppendDecision writes an entry to the decision log
func (s *Store) AppendDecision(ctx context.Context, d Decision) (*Decision, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.CreatedAt = d.CreatedAt.UTC().Truncate(time.Millisecond)

	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_decisions
				(request_id, agent_id, phase, operation, risk_level, status, rationale, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.RequestID, d.AgentID, string(d.Phase), d.Operation, string(d.RiskLevel),
			string(d.Status), d.Rationale, toMillis(d.CreatedAt))
		if err != nil {
			return err
		}
		d.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to append decision", err)
	}
	return &d, nil
}

// Decisions returns the newest decision log entries first; limit <= 0
// returns all of them
func (s *Store) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	query := `SELECT id, request_id, agent_id, phase, operation, risk_level, status, rationale, created_at
		FROM approval_decisions ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to read decisions", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d                   Decision
			phase, risk, status string
			created             int64
		)
		if err := rows.Scan(&d.ID, &d.RequestID, &d.AgentID, &phase, &d.Operation, &risk,
			&status, &d.Rationale, &created); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to read decision", err)
		}
		d.Phase = domain.Phase(phase)
		d.RiskLevel = domain.RiskLevel(risk)
		d.Status = DecisionStatus(status)
		d.CreatedAt = fromMillis(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreQuery, "failed to read decisions", err)
	}
	return out, nil
}

// Snapshot returns pending requests grouped by agent, counts by status and
// the latest decisions
func (s *Store) Snapshot(ctx context.Context, decisionLimit int) (*QueueSnapshot, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	decisions, err := s.Decisions(ctx, decisionLimit)
	if err != nil {
		return nil, err
	}

	byAgent := make(map[string][]Request)
	for _, r := range pending {
		byAgent[r.AgentID] = append(byAgent[r.AgentID], r)
	}
	return &QueueSnapshot{PendingByAgent: byAgent, Counts: counts, Decisions: decisions}, nil
}
