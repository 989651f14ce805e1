package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. It serves
// two roles: the backup-store fallback tier when Redis is unreachable, and
// a durable archive for single-node deployments.
//
// Records are stored as JSON documents alongside the columns the list
// filters need, so the schema doesn't chase the payload shape.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes conditional updates; SQLite allows one writer
	// and the read-mutate-write cycle must not interleave in-process.
	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	agent_type  TEXT NOT NULL,
	flow_type   TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);

CREATE TABLE IF NOT EXISTS quotes (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	vendor_id   TEXT NOT NULL,
	idem_key    TEXT,
	payload     TEXT NOT NULL,
	UNIQUE(session_id, vendor_id, idem_key)
);
CREATE INDEX IF NOT EXISTS idx_quotes_session ON quotes(session_id);
`

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
// ":memory:" gives an ephemeral database for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveSession creates session state.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	if err := s.guard(); err != nil {
		return err
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_type, flow_type, status, created_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentType, sess.FlowType, string(sess.Status), sess.CreatedAt.UnixNano(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// LoadSession retrieves a session by ID.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select session: %v", ErrStoreUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// UpdateSession applies mutate inside a transaction under the writer lock.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, mutate func(*Session) error) (*Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select session: %v", ErrStoreUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if err := mutate(&sess); err != nil {
		return nil, err
	}

	next, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, payload = ? WHERE id = ?`,
		string(sess.Status), string(next), sessionID,
	); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*Session, int, error) {
	if err := s.guard(); err != nil {
		return nil, 0, err
	}

	where := "1=1"
	args := make([]any, 0, 3)
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.FlowType != "" {
		where += " AND flow_type = ?"
		args = append(args, filter.FlowType)
	}
	if filter.AgentType != "" {
		where += " AND agent_type = ?"
		args = append(args, filter.AgentType)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count sessions: %v", ErrStoreUnavailable, err)
	}

	query := `SELECT payload FROM sessions WHERE ` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: select sessions: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			return nil, 0, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, total, rows.Err()
}

// SaveQuote stores a new quote. The unique index on
// (session_id, vendor_id, idem_key) turns a retried delivery into
// ErrDuplicateQuote.
func (s *SQLiteStore) SaveQuote(ctx context.Context, q *Quote) error {
	if err := s.guard(); err != nil {
		return err
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}

	// Empty keys become NULL so unkeyed quotes never collide.
	var idemKey any
	if q.IdempotencyKey != "" {
		idemKey = q.IdempotencyKey
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quotes (id, session_id, vendor_id, idem_key, payload) VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.SessionID, q.VendorID, idemKey, string(payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateQuote
		}
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

// LoadQuote retrieves a quote by ID.
func (s *SQLiteStore) LoadQuote(ctx context.Context, quoteID string) (*Quote, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM quotes WHERE id = ?`, quoteID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select quote: %v", ErrStoreUnavailable, err)
	}

	var q Quote
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	return &q, nil
}

// UpdateQuote applies mutate inside a transaction under the writer lock.
func (s *SQLiteStore) UpdateQuote(ctx context.Context, quoteID string, mutate func(*Quote) error) (*Quote, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM quotes WHERE id = ?`, quoteID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select quote: %v", ErrStoreUnavailable, err)
	}

	var q Quote
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	if err := mutate(&q); err != nil {
		return nil, err
	}

	next, err := json.Marshal(&q)
	if err != nil {
		return nil, fmt.Errorf("marshal quote: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE quotes SET payload = ? WHERE id = ?`, string(next), quoteID); err != nil {
		return nil, fmt.Errorf("update quote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &q, nil
}

// ListQuotes returns all quotes for a session.
func (s *SQLiteStore) ListQuotes(ctx context.Context, sessionID string) ([]*Quote, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM quotes WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: select quotes: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	quotes := make([]*Quote, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		var q Quote
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			return nil, fmt.Errorf("unmarshal quote: %w", err)
		}
		quotes = append(quotes, &q)
	}
	return quotes, rows.Err()
}

// FindQuoteByKey locates a previously ingested quote by idempotency key.
func (s *SQLiteStore) FindQuoteByKey(ctx context.Context, sessionID, vendorID, idempotencyKey string) (*Quote, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM quotes WHERE session_id = ? AND vendor_id = ? AND idem_key = ?`,
		sessionID, vendorID, idempotencyKey,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find quote: %v", ErrStoreUnavailable, err)
	}

	var q Quote
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	return &q, nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
