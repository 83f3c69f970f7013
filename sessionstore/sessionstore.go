// Package sessionstore keeps a denormalized, queryable view of every
// session: one row per session holding its status, phase, and serialized
// state, suitable for listing and status lookups without replaying the
// checkpoint log.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dshills/agentpipeline/session"
)

// Status is the denormalized, user-facing session status.
type Status string

// Statuses.
const (
	StatusPending          Status = "PENDING"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusExpired          Status = "EXPIRED"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("sessionstore: not found")

// Info is the denormalized row, excluding the full state blob.
type Info struct {
	ID             string
	Mission        string
	ProjectName    string
	Status         Status
	CurrentPhase   session.Phase
	WorkDir        string
	IterationCount int
	QAPassed       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusForPhase derives the denormalized status from a session's current
// phase, per the mapping in spec.md §4.6.
func StatusForPhase(p session.Phase) Status {
	switch p {
	case session.PhaseComplete:
		return StatusCompleted
	case session.PhaseFailed:
		return StatusFailed
	case session.PhaseHumanGate, session.PhaseHumanHelp:
		return StatusAwaitingApproval
	default:
		return StatusRunning
	}
}

// Store is a SQLite-backed denormalized session view.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// Open opens (creating if necessary) a SQLite-backed Store at path. Use
// ":memory:" for an ephemeral, test-only store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sessionstore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			mission TEXT NOT NULL,
			project_name TEXT NOT NULL,
			status TEXT NOT NULL,
			current_phase TEXT NOT NULL,
			iteration_count INTEGER NOT NULL,
			qa_passed INTEGER NOT NULL,
			work_dir TEXT NOT NULL,
			state_blob BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sessionstore: migrate: %w", err)
		}
	}
	return nil
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string { return uuid.NewString() }

// SaveSession upserts st under id, preserving the original created_at on
// update and always refreshing updated_at.
func (s *Store) SaveSession(ctx context.Context, id string, st session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := session.Serialize(st)
	if err != nil {
		return fmt.Errorf("sessionstore: serialize: %w", err)
	}
	status := StatusForPhase(st.CurrentPhase)
	now := time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, mission, project_name, status, current_phase, iteration_count, qa_passed, work_dir, state_blob, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mission = excluded.mission,
			project_name = excluded.project_name,
			status = excluded.status,
			current_phase = excluded.current_phase,
			iteration_count = excluded.iteration_count,
			qa_passed = excluded.qa_passed,
			work_dir = excluded.work_dir,
			state_blob = excluded.state_blob,
			updated_at = excluded.updated_at`,
		id, st.UserMission, st.ProjectName, string(status), string(st.CurrentPhase),
		st.IterationCount, boolToInt(st.QAPassed), st.WorkDir, blob, now, now)
	if err != nil {
		return fmt.Errorf("sessionstore: save: %w", err)
	}
	return nil
}

// GetSession returns the denormalized row for id.
func (s *Store) GetSession(ctx context.Context, id string) (Info, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mission, project_name, status, current_phase, iteration_count, qa_passed, work_dir, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var info Info
	var status, phase string
	var qaPassed int
	if err := row.Scan(&info.ID, &info.Mission, &info.ProjectName, &status, &phase,
		&info.IterationCount, &qaPassed, &info.WorkDir, &info.CreatedAt, &info.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("sessionstore: get: %w", err)
	}
	info.Status = Status(status)
	info.CurrentPhase = session.Phase(phase)
	info.QAPassed = qaPassed != 0
	return info, nil
}

// GetState returns the full serialized session for id.
func (s *Store) GetState(ctx context.Context, id string) (session.Session, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_blob FROM sessions WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("sessionstore: get state: %w", err)
	}
	return session.Deserialize(blob)
}

// UpdateStatus sets a session's denormalized status without touching its
// state blob.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("sessionstore: update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions matching status (all statuses if empty),
// newest-updated first, capped at limit (0 means unbounded).
func (s *Store) ListSessions(ctx context.Context, status Status, limit int) ([]Info, error) {
	query := `SELECT id, mission, project_name, status, current_phase, iteration_count, qa_passed, work_dir, created_at, updated_at FROM sessions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var st, phase string
		var qaPassed int
		if err := rows.Scan(&info.ID, &info.Mission, &info.ProjectName, &st, &phase,
			&info.IterationCount, &qaPassed, &info.WorkDir, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sessionstore: scan: %w", err)
		}
		info.Status = Status(st)
		info.CurrentPhase = session.Phase(phase)
		info.QAPassed = qaPassed != 0
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSession removes id's row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessionstore: delete: %w", err)
	}
	return nil
}

// CleanupExpired marks non-terminal sessions older than ttlDays as EXPIRED,
// then deletes sessions that were already EXPIRED before this run and are
// older than the cutoff — a deliberate two-step so observers see the
// terminal status at least once before the row disappears.
func (s *Store) CleanupExpired(ctx context.Context, ttlDays int) (markedExpired, deleted int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -ttlDays)

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE status NOT IN (?, ?, ?) AND updated_at < ?`,
		string(StatusExpired), time.Now(), string(StatusCompleted), string(StatusFailed), string(StatusExpired), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("sessionstore: mark expired: %w", err)
	}
	n, _ := res.RowsAffected()
	markedExpired = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE status = ? AND updated_at < ?`, string(StatusExpired), cutoff)
	if err != nil {
		return markedExpired, 0, fmt.Errorf("sessionstore: delete expired: %w", err)
	}
	n, _ = res.RowsAffected()
	return markedExpired, int(n), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
