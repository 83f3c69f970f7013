package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCheckpointer is a SQLite-backed Checkpointer.
//
// It stores checkpoints and pending writes in a single-file database using
// WAL mode for concurrent reads, mirroring the teacher's SQLiteStore: one
// writer connection, a busy_timeout pragma to absorb lock contention, and
// manual CREATE TABLE IF NOT EXISTS migrations run once at open time.
type SQLiteCheckpointer struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteCheckpointer opens (creating if necessary) a SQLite-backed
// checkpointer at path. Use ":memory:" for an ephemeral, test-only store.
func NewSQLiteCheckpointer(path string) (*SQLiteCheckpointer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
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
			return nil, fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}

	c := &SQLiteCheckpointer{db: db}
	if err := c.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCheckpointer) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL,
			checkpoint_blob BLOB NOT NULL,
			metadata_type TEXT NOT NULL,
			metadata_blob BLOB NOT NULL,
			parent_checkpoint_id TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(thread_id, checkpoint_ns, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_ns ON checkpoints(thread_id, checkpoint_ns, seq)`,
		`CREATE TABLE IF NOT EXISTS writes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			write_idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value_type TEXT NOT NULL,
			value_blob BLOB NOT NULL,
			task_path TEXT,
			UNIQUE(thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_writes_lookup ON writes(thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint: create schema: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCheckpointer) checkClosed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("checkpoint: store is closed")
	}
	return nil
}

// GetTuple implements Checkpointer.
func (c *SQLiteCheckpointer) GetTuple(ctx context.Context, cfg Config) (Checkpoint, []Write, error) {
	if err := c.checkClosed(); err != nil {
		return Checkpoint{}, nil, err
	}

	var row *sql.Row
	if cfg.CheckpointID == "" {
		row = c.db.QueryRowContext(ctx, `
			SELECT thread_id, checkpoint_ns, checkpoint_id, checkpoint_type, checkpoint_blob,
			       metadata_type, metadata_blob, parent_checkpoint_id, created_at
			FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ?
			ORDER BY seq DESC LIMIT 1`, cfg.ThreadID, cfg.Namespace)
	} else {
		row = c.db.QueryRowContext(ctx, `
			SELECT thread_id, checkpoint_ns, checkpoint_id, checkpoint_type, checkpoint_blob,
			       metadata_type, metadata_blob, parent_checkpoint_id, created_at
			FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
			cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	}

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return Checkpoint{}, nil, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: get tuple: %w", err)
	}

	writes, err := c.loadWrites(ctx, cp.ThreadID, cp.Namespace, cp.CheckpointID)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	return cp, writes, nil
}

func scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var cp Checkpoint
	var parent sql.NullString
	var createdAt string
	err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &cp.TypeTag, &cp.Bytes,
		&cp.Metadata.TypeTag, &cp.Metadata.Bytes, &parent, &createdAt)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.ParentID = parent.String
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return cp, nil
}

func (c *SQLiteCheckpointer) loadWrites(ctx context.Context, threadID, ns, ckptID string) ([]Write, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT task_id, write_idx, channel, value_type, value_blob, task_path
		FROM writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, write_idx`, threadID, ns, ckptID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load writes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var writes []Write
	for rows.Next() {
		var w Write
		var taskPath sql.NullString
		if err := rows.Scan(&w.TaskID, &w.WriteIdx, &w.Channel, &w.TypeTag, &w.Bytes, &taskPath); err != nil {
			return nil, fmt.Errorf("checkpoint: scan write: %w", err)
		}
		w.TaskPath = taskPath.String
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// List implements Checkpointer.
func (c *SQLiteCheckpointer) List(ctx context.Context, cfg Config, filter Filter, before string, limit int) ([]Checkpoint, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_ns, checkpoint_id, checkpoint_type, checkpoint_blob,
		       metadata_type, metadata_blob, parent_checkpoint_id, created_at, seq
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []interface{}{cfg.ThreadID, cfg.Namespace}

	if before != "" {
		query += ` AND seq < (SELECT seq FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?)`
		args = append(args, cfg.ThreadID, cfg.Namespace, before)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var parent sql.NullString
		var createdAt string
		var seq int
		if err := rows.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &cp.TypeTag, &cp.Bytes,
			&cp.Metadata.TypeTag, &cp.Metadata.Bytes, &parent, &createdAt, &seq); err != nil {
			return nil, fmt.Errorf("checkpoint: scan list row: %w", err)
		}
		cp.ParentID = parent.String
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if matchesFilter(cp.Metadata, filter) {
			out = append(out, cp)
		}
	}
	return out, rows.Err()
}

func matchesFilter(md Metadata, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	var decoded map[string]string
	if err := json.Unmarshal(md.Bytes, &decoded); err != nil {
		return false
	}
	for k, v := range filter {
		if decoded[k] != v {
			return false
		}
	}
	return true
}

// Put implements Checkpointer. newChannelVersions is accepted for interface
// conformance but not persisted: this engine carries a single merged
// session-state channel, so there is no per-channel version vector to track.
func (c *SQLiteCheckpointer) Put(ctx context.Context, cfg Config, cp Checkpoint, _ map[string]string) (Config, error) {
	if err := c.checkClosed(); err != nil {
		return Config{}, err
	}

	cp.ThreadID = cfg.ThreadID
	cp.Namespace = cfg.Namespace
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(thread_id, checkpoint_ns, checkpoint_id, checkpoint_type, checkpoint_blob,
			 metadata_type, metadata_blob, parent_checkpoint_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			checkpoint_type = excluded.checkpoint_type,
			checkpoint_blob = excluded.checkpoint_blob,
			metadata_type = excluded.metadata_type,
			metadata_blob = excluded.metadata_blob,
			parent_checkpoint_id = excluded.parent_checkpoint_id`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.TypeTag, cp.Bytes,
		cp.Metadata.TypeTag, cp.Metadata.Bytes, cp.ParentID, cp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: put: %w", err)
	}

	return Config{ThreadID: cp.ThreadID, Namespace: cp.Namespace, CheckpointID: cp.CheckpointID}, nil
}

// PutWrites implements Checkpointer.
func (c *SQLiteCheckpointer) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID, taskPath string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	for _, w := range writes {
		_, err := c.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO writes
				(thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx, channel, value_type, value_blob, task_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.ThreadID, cfg.Namespace, cfg.CheckpointID, taskID, w.WriteIdx, w.Channel, w.TypeTag, w.Bytes, taskPath)
		if err != nil {
			return fmt.Errorf("checkpoint: put writes: %w", err)
		}
	}
	return nil
}

// DeleteThread implements Checkpointer.
func (c *SQLiteCheckpointer) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: delete thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint: delete thread writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("checkpoint: delete thread checkpoints: %w", err)
	}
	return tx.Commit()
}

// Close implements Checkpointer.
func (c *SQLiteCheckpointer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
