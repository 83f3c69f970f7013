package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLCheckpointer is a MySQL/MariaDB-backed Checkpointer, for production
// deployments that want a shared server instead of a single SQLite file.
// It satisfies the same Checkpointer interface as SQLiteCheckpointer — the
// design note in spec.md §9 ("accept any other backend that conforms") means
// callers can swap backends without touching pipeline or orchestrator code.
type MySQLCheckpointer struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLCheckpointer opens a MySQL-backed checkpointer using dsn, e.g.
// "user:pass@tcp(127.0.0.1:3306)/agentpipeline?parseTime=true".
func NewMySQLCheckpointer(dsn string) (*MySQLCheckpointer, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: ping mysql: %w", err)
	}

	c := &MySQLCheckpointer{db: db}
	if err := c.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *MySQLCheckpointer) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(191) NOT NULL,
			checkpoint_ns VARCHAR(191) NOT NULL,
			checkpoint_id VARCHAR(191) NOT NULL,
			checkpoint_type VARCHAR(64) NOT NULL,
			checkpoint_blob LONGBLOB NOT NULL,
			metadata_type VARCHAR(64) NOT NULL,
			metadata_blob LONGBLOB NOT NULL,
			parent_checkpoint_id VARCHAR(191),
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uniq_checkpoint (thread_id, checkpoint_ns, checkpoint_id),
			KEY idx_thread_ns (thread_id, checkpoint_ns, seq)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS writes (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(191) NOT NULL,
			checkpoint_ns VARCHAR(191) NOT NULL,
			checkpoint_id VARCHAR(191) NOT NULL,
			task_id VARCHAR(191) NOT NULL,
			write_idx INT NOT NULL,
			channel VARCHAR(191) NOT NULL,
			value_type VARCHAR(64) NOT NULL,
			value_blob LONGBLOB NOT NULL,
			task_path VARCHAR(512),
			UNIQUE KEY uniq_write (thread_id, checkpoint_ns, checkpoint_id, task_id, write_idx)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint: create mysql schema: %w", err)
		}
	}
	return nil
}

func (c *MySQLCheckpointer) checkClosed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("checkpoint: store is closed")
	}
	return nil
}

// GetTuple implements Checkpointer.
func (c *MySQLCheckpointer) GetTuple(ctx context.Context, cfg Config) (Checkpoint, []Write, error) {
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

	var cp Checkpoint
	var parent sql.NullString
	var createdAt time.Time
	err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &cp.TypeTag, &cp.Bytes,
		&cp.Metadata.TypeTag, &cp.Metadata.Bytes, &parent, &createdAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, nil, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: get tuple: %w", err)
	}
	cp.ParentID = parent.String
	cp.CreatedAt = createdAt

	rows, err := c.db.QueryContext(ctx, `
		SELECT task_id, write_idx, channel, value_type, value_blob, task_path
		FROM writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, write_idx`, cp.ThreadID, cp.Namespace, cp.CheckpointID)
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: load writes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var writes []Write
	for rows.Next() {
		var w Write
		var taskPath sql.NullString
		if err := rows.Scan(&w.TaskID, &w.WriteIdx, &w.Channel, &w.TypeTag, &w.Bytes, &taskPath); err != nil {
			return Checkpoint{}, nil, fmt.Errorf("checkpoint: scan write: %w", err)
		}
		w.TaskPath = taskPath.String
		writes = append(writes, w)
	}
	return cp, writes, rows.Err()
}

// List implements Checkpointer.
func (c *MySQLCheckpointer) List(ctx context.Context, cfg Config, filter Filter, before string, limit int) ([]Checkpoint, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	query := `
		SELECT thread_id, checkpoint_ns, checkpoint_id, checkpoint_type, checkpoint_blob,
		       metadata_type, metadata_blob, parent_checkpoint_id, created_at
		FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []interface{}{cfg.ThreadID, cfg.Namespace}

	if before != "" {
		query += ` AND seq < (SELECT seq FROM (SELECT seq FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?) t)`
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
		var createdAt time.Time
		if err := rows.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &cp.TypeTag, &cp.Bytes,
			&cp.Metadata.TypeTag, &cp.Metadata.Bytes, &parent, &createdAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan list row: %w", err)
		}
		cp.ParentID = parent.String
		cp.CreatedAt = createdAt
		if matchesFilter(cp.Metadata, filter) {
			out = append(out, cp)
		}
	}
	return out, rows.Err()
}

// Put implements Checkpointer.
func (c *MySQLCheckpointer) Put(ctx context.Context, cfg Config, cp Checkpoint, _ map[string]string) (Config, error) {
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
		ON DUPLICATE KEY UPDATE
			checkpoint_type = VALUES(checkpoint_type),
			checkpoint_blob = VALUES(checkpoint_blob),
			metadata_type = VALUES(metadata_type),
			metadata_blob = VALUES(metadata_blob),
			parent_checkpoint_id = VALUES(parent_checkpoint_id)`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.TypeTag, cp.Bytes,
		cp.Metadata.TypeTag, cp.Metadata.Bytes, cp.ParentID, cp.CreatedAt)
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: put: %w", err)
	}
	return Config{ThreadID: cp.ThreadID, Namespace: cp.Namespace, CheckpointID: cp.CheckpointID}, nil
}

// PutWrites implements Checkpointer.
func (c *MySQLCheckpointer) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID, taskPath string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	for _, w := range writes {
		_, err := c.db.ExecContext(ctx, `
			INSERT IGNORE INTO writes
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
func (c *MySQLCheckpointer) DeleteThread(ctx context.Context, threadID string) error {
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
func (c *MySQLCheckpointer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
