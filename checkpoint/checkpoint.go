// Package checkpoint provides a durable, crash-safe store for workflow
// runtime state keyed by (thread, namespace, checkpoint id), plus a
// per-checkpoint pending-writes log used for idempotent replay.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested thread or checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// Config addresses a single (thread, namespace[, checkpoint]) triple.
// Omitting CheckpointID means "the latest checkpoint for this thread".
type Config struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Metadata is opaque, serde-tagged side information stored alongside a
// checkpoint (e.g. the node that produced it, a source tag).
type Metadata struct {
	TypeTag string
	Bytes   []byte
}

// Checkpoint is an opaque serialized snapshot of the full graph runtime
// state for one session at one step.
type Checkpoint struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	ParentID     string
	TypeTag      string
	Bytes        []byte
	Metadata     Metadata
	CreatedAt    time.Time
}

// Write is one (channel, serialized value) tuple produced by a node task
// but not yet merged into a committed checkpoint.
type Write struct {
	Channel   string
	TypeTag   string
	Bytes     []byte
	TaskID    string
	TaskPath  string
	WriteIdx  int
}

// Filter is an AND of exact-match metadata keys used by List.
type Filter map[string]string

// Checkpointer is the durable store for workflow runtime state. All
// operations are keyed by (thread_id, namespace, checkpoint_id?).
type Checkpointer interface {
	// GetTuple returns the checkpoint addressed by cfg (or the latest one
	// for the thread/namespace if cfg.CheckpointID is empty), along with
	// its pending writes and parent checkpoint id. Returns ErrNotFound if
	// no matching checkpoint exists.
	GetTuple(ctx context.Context, cfg Config) (cp Checkpoint, writes []Write, err error)

	// List returns checkpoints for cfg.ThreadID/cfg.Namespace, newest first.
	// before, if non-empty, is a strict upper bound on checkpoint id. filter
	// is ANDed against stored metadata. limit<=0 means unbounded.
	List(ctx context.Context, cfg Config, filter Filter, before string, limit int) ([]Checkpoint, error)

	// Put writes a new checkpoint row and returns a Config pointing at it.
	Put(ctx context.Context, cfg Config, cp Checkpoint, newChannelVersions map[string]string) (Config, error)

	// PutWrites appends pending writes for a checkpoint/task. A write for
	// (thread, ns, ckpt, task, writeIdx) that already exists with a
	// non-negative index is discarded (idempotent replay).
	PutWrites(ctx context.Context, cfg Config, writes []Write, taskID, taskPath string) error

	// DeleteThread removes all checkpoints and pending writes for threadID.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases any resources (database handles) held by the checkpointer.
	Close() error
}
