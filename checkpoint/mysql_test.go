package checkpoint

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestMySQLCheckpointer_Integration exercises MySQLCheckpointer against a
// real MySQL/MariaDB server.
//
// Prerequisites:
//   - A MySQL server reachable from this process.
//   - TEST_MYSQL_DSN set to a DSN for a database the test user can create
//     tables in, e.g. "user:pass@tcp(127.0.0.1:3306)/agentpipeline_test?parseTime=true".
//
// To run:
//
//	export TEST_MYSQL_DSN="user:pass@tcp(127.0.0.1:3306)/agentpipeline_test?parseTime=true"
//	go test -v -run TestMySQLCheckpointer_Integration ./checkpoint
func TestMySQLCheckpointer_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skipping MySQL integration test: set TEST_MYSQL_DSN to run")
	}

	ctx := context.Background()
	c, err := NewMySQLCheckpointer(dsn)
	if err != nil {
		t.Fatalf("NewMySQLCheckpointer: %v", err)
	}
	defer func() { _ = c.Close() }()

	threadID := fmt.Sprintf("integration-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = c.DeleteThread(ctx, threadID) })

	cfg := Config{ThreadID: threadID}
	cp := Checkpoint{
		CheckpointID: "ckpt-1",
		TypeTag:      "json",
		Bytes:        []byte(`{"phase":"human_gate"}`),
		Metadata:     Metadata{TypeTag: "json", Bytes: []byte(`{"node":"human_gate"}`)},
	}

	newCfg, err := c.Put(ctx, cfg, cp, nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	writes := []Write{
		{Channel: "state", TypeTag: "json", Bytes: []byte(`{}`), WriteIdx: 0},
		{Channel: "state", TypeTag: "json", Bytes: []byte(`{}`), WriteIdx: 1},
	}
	if err := c.PutWrites(ctx, newCfg, writes, "task-1", "human_gate"); err != nil {
		t.Fatalf("PutWrites: %v", err)
	}

	got, gotWrites, err := c.GetTuple(ctx, Config{ThreadID: threadID})
	if err != nil {
		t.Fatalf("GetTuple: %v", err)
	}
	if string(got.Bytes) != string(cp.Bytes) {
		t.Fatalf("checkpoint bytes mismatch: got %s", got.Bytes)
	}
	if len(gotWrites) != 2 {
		t.Fatalf("expected 2 pending writes, got %d", len(gotWrites))
	}

	list, err := c.List(ctx, cfg, nil, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].CheckpointID != "ckpt-1" {
		t.Fatalf("unexpected list result: %+v", list)
	}

	if err := c.DeleteThread(ctx, threadID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, _, err := c.GetTuple(ctx, Config{ThreadID: threadID}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
