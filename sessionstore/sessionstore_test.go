package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/agentpipeline/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	st, _ := session.CreateInitial("Build a task app", "taskapp", "/tmp/taskapp", 3)
	id := NewSessionID()
	if err := store.SaveSession(ctx, id, st); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	info, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if info.Status != StatusRunning {
		t.Fatalf("expected RUNNING for phase pm, got %s", info.Status)
	}

	got, err := store.GetState(ctx, id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.UserMission != st.UserMission {
		t.Fatalf("state round-trip mismatch: %+v", got)
	}
}

func TestSaveSession_PreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	st, _ := session.CreateInitial("Build a task app", "taskapp", "/tmp/x", 3)
	id := NewSessionID()

	if err := store.SaveSession(ctx, id, st); err != nil {
		t.Fatalf("first save: %v", err)
	}
	first, _ := store.GetSession(ctx, id)

	st.CurrentPhase = session.PhaseArch
	if err := store.SaveSession(ctx, id, st); err != nil {
		t.Fatalf("second save: %v", err)
	}
	second, _ := store.GetSession(ctx, id)

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected created_at preserved across updates: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestStatusForPhase(t *testing.T) {
	cases := map[session.Phase]Status{
		session.PhaseComplete:  StatusCompleted,
		session.PhaseFailed:    StatusFailed,
		session.PhaseHumanGate: StatusAwaitingApproval,
		session.PhaseHumanHelp: StatusAwaitingApproval,
		session.PhasePM:        StatusRunning,
		session.PhaseQA:        StatusRunning,
	}
	for phase, want := range cases {
		if got := StatusForPhase(phase); got != want {
			t.Errorf("StatusForPhase(%s) = %s, want %s", phase, got, want)
		}
	}
}

func TestListSessions_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mk := func(phase session.Phase) {
		st, _ := session.CreateInitial("m", "p", "/tmp", 3)
		st.CurrentPhase = phase
		_ = store.SaveSession(ctx, NewSessionID(), st)
	}
	mk(session.PhasePM)
	mk(session.PhaseComplete)
	mk(session.PhaseFailed)

	running, err := store.ListSessions(ctx, StatusRunning, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("expected 1 running session, got %d", len(running))
	}

	all, err := store.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions total, got %d", len(all))
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	st, _ := session.CreateInitial("m", "p", "/tmp", 3)
	id := NewSessionID()
	_ = store.SaveSession(ctx, id, st)

	if err := store.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCleanupExpired_TwoStep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	st, _ := session.CreateInitial("m", "p", "/tmp", 3)
	id := NewSessionID()
	_ = store.SaveSession(ctx, id, st)

	// Force updated_at into the past directly, bypassing SaveSession's "now".
	past := time.Now().AddDate(0, 0, -10)
	if _, err := store.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	marked, deleted, err := store.CleanupExpired(ctx, 1)
	if err != nil {
		t.Fatalf("CleanupExpired (round 1): %v", err)
	}
	if marked != 1 || deleted != 0 {
		t.Fatalf("round 1: expected 1 marked, 0 deleted, got %d/%d", marked, deleted)
	}
	info, err := store.GetSession(ctx, id)
	if err != nil || info.Status != StatusExpired {
		t.Fatalf("expected session marked EXPIRED, got %+v err=%v", info, err)
	}

	// Backdate the now-EXPIRED row again so the second cleanup pass deletes it.
	if _, err := store.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("backdate 2: %v", err)
	}
	marked, deleted, err = store.CleanupExpired(ctx, 1)
	if err != nil {
		t.Fatalf("CleanupExpired (round 2): %v", err)
	}
	if deleted != 1 {
		t.Fatalf("round 2: expected 1 deleted, got marked=%d deleted=%d", marked, deleted)
	}
	if _, err := store.GetSession(ctx, id); err != ErrNotFound {
		t.Fatalf("expected session removed, got err=%v", err)
	}
}
