package orchestrator

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/agentpipeline/checkpoint"
	"github.com/dshills/agentpipeline/identity"
	"github.com/dshills/agentpipeline/nodes"
	"github.com/dshills/agentpipeline/session"
	"github.com/dshills/agentpipeline/sessionstore"
	"github.com/dshills/agentpipeline/subagent"
)

// stubScript drives every profile from a single shell script branching on
// CLAUDE_PROFILE, so the end-to-end tests can exercise the full waterfall
// plus a deterministic two-round QA repair loop without a real agent binary.
const stubScript = `
case "$CLAUDE_PROFILE" in
  pm)
    echo "Created: prd.md"
    printf '# PRD' > prd.md
    ;;
  arch)
    echo "Created: tech_spec.md"
    printf '# spec' > tech_spec.md
    echo "Created: scaffold.sh"
    printf '#!/bin/sh' > scaffold.sh
    ;;
  eng)
    echo "Created: main.go"
    printf 'package main' > main.go
    ;;
  qa)
    count=0
    if [ -f qa_count ]; then count=$(cat qa_count); fi
    if [ "$count" -ge 2 ]; then
      echo PASS
    else
      echo "Created: bugs.md"
      printf '# bugs' > bugs.md
      echo $((count+1)) > qa_count
      echo FAIL
    fi
    ;;
esac
`

func newTestFacade(t *testing.T, cpPath, storePath string) (*Facade, string) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	idm, err := identity.NewManager(t.TempDir(), "")
	if err != nil {
		t.Fatalf("identity.NewManager: %v", err)
	}
	driver := subagent.NewDriver(idm)
	driver.BinaryPath = "sh"
	driver.CommandRunner = func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", stubScript)
	}

	cp, err := checkpoint.NewSQLiteCheckpointer(cpPath)
	if err != nil {
		t.Fatalf("NewSQLiteCheckpointer: %v", err)
	}
	t.Cleanup(func() { _ = cp.Close() })

	store, err := sessionstore.Open(storePath)
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	workRoot := t.TempDir()
	facade, err := New(Config{
		Store: store, Checkpointer: cp,
		Nodes:         nodes.Config{Driver: driver, Timeout: 5 * time.Second},
		WorkRoot:      workRoot,
		TTL:           time.Hour,
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return facade, workRoot
}

func TestStartNewSession_ReachesHumanGate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))

	id, err := f.StartNewSession(ctx, "Build a task tracking app", "")
	if err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}

	info, err := f.GetSessionStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetSessionStatus: %v", err)
	}
	if info.Status != sessionstore.StatusAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s (phase %s)", info.Status, info.CurrentPhase)
	}
	if info.CurrentPhase != session.PhaseHumanGate {
		t.Fatalf("expected phase human_gate, got %s", info.CurrentPhase)
	}

	arts, err := f.GetArtifacts(ctx, id)
	if err != nil {
		t.Fatalf("GetArtifacts: %v", err)
	}
	if arts.PRD == "" || arts.TechSpec == "" || arts.Scaffold == "" {
		t.Fatalf("expected prd/tech_spec/scaffold artifacts populated, got %+v", arts)
	}
}

func TestDeriveProjectName(t *testing.T) {
	cases := map[string]string{
		"Build a Task Tracking App": "build_a_task",
		"":                          "project",
		"Ship!!":                    "ship",
	}
	for mission, want := range cases {
		if got := deriveProjectName(mission); got != want {
			t.Errorf("deriveProjectName(%q) = %q, want %q", mission, got, want)
		}
	}
}

func TestApproveAndContinue_CompletesAfterRepairLoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))

	id, err := f.StartNewSession(ctx, "Build a task tracking app", "")
	if err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}

	info, err := f.ApproveAndContinue(ctx, id)
	if err != nil {
		t.Fatalf("ApproveAndContinue: %v", err)
	}
	if info.Status != sessionstore.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (phase %s)", info.Status, info.CurrentPhase)
	}
	if !info.QAPassed {
		t.Fatal("expected qa_passed=true")
	}
	if info.IterationCount != 2 {
		t.Fatalf("expected 2 repair iterations before pass, got %d", info.IterationCount)
	}

	approvals, rejections := f.Metrics()
	if approvals != 1 || rejections != 0 {
		t.Fatalf("expected approvals=1 rejections=0, got %d/%d", approvals, rejections)
	}
}

func TestRejectAndIterate_ReturnsToHumanGateViaArch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))

	id, err := f.StartNewSession(ctx, "Build a task tracking app", "")
	if err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}

	info, err := f.RejectAndIterate(ctx, id, "tighten the data model", session.PhaseArch)
	if err != nil {
		t.Fatalf("RejectAndIterate: %v", err)
	}
	if info.Status != sessionstore.StatusAwaitingApproval {
		t.Fatalf("expected back at AWAITING_APPROVAL after arch reruns, got %s", info.Status)
	}

	st, err := f.store.GetState(ctx, id)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(st.ArchitecturalFeedback) != 1 || st.ArchitecturalFeedback[0] != "tighten the data model" {
		t.Fatalf("expected feedback recorded, got %+v", st.ArchitecturalFeedback)
	}

	_, rejections := f.Metrics()
	if rejections != 1 {
		t.Fatalf("expected rejections=1, got %d", rejections)
	}
}

func TestApproveAndContinue_RejectsWhenNotAwaitingApproval(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))

	if _, err := f.ApproveAndContinue(ctx, "no-such-session"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestExportImportSession_RoundTrips(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))

	id, err := f.StartNewSession(ctx, "Build a task tracking app", "")
	if err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}

	exportPath := filepath.Join(dir, "export.json")
	if err := f.ExportSession(ctx, id, exportPath); err != nil {
		t.Fatalf("ExportSession: %v", err)
	}

	newID, err := f.ImportSession(ctx, exportPath)
	if err != nil {
		t.Fatalf("ImportSession: %v", err)
	}
	if newID != id {
		t.Fatalf("expected re-imported id to match original, got %s vs %s", newID, id)
	}

	info, err := f.GetSessionStatus(ctx, newID)
	if err != nil {
		t.Fatalf("GetSessionStatus after import: %v", err)
	}
	if info.CurrentPhase != session.PhaseHumanGate {
		t.Fatalf("expected imported session to retain phase human_gate, got %s", info.CurrentPhase)
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, _ := newTestFacade(t, filepath.Join(dir, "cp.db"), filepath.Join(dir, "store.db"))

	id1, _ := f.StartNewSession(ctx, "Build a task tracking app", "")
	id2, _ := f.StartNewSession(ctx, "Build a billing service", "")

	all, err := f.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	if err := f.DeleteSession(ctx, id1); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	remaining, err := f.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListSessions after delete: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != id2 {
		t.Fatalf("expected only %s remaining, got %+v", id2, remaining)
	}
}

// TestCrashResume_FacadeRebuildContinuesFromCheckpoint rebuilds a fresh
// Facade over the same on-disk checkpoint/session-store files, simulating a
// process restart between StartNewSession and ApproveAndContinue.
func TestCrashResume_FacadeRebuildContinuesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "cp.db")
	storePath := filepath.Join(dir, "store.db")

	f1, _ := newTestFacade(t, cpPath, storePath)
	id, err := f1.StartNewSession(ctx, "Build a task tracking app", "")
	if err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}
	// Close the first facade's underlying handles before reopening the same files.
	_ = f1.cp.Close()
	_ = f1.store.Close()

	f2, _ := newTestFacade(t, cpPath, storePath)
	info, err := f2.ApproveAndContinue(ctx, id)
	if err != nil {
		t.Fatalf("ApproveAndContinue after restart: %v", err)
	}
	if info.Status != sessionstore.StatusCompleted {
		t.Fatalf("expected COMPLETED after restart-resume, got %s", info.Status)
	}
}
