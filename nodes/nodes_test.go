package nodes

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/agentpipeline/identity"
	"github.com/dshills/agentpipeline/session"
	"github.com/dshills/agentpipeline/subagent"
)

func newStubDriver(t *testing.T, script string) *subagent.Driver {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	idm, err := identity.NewManager(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	d := subagent.NewDriver(idm)
	d.BinaryPath = "sh"
	d.CommandRunner = func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	return d
}

func newSessionAt(t *testing.T, phase session.Phase, workDir string) session.Session {
	t.Helper()
	s, err := session.CreateInitial("Build a task app", "taskapp", workDir, 3)
	if err != nil {
		t.Fatalf("CreateInitial: %v", err)
	}
	if phase != session.PhasePM {
		s.CurrentPhase = phase
		s.PathPRD = "prd.md"
	}
	return s
}

func TestPM_SuccessAdvancesToArch(t *testing.T) {
	workDir := t.TempDir()
	_ = os.WriteFile(filepath.Join(workDir, "prd.md"), []byte("# PRD"), 0o644)

	d := newStubDriver(t, "printf 'Created: prd.md\\n'")
	cfg := Config{Driver: d, Timeout: time.Second}
	node := PM(cfg)

	s := newSessionAt(t, session.PhasePM, workDir)
	result := node.Run(context.Background(), s)
	if result.Err != nil {
		t.Fatalf("unexpected node error: %v", result.Err)
	}
	if result.Delta.CurrentPhase != session.PhaseArch {
		t.Fatalf("expected phase arch, got %s", result.Delta.CurrentPhase)
	}
	if result.Delta.PathPRD == "" {
		t.Fatal("expected path_prd to be set")
	}
	if result.Route.To != string(session.PhaseArch) {
		t.Fatalf("expected route to arch, got %+v", result.Route)
	}
}

func TestPM_FailureTransitionsToFailed(t *testing.T) {
	workDir := t.TempDir()
	d := newStubDriver(t, "echo boom 1>&2; exit 1")
	cfg := Config{Driver: d, Timeout: time.Second}
	node := PM(cfg)

	s := newSessionAt(t, session.PhasePM, workDir)
	result := node.Run(context.Background(), s)
	if result.Delta.CurrentPhase != session.PhaseFailed {
		t.Fatalf("expected phase failed, got %s", result.Delta.CurrentPhase)
	}
	if len(result.Delta.Errors) == 0 {
		t.Fatal("expected an error recorded")
	}
}

func TestHumanGate_Interrupts(t *testing.T) {
	s := newSessionAt(t, session.PhaseHumanGate, t.TempDir())
	result := HumanGate().Run(context.Background(), s)
	if !result.Interrupt {
		t.Fatal("expected human_gate to set Interrupt")
	}
	if result.Delta.CurrentPhase != session.PhaseHumanGate {
		t.Fatal("human_gate must be an identity function on state")
	}
}

func TestQA_PassSetsQAPassedNoRoute(t *testing.T) {
	workDir := t.TempDir()
	d := newStubDriver(t, "printf 'running tests...\\nPASS\\n'")
	cfg := Config{Driver: d, Timeout: time.Second}
	node := QA(cfg)

	s := newSessionAt(t, session.PhaseQA, workDir)
	result := node.Run(context.Background(), s)
	if result.Err != nil {
		t.Fatalf("unexpected node error: %v", result.Err)
	}
	if !result.Delta.QAPassed {
		t.Fatal("expected qa_passed=true")
	}
	if result.Route.To != "" || result.Route.Terminal {
		t.Fatalf("qa node must not select a successor, got %+v", result.Route)
	}
	if result.Delta.CurrentPhase != session.PhaseComplete {
		t.Fatalf("expected current_phase complete, got %s", result.Delta.CurrentPhase)
	}
}

func TestQA_FailRoutesToEngUnderBudget(t *testing.T) {
	workDir := t.TempDir()
	d := newStubDriver(t, "printf 'FAIL\\n'")
	cfg := Config{Driver: d, Timeout: time.Second}
	node := QA(cfg)

	s := newSessionAt(t, session.PhaseQA, workDir)
	s.MaxIterations = 5
	result := node.Run(context.Background(), s)
	if result.Delta.CurrentPhase != session.PhaseEng {
		t.Fatalf("expected repair loop back to eng, got %s", result.Delta.CurrentPhase)
	}
	if result.Delta.IterationCount != 1 {
		t.Fatalf("expected iteration_count 1, got %d", result.Delta.IterationCount)
	}
}

func TestQA_FailRoutesToHumanHelpAtBudget(t *testing.T) {
	workDir := t.TempDir()
	d := newStubDriver(t, "printf 'FAIL\\n'")
	cfg := Config{Driver: d, Timeout: time.Second}
	node := QA(cfg)

	s := newSessionAt(t, session.PhaseQA, workDir)
	s.MaxIterations = 1
	result := node.Run(context.Background(), s)
	if result.Delta.CurrentPhase != session.PhaseHumanHelp {
		t.Fatalf("expected human_help once budget is exhausted, got %s", result.Delta.CurrentPhase)
	}
}

func TestQA_FailSetsBugReport(t *testing.T) {
	workDir := t.TempDir()
	bugReport := filepath.Join(workDir, "bugs.md")
	_ = os.WriteFile(bugReport, []byte("# bugs"), 0o644)

	d := newStubDriver(t, "printf 'Created: bugs.md\\nFAIL\\n'")
	cfg := Config{Driver: d, Timeout: time.Second}
	node := QA(cfg)

	s := newSessionAt(t, session.PhaseQA, workDir)
	result := node.Run(context.Background(), s)
	if result.Delta.QAPassed {
		t.Fatal("expected qa_passed=false")
	}
	if result.Delta.PathBugReport == "" {
		t.Fatal("expected path_bug_report to be set")
	}
}

func TestHumanHelp_IsTerminal(t *testing.T) {
	s := newSessionAt(t, session.PhaseHumanHelp, t.TempDir())
	result := HumanHelp().Run(context.Background(), s)
	if !result.Route.Terminal {
		t.Fatal("expected human_help to be terminal")
	}
}
