// Package nodes adapts the session state machine to the workflow graph: one
// pipeline.Node implementation per phase, each a thin wrapper around the
// sub-agent driver that returns a state delta and, where the phase itself
// is not the decision point, an explicit route. Routing logic between
// phases lives in the edges registered by the orchestrator, never here.
package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/agentpipeline/identity"
	"github.com/dshills/agentpipeline/pipeline"
	"github.com/dshills/agentpipeline/session"
	"github.com/dshills/agentpipeline/subagent"
)

// PromptBuilder renders the prompt text for a profile from the current
// session. Template rendering lives outside this package, per the corpus's
// opaque-templating collaborator pattern; node handlers only know the
// profile, the rendered text, and the working directory.
type PromptBuilder func(s session.Session) string

// Config wires a Driver and a per-phase PromptBuilder into the concrete node
// implementations below.
type Config struct {
	Driver  *subagent.Driver
	Timeout time.Duration

	PMPrompt   PromptBuilder
	ArchPrompt PromptBuilder
	EngPrompt  PromptBuilder
	QAPrompt   PromptBuilder
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Minute
	}
	return c.Timeout
}

// fail builds the delta + route pair applied when a driver call returns an
// eager error (AgentBinaryNotFound, UsageLimitExceeded) or an unsuccessful
// result (AgentFailure): append the error, transition to failed.
func fail(s session.Session, agent string, msg string, elapsed time.Duration) pipeline.NodeResult[session.Session] {
	next, err := session.Transition(s, session.PhaseFailed, true)
	if err != nil {
		// Already failed or terminal; carry on with the untransitioned state
		// so the caller still observes the error.
		next = s
	}
	next = session.LogExecution(next, agent, session.ExecutionResult{
		Outcome:        session.OutcomeFailed,
		ElapsedSeconds: elapsed.Seconds(),
		Error:          msg,
	})
	return pipeline.NodeResult[session.Session]{Delta: next, Route: pipeline.Stop()}
}

// PM is the pm node: drafts the PRD and advances to arch on success.
func PM(cfg Config) pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(ctx context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		prompt := ""
		if cfg.PMPrompt != nil {
			prompt = cfg.PMPrompt(s)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()

		result, err := cfg.Driver.Invoke(callCtx, subagent.Input{
			Profile: identity.ProfilePM, Prompt: prompt, WorkDir: s.WorkDir, SessionID: s.ID,
		})
		if err != nil {
			return fail(s, "pm", err.Error(), 0)
		}
		if !result.Success {
			return fail(s, "pm", fmt.Sprintf("pm agent exited %d: %s", result.ExitCode, result.Stderr), result.Elapsed)
		}

		pathPRD := firstOrEmpty(result.ArtifactsCreated)
		patched := session.Update(s, session.Patch{PathPRD: &pathPRD})
		patched = session.LogExecution(patched, "pm", session.ExecutionResult{
			Outcome: session.OutcomeCompleted, ElapsedSeconds: result.Elapsed.Seconds(),
			TokensInputEst: result.TokensInputEst, TokensOutputEst: result.TokensOutputEst,
			ArtifactsCreated: result.ArtifactsCreated,
		})
		next, err := session.Transition(patched, session.PhaseArch, true)
		if err != nil {
			return fail(s, "pm", err.Error(), result.Elapsed)
		}
		return pipeline.NodeResult[session.Session]{Delta: next, Route: pipeline.Goto(string(session.PhaseArch))}
	})
}

// Architect is the arch node: drafts the technical spec and scaffold script,
// then advances to the human approval gate.
func Architect(cfg Config) pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(ctx context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		prompt := ""
		if cfg.ArchPrompt != nil {
			prompt = cfg.ArchPrompt(s)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()

		result, err := cfg.Driver.Invoke(callCtx, subagent.Input{
			Profile: identity.ProfileArch, Prompt: prompt, WorkDir: s.WorkDir, SessionID: s.ID,
		})
		if err != nil {
			return fail(s, "arch", err.Error(), 0)
		}
		if !result.Success {
			return fail(s, "arch", fmt.Sprintf("arch agent exited %d: %s", result.ExitCode, result.Stderr), result.Elapsed)
		}

		techSpec, scaffold := splitTwo(result.ArtifactsCreated)
		patched := session.Update(s, session.Patch{PathTechSpec: &techSpec, PathScaffoldScript: &scaffold})
		patched = session.LogExecution(patched, "arch", session.ExecutionResult{
			Outcome: session.OutcomeCompleted, ElapsedSeconds: result.Elapsed.Seconds(),
			TokensInputEst: result.TokensInputEst, TokensOutputEst: result.TokensOutputEst,
			ArtifactsCreated: result.ArtifactsCreated,
		})
		next, err := session.Transition(patched, session.PhaseHumanGate, true)
		if err != nil {
			return fail(s, "arch", err.Error(), result.Elapsed)
		}
		return pipeline.NodeResult[session.Session]{Delta: next, Route: pipeline.Goto(string(session.PhaseHumanGate))}
	})
}

// HumanGate is the identity node marking the suspension site between arch
// and eng. The graph interrupts here; the façade resumes it by patching
// Decision (and RejectTarget) once a human has responded.
func HumanGate() pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(_ context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		return pipeline.NodeResult[session.Session]{Delta: s, Interrupt: true}
	})
}

// Engineer is the eng node: implements against the tech spec and harvests
// the files it created, then advances to qa.
func Engineer(cfg Config) pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(ctx context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		prompt := ""
		if cfg.EngPrompt != nil {
			prompt = cfg.EngPrompt(s)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()

		result, err := cfg.Driver.Invoke(callCtx, subagent.Input{
			Profile: identity.ProfileEng, Prompt: prompt, WorkDir: s.WorkDir, SessionID: s.ID,
		})
		if err != nil {
			return fail(s, "eng", err.Error(), 0)
		}
		if !result.Success {
			return fail(s, "eng", fmt.Sprintf("eng agent exited %d: %s", result.ExitCode, result.Stderr), result.Elapsed)
		}

		patched := session.LogExecution(s, "eng", session.ExecutionResult{
			Outcome: session.OutcomeCompleted, ElapsedSeconds: result.Elapsed.Seconds(),
			TokensInputEst: result.TokensInputEst, TokensOutputEst: result.TokensOutputEst,
			ArtifactsCreated: result.ArtifactsCreated,
		})
		next, err := session.Transition(patched, session.PhaseQA, true)
		if err != nil {
			return fail(s, "eng", err.Error(), result.Elapsed)
		}
		return pipeline.NodeResult[session.Session]{Delta: next, Route: pipeline.Goto(string(session.PhaseQA))}
	})
}

// QA is the qa node: runs the test suite via the QA profile and records
// pass/fail, but never selects a successor — the conditional edges
// registered by the orchestrator do that based on QAPassed and the
// iteration budget.
func QA(cfg Config) pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(ctx context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		prompt := ""
		if cfg.QAPrompt != nil {
			prompt = cfg.QAPrompt(s)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()

		result, err := cfg.Driver.Invoke(callCtx, subagent.Input{
			Profile: identity.ProfileQA, Prompt: prompt, WorkDir: s.WorkDir, SessionID: s.ID,
		})
		if err != nil {
			return fail(s, "qa", err.Error(), 0)
		}
		if !result.Success {
			return fail(s, "qa", fmt.Sprintf("qa agent exited %d: %s", result.ExitCode, result.Stderr), result.Elapsed)
		}

		passed := parseTestSummary(result.Stdout)
		bugReport := ""
		if !passed {
			bugReport = firstOrEmpty(result.ArtifactsCreated)
		}
		patched := session.Update(s, session.Patch{QAPassed: &passed, PathBugReport: &bugReport})
		patched = session.LogExecution(patched, "qa", session.ExecutionResult{
			Outcome: session.OutcomeCompleted, ElapsedSeconds: result.Elapsed.Seconds(),
			TokensInputEst: result.TokensInputEst, TokensOutputEst: result.TokensOutputEst,
			ArtifactsCreated: result.ArtifactsCreated,
		})

		// QA never picks its own successor node (the conditional edges do),
		// but it does record which phase the budget/outcome leads to, since
		// current_phase is ordinary session state like any other field.
		var target session.Phase
		switch {
		case passed:
			target = session.PhaseComplete
		default:
			patched = session.IncrementIteration(patched)
			if patched.IterationCount >= patched.MaxIterations {
				target = session.PhaseHumanHelp
			} else {
				target = session.PhaseEng
			}
		}
		next, err := session.Transition(patched, target, true)
		if err != nil {
			return fail(s, "qa", err.Error(), result.Elapsed)
		}
		return pipeline.NodeResult[session.Session]{Delta: next}
	})
}

// HumanHelp is the identity, graph-terminal node reached when the repair
// loop exhausts its iteration budget.
func HumanHelp() pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(_ context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		return pipeline.NodeResult[session.Session]{Delta: s, Route: pipeline.Stop()}
	})
}

func firstOrEmpty(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func splitTwo(paths []string) (first, second string) {
	if len(paths) > 0 {
		first = paths[0]
	}
	if len(paths) > 1 {
		second = paths[1]
	}
	return first, second
}

// parseTestSummary interprets the QA agent's structured stdout. It looks for
// a trailing "PASS"/"FAIL" marker line, defaulting to failed when absent so
// an ambiguous result never silently advances the pipeline.
func parseTestSummary(stdout string) bool {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		switch strings.TrimSpace(lines[i]) {
		case "PASS":
			return true
		case "FAIL":
			return false
		}
	}
	return false
}
