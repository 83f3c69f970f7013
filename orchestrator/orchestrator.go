// Package orchestrator exposes the public façade over the workflow graph,
// session store, and checkpointer: the single entry point a CLI or HTTP
// front-end calls to start, inspect, and steer a pipeline session.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dshills/agentpipeline/checkpoint"
	"github.com/dshills/agentpipeline/nodes"
	"github.com/dshills/agentpipeline/pipeline"
	"github.com/dshills/agentpipeline/pipeline/emit"
	"github.com/dshills/agentpipeline/session"
	"github.com/dshills/agentpipeline/sessionstore"
)

// ErrorKind is a machine-readable taxonomy label for OrchestratorError,
// matching spec.md §7's error kinds.
type ErrorKind string

// Error kinds.
const (
	ErrKindInvalidInput     ErrorKind = "InvalidInput"
	ErrKindSessionNotFound  ErrorKind = "SessionNotFound"
	ErrKindSessionExpired   ErrorKind = "SessionExpired"
	ErrKindInvalidOperation ErrorKind = "InvalidOperation"
	ErrKindAgentUnavailable ErrorKind = "AgentUnavailable"
	ErrKindCheckpointIO     ErrorKind = "CheckpointIOError"
	ErrKindInternal         ErrorKind = "Internal"
)

// OrchestratorError wraps any failure surfaced by the façade with a kind
// tag, so CLI/HTTP front-ends can map it to an exit code or status code.
type OrchestratorError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *OrchestratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrchestratorError) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, msg string, cause error) *OrchestratorError {
	return &OrchestratorError{Kind: kind, Message: msg, Cause: cause}
}

// Config wires the collaborators the façade binds together.
type Config struct {
	Store        *sessionstore.Store
	Checkpointer checkpoint.Checkpointer
	Nodes        nodes.Config
	Emitter      emit.Emitter  // optional; defaults to a no-op emitter
	Metrics      *Metrics      // optional; nil disables counter increments
	WorkRoot     string        // parent directory under which per-session work dirs are created
	TTL          time.Duration // session idle TTL before getSessionStatus marks it EXPIRED
	MaxIterations int
}

// Facade is the orchestrator's public entry point.
type Facade struct {
	store        *sessionstore.Store
	cp           checkpoint.Checkpointer
	engine       *pipeline.Engine[session.Session]
	workRoot     string
	ttl          time.Duration
	maxIterations int
	metrics      *Metrics

	metricsMu sync.Mutex
	approvals int
	rejections int

	// sessionLocks enforces single-flight execution per session: only one
	// goroutine may advance a given session's graph at a time, matching the
	// "one lock per durable store" concurrency design.
	sessionLocks sync.Map // map[string]*sync.Mutex
}

// New builds a Facade and its backing workflow graph.
func New(cfg Config) (*Facade, error) {
	if cfg.Store == nil || cfg.Checkpointer == nil {
		return nil, newErr(ErrKindInternal, "store and checkpointer are required", nil)
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 3
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emit.NewNullEmitter()
	}
	engine, err := buildEngine(cfg.Nodes, cfg.Checkpointer, cfg.Emitter)
	if err != nil {
		return nil, newErr(ErrKindInternal, "failed to build workflow graph", err)
	}
	return &Facade{
		store: cfg.Store, cp: cfg.Checkpointer, engine: engine,
		workRoot: cfg.WorkRoot, ttl: cfg.TTL, maxIterations: cfg.MaxIterations,
		metrics: cfg.Metrics,
	}, nil
}

// lockSession returns the per-session mutex for id, creating it on first use.
func (f *Facade) lockSession(id string) func() {
	v, _ := f.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func onPhase(target session.Phase) pipeline.Predicate[session.Session] {
	return func(s session.Session) bool { return s.CurrentPhase == target }
}

// buildEngine registers the fixed pipeline topology: a linear waterfall with
// a human approval gate and a bounded QA/engineer repair loop.
func buildEngine(cfg nodes.Config, cp checkpoint.Checkpointer, emitter emit.Emitter) (*pipeline.Engine[session.Session], error) {
	reducer := func(_ session.Session, delta session.Session) session.Session { return delta }
	e := pipeline.New[session.Session](reducer, cp,
		pipeline.WithMaxSteps[session.Session](64),
		pipeline.WithEmitter[session.Session](emitter))

	register := []struct {
		id   string
		node pipeline.Node[session.Session]
	}{
		{string(session.PhasePM), nodes.PM(cfg)},
		{string(session.PhaseArch), nodes.Architect(cfg)},
		{string(session.PhaseHumanGate), nodes.HumanGate()},
		{string(session.PhaseEng), nodes.Engineer(cfg)},
		{string(session.PhaseQA), nodes.QA(cfg)},
		{string(session.PhaseHumanHelp), nodes.HumanHelp()},
	}
	for _, r := range register {
		if err := e.Add(r.id, r.node); err != nil {
			return nil, err
		}
	}
	// "complete" has no handler of its own: qa reaching it is the happy-path
	// terminus. Give it a synthetic sink node so the edge has a destination.
	if err := e.Add(string(session.PhaseComplete), terminalNode()); err != nil {
		return nil, err
	}

	edges := []struct{ from, to string }{
		{string(session.PhaseHumanGate), string(session.PhaseEng)},
		{string(session.PhaseHumanGate), string(session.PhaseArch)},
		{string(session.PhaseHumanGate), string(session.PhasePM)},
		{string(session.PhaseQA), string(session.PhaseComplete)},
		{string(session.PhaseQA), string(session.PhaseHumanHelp)},
		{string(session.PhaseQA), string(session.PhaseEng)},
	}
	for _, edge := range edges {
		if err := e.Connect(edge.from, edge.to, onPhase(session.Phase(edge.to))); err != nil {
			return nil, err
		}
	}

	if err := e.StartAt(string(session.PhasePM)); err != nil {
		return nil, err
	}
	return e, nil
}

func terminalNode() pipeline.Node[session.Session] {
	return pipeline.NodeFunc[session.Session](func(_ context.Context, s session.Session) pipeline.NodeResult[session.Session] {
		return pipeline.NodeResult[session.Session]{Delta: s, Route: pipeline.Stop()}
	})
}

var projectTokenPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// deriveProjectName builds a directory-safe project name from the first
// three tokens of mission, lower-cased, alphanumerics+underscore only,
// trimmed to 50 characters, defaulting to "project" if empty.
func deriveProjectName(mission string) string {
	fields := strings.Fields(mission)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	joined := strings.ToLower(strings.Join(fields, "_"))
	joined = projectTokenPattern.ReplaceAllString(joined, "")
	if len(joined) > 50 {
		joined = joined[:50]
	}
	if joined == "" {
		joined = "project"
	}
	return joined
}

// StartNewSession creates a fresh session for mission, runs it through the
// graph, and returns once it reaches human_gate (the expected suspension
// point) or a terminal state.
func (f *Facade) StartNewSession(ctx context.Context, mission, projectName string) (string, error) {
	if strings.TrimSpace(mission) == "" {
		return "", newErr(ErrKindInvalidInput, "mission must not be empty", nil)
	}
	if projectName == "" {
		projectName = deriveProjectName(mission)
	}

	id := sessionstore.NewSessionID()
	workDir := filepath.Join(f.workRoot, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", newErr(ErrKindInternal, "failed to create working directory", err)
	}

	initial, err := session.CreateInitial(mission, projectName, workDir, f.maxIterations)
	if err != nil {
		return "", newErr(ErrKindInvalidInput, "invalid session input", err)
	}
	initial.ID = id

	if err := f.store.SaveSession(ctx, id, initial); err != nil {
		return "", newErr(ErrKindInternal, "failed to persist initial session", err)
	}
	if f.metrics != nil {
		f.metrics.sessionsTotal.Inc()
	}

	unlock := f.lockSession(id)
	defer unlock()

	final, runErr := f.engine.Run(ctx, id, initial)
	if runErr != nil && !errors.Is(runErr, pipeline.ErrInterrupted) {
		return "", newErr(ErrKindInternal, "workflow graph execution failed", runErr)
	}
	if err := f.store.SaveSession(ctx, id, final); err != nil {
		return "", newErr(ErrKindInternal, "failed to persist session after run", err)
	}
	return id, nil
}

// GetSessionStatus reads id's denormalized row, flipping it to EXPIRED
// first if it is non-terminal and has been idle past the configured TTL.
func (f *Facade) GetSessionStatus(ctx context.Context, id string) (sessionstore.Info, error) {
	info, err := f.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return sessionstore.Info{}, newErr(ErrKindSessionNotFound, id, err)
		}
		return sessionstore.Info{}, newErr(ErrKindInternal, "failed to read session", err)
	}

	terminal := info.Status == sessionstore.StatusCompleted || info.Status == sessionstore.StatusFailed || info.Status == sessionstore.StatusExpired
	if !terminal && f.ttl > 0 && time.Since(info.UpdatedAt) > f.ttl {
		if err := f.store.UpdateStatus(ctx, id, sessionstore.StatusExpired); err != nil {
			return sessionstore.Info{}, newErr(ErrKindInternal, "failed to mark session expired", err)
		}
		info.Status = sessionstore.StatusExpired
	}
	return info, nil
}

// ApproveAndContinue approves the design awaiting review at human_gate and
// resumes the graph toward eng.
func (f *Facade) ApproveAndContinue(ctx context.Context, id string) (sessionstore.Info, error) {
	info, err := f.requireAwaitingApproval(ctx, id)
	if err != nil {
		return sessionstore.Info{}, err
	}

	unlock := f.lockSession(id)
	defer unlock()

	approve := session.DecisionApprove
	final, err := f.engine.Resume(ctx, id, func(s session.Session) session.Session {
		s = session.Update(s, session.Patch{Decision: &approve})
		next, tErr := session.Transition(s, session.PhaseEng, true)
		if tErr != nil {
			return s
		}
		return next
	})
	if err != nil && !errors.Is(err, pipeline.ErrInterrupted) {
		return sessionstore.Info{}, newErr(ErrKindInternal, "resume after approval failed", err)
	}
	if err := f.store.SaveSession(ctx, id, final); err != nil {
		return sessionstore.Info{}, newErr(ErrKindInternal, "failed to persist session after approval", err)
	}

	f.metricsMu.Lock()
	f.approvals++
	f.metricsMu.Unlock()
	if f.metrics != nil {
		f.metrics.approvalsTotal.Inc()
	}

	_ = info
	return f.store.GetSession(ctx, id)
}

// RejectAndIterate records feedback against rejectTo (pm or arch), records
// the rejection decision, and resumes the graph back into that phase.
func (f *Facade) RejectAndIterate(ctx context.Context, id, feedback string, rejectTo session.Phase) (sessionstore.Info, error) {
	if rejectTo != session.PhasePM && rejectTo != session.PhaseArch {
		return sessionstore.Info{}, newErr(ErrKindInvalidInput, "reject_to must be pm or arch", nil)
	}
	if _, err := f.requireAwaitingApproval(ctx, id); err != nil {
		return sessionstore.Info{}, err
	}

	unlock := f.lockSession(id)
	defer unlock()

	reject := session.DecisionReject
	kind := session.FeedbackArchitectural
	if rejectTo == session.PhasePM {
		kind = session.FeedbackPRD
	}

	final, err := f.engine.Resume(ctx, id, func(s session.Session) session.Session {
		s = session.AddFeedback(s, feedback, kind)
		s = session.Update(s, session.Patch{Decision: &reject, RejectTarget: &rejectTo})
		next, tErr := session.Transition(s, rejectTo, true)
		if tErr != nil {
			return s
		}
		return next
	})
	if err != nil && !errors.Is(err, pipeline.ErrInterrupted) {
		return sessionstore.Info{}, newErr(ErrKindInternal, "resume after rejection failed", err)
	}
	if err := f.store.SaveSession(ctx, id, final); err != nil {
		return sessionstore.Info{}, newErr(ErrKindInternal, "failed to persist session after rejection", err)
	}

	f.metricsMu.Lock()
	f.rejections++
	f.metricsMu.Unlock()
	if f.metrics != nil {
		f.metrics.rejectionsTotal.Inc()
	}

	return f.store.GetSession(ctx, id)
}

func (f *Facade) requireAwaitingApproval(ctx context.Context, id string) (sessionstore.Info, error) {
	info, err := f.GetSessionStatus(ctx, id)
	if err != nil {
		return sessionstore.Info{}, err
	}
	if info.Status != sessionstore.StatusAwaitingApproval {
		return sessionstore.Info{}, newErr(ErrKindInvalidOperation, fmt.Sprintf("session %s is not awaiting approval (status=%s)", id, info.Status), nil)
	}
	return info, nil
}

// Artifacts is the resolved set of paths produced so far for a session.
type Artifacts struct {
	PRD       string `json:"prd,omitempty"`
	TechSpec  string `json:"tech_spec,omitempty"`
	Scaffold  string `json:"scaffold,omitempty"`
	BugReport string `json:"bug_report,omitempty"`
	WorkDir   string `json:"work_dir"`
}

// GetArtifacts returns the resolved artifact paths for id.
func (f *Facade) GetArtifacts(ctx context.Context, id string) (Artifacts, error) {
	st, err := f.store.GetState(ctx, id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return Artifacts{}, newErr(ErrKindSessionNotFound, id, err)
		}
		return Artifacts{}, newErr(ErrKindInternal, "failed to read session state", err)
	}
	return Artifacts{
		PRD: st.PathPRD, TechSpec: st.PathTechSpec, Scaffold: st.PathScaffoldScript,
		BugReport: st.PathBugReport, WorkDir: st.WorkDir,
	}, nil
}

// GetRecentLogs returns a formatted tail of the in-state execution log. If
// the log is empty, it falls back to the last N lines of an on-disk agent
// log file under the session's working directory, if one exists.
func (f *Facade) GetRecentLogs(ctx context.Context, id string, lines int) ([]string, error) {
	st, err := f.store.GetState(ctx, id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, newErr(ErrKindSessionNotFound, id, err)
		}
		return nil, newErr(ErrKindInternal, "failed to read session state", err)
	}

	if len(st.ExecutionLog) > 0 {
		start := 0
		if lines > 0 && len(st.ExecutionLog) > lines {
			start = len(st.ExecutionLog) - lines
		}
		out := make([]string, 0, len(st.ExecutionLog)-start)
		for _, rec := range st.ExecutionLog[start:] {
			line := fmt.Sprintf("[%s] %s outcome=%s elapsed=%.2fs", rec.Timestamp.Format(time.RFC3339), rec.Agent, rec.Outcome, rec.ElapsedSeconds)
			if rec.Error != "" {
				line += " error=" + rec.Error
			}
			out = append(out, line)
		}
		return out, nil
	}

	logPath := filepath.Join(st.WorkDir, "agent.log")
	data, readErr := os.ReadFile(logPath)
	if readErr != nil {
		return nil, nil
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all, nil
}

// ListSessions proxies to the store.
func (f *Facade) ListSessions(ctx context.Context, status sessionstore.Status, limit int) ([]sessionstore.Info, error) {
	out, err := f.store.ListSessions(ctx, status, limit)
	if err != nil {
		return nil, newErr(ErrKindInternal, "failed to list sessions", err)
	}
	return out, nil
}

// DeleteSession removes id's metadata and checkpoints. It does not attempt
// to kill any subprocess that may still be running on its behalf.
func (f *Facade) DeleteSession(ctx context.Context, id string) error {
	if err := f.store.DeleteSession(ctx, id); err != nil {
		return newErr(ErrKindInternal, "failed to delete session", err)
	}
	if err := f.cp.DeleteThread(ctx, id); err != nil {
		return newErr(ErrKindCheckpointIO, "failed to delete checkpoints", err)
	}
	f.sessionLocks.Delete(id)
	return nil
}

// CleanupExpiredSessions runs the store's two-step TTL sweep.
func (f *Facade) CleanupExpiredSessions(ctx context.Context, ttlDays int) (marked, deleted int, err error) {
	marked, deleted, e := f.store.CleanupExpired(ctx, ttlDays)
	if e != nil {
		return 0, 0, newErr(ErrKindInternal, "cleanup failed", e)
	}
	return marked, deleted, nil
}

// exportEnvelope is the self-describing export document.
type exportEnvelope struct {
	Version     string          `json:"version"`
	ExportedAt  time.Time       `json:"exported_at"`
	SessionInfo exportSummary   `json:"session_info"`
	State       json.RawMessage `json:"state"`
}

type exportSummary struct {
	ID        string              `json:"id"`
	Mission   string              `json:"mission"`
	Project   string              `json:"project"`
	Status    sessionstore.Status `json:"status"`
	Phase     session.Phase       `json:"phase"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

const exportSchemaVersion = "1.0"

// ExportSession writes a self-describing JSON document for id to path.
func (f *Facade) ExportSession(ctx context.Context, id, path string) error {
	info, err := f.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return newErr(ErrKindSessionNotFound, id, err)
		}
		return newErr(ErrKindInternal, "failed to read session", err)
	}
	st, err := f.store.GetState(ctx, id)
	if err != nil {
		return newErr(ErrKindInternal, "failed to read session state", err)
	}
	stateJSON, err := session.Serialize(st)
	if err != nil {
		return newErr(ErrKindInternal, "failed to serialize state", err)
	}

	env := exportEnvelope{
		Version:    exportSchemaVersion,
		ExportedAt: time.Now(),
		SessionInfo: exportSummary{
			ID: info.ID, Mission: info.Mission, Project: info.ProjectName,
			Status: info.Status, Phase: info.CurrentPhase, CreatedAt: info.CreatedAt, UpdatedAt: info.UpdatedAt,
		},
		State: stateJSON,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return newErr(ErrKindInternal, "failed to marshal export", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return newErr(ErrKindInternal, "failed to write export file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newErr(ErrKindInternal, "failed to finalize export file", err)
	}
	return nil
}

// ImportSession reads a document written by ExportSession and persists it,
// reusing the embedded session id when present.
func (f *Facade) ImportSession(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", newErr(ErrKindInvalidInput, "failed to read import file", err)
	}
	var env exportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", newErr(ErrKindInvalidInput, "malformed import file", err)
	}
	if env.Version != exportSchemaVersion {
		return "", newErr(ErrKindInvalidInput, fmt.Sprintf("unrecognized export schema version %q", env.Version), nil)
	}

	st, err := session.Deserialize(env.State)
	if err != nil {
		return "", newErr(ErrKindInvalidInput, "invalid session state in import file", err)
	}

	id := st.ID
	if id == "" {
		id = sessionstore.NewSessionID()
		st.ID = id
	}
	if err := f.store.SaveSession(ctx, id, st); err != nil {
		return "", newErr(ErrKindInternal, "failed to persist imported session", err)
	}
	return id, nil
}

// Metrics returns the approvals/rejections counted by this Facade.
func (f *Facade) Metrics() (approvals, rejections int) {
	f.metricsMu.Lock()
	defer f.metricsMu.Unlock()
	return f.approvals, f.rejections
}
