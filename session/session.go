// Package session defines the typed orchestration state and the pure
// functions used to create, validate, and evolve it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase is the closed set of pipeline phases a Session can occupy.
type Phase string

// Pipeline phases.
const (
	PhasePM        Phase = "pm"
	PhaseArch      Phase = "arch"
	PhaseHumanGate Phase = "human_gate"
	PhaseEng       Phase = "eng"
	PhaseQA        Phase = "qa"
	PhaseHumanHelp Phase = "human_help"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// Decision is the human-gate decision value.
type Decision string

// Human-gate decisions.
const (
	DecisionUnset   Decision = ""
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// FeedbackKind selects which feedback list AddFeedback appends to.
type FeedbackKind string

// Feedback kinds.
const (
	FeedbackPRD           FeedbackKind = "prd"
	FeedbackArchitectural FeedbackKind = "architectural"
)

// Outcome is the per-node execution outcome.
type Outcome string

// Execution outcomes.
const (
	OutcomeStarted   Outcome = "started"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

var phaseSet = map[Phase]bool{
	PhasePM: true, PhaseArch: true, PhaseHumanGate: true, PhaseEng: true,
	PhaseQA: true, PhaseHumanHelp: true, PhaseComplete: true, PhaseFailed: true,
}

// transitions is the valid from->to phase table from spec.md §3.
var transitions = map[Phase]map[Phase]bool{
	PhasePM:        {PhaseArch: true, PhaseFailed: true},
	PhaseArch:      {PhaseHumanGate: true, PhaseFailed: true},
	PhaseHumanGate: {PhaseEng: true, PhaseArch: true, PhasePM: true, PhaseFailed: true},
	PhaseEng:       {PhaseQA: true, PhaseFailed: true},
	PhaseQA:        {PhaseComplete: true, PhaseEng: true, PhaseHumanHelp: true, PhaseFailed: true},
	PhaseHumanHelp: {PhaseEng: true, PhaseArch: true, PhasePM: true, PhaseComplete: true, PhaseFailed: true},
	PhaseComplete:  {},
	PhaseFailed:    {},
}

// ErrInvalidInput is returned when construction input fails validation.
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidTransition is returned when a phase transition is not in the table.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrInvalidPayload is returned when deserializing a malformed session payload.
var ErrInvalidPayload = errors.New("invalid payload")

// ExecutionRecord is a single, append-only node-execution outcome.
type ExecutionRecord struct {
	Agent           string    `json:"agent"`
	Timestamp       time.Time `json:"timestamp"`
	Outcome         Outcome   `json:"outcome"`
	ElapsedSeconds  float64   `json:"elapsed_seconds"`
	TokensInputEst  int       `json:"tokens_input_est"`
	TokensOutputEst int       `json:"tokens_output_est"`
	Error           string    `json:"error,omitempty"`
}

// ExecutionResult is the input logExecution uses to build an ExecutionRecord
// and fold artifacts/errors into the session.
type ExecutionResult struct {
	Outcome          Outcome
	ElapsedSeconds   float64
	TokensInputEst   int
	TokensOutputEst  int
	Error            string
	ArtifactsCreated []string
}

// Session is the top-level orchestration unit. All mutation goes through the
// pure functions in this package; callers must never mutate a Session's
// container fields (slices/maps) in place.
type Session struct {
	ID          string `json:"id"`
	UserMission string `json:"user_mission"`
	ProjectName string `json:"project_name"`
	WorkDir     string `json:"work_dir"`

	CurrentPhase   Phase `json:"current_phase"`
	IterationCount int   `json:"iteration_count"`
	MaxIterations  int   `json:"max_iterations"`
	QAPassed       bool  `json:"qa_passed"`

	PathPRD            string `json:"path_prd,omitempty"`
	PathTechSpec       string `json:"path_tech_spec,omitempty"`
	PathScaffoldScript string `json:"path_scaffold_script,omitempty"`
	PathBugReport      string `json:"path_bug_report,omitempty"`

	PRDFeedback           []string `json:"prd_feedback,omitempty"`
	ArchitecturalFeedback []string `json:"architectural_feedback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExecutionLog []ExecutionRecord `json:"execution_log,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
	FilesCreated []string          `json:"files_created,omitempty"`

	Decision     Decision `json:"decision"`
	RejectTarget Phase    `json:"reject_target,omitempty"`
}

// CreateInitial builds a brand-new Session in PhasePM.
func CreateInitial(mission, projectName, workDir string, maxIterations int) (Session, error) {
	if mission == "" {
		return Session{}, fmt.Errorf("%w: mission must not be empty", ErrInvalidInput)
	}
	if maxIterations < 1 {
		maxIterations = 1
	}
	now := time.Now()
	return Session{
		UserMission:   mission,
		ProjectName:   projectName,
		WorkDir:       workDir,
		CurrentPhase:  PhasePM,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
		Decision:      DecisionUnset,
	}, nil
}

// cloneStrings returns an independent copy of a []string, or nil for nil/empty.
func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRecords(in []ExecutionRecord) []ExecutionRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]ExecutionRecord, len(in))
	copy(out, in)
	return out
}

// clone returns a deep copy of s so callers can safely mutate the copy
// without affecting the input.
func clone(s Session) Session {
	s.PRDFeedback = cloneStrings(s.PRDFeedback)
	s.ArchitecturalFeedback = cloneStrings(s.ArchitecturalFeedback)
	s.ExecutionLog = cloneRecords(s.ExecutionLog)
	s.Errors = cloneStrings(s.Errors)
	s.FilesCreated = cloneStrings(s.FilesCreated)
	return s
}

// Patch is a set of optional field updates applied by Update. A nil pointer
// leaves the corresponding Session field untouched; a non-nil pointer is
// applied even when it points at a zero value, except for the artifact-path
// fields, where an empty string is also ignored (see Update).
type Patch struct {
	ProjectName        *string
	WorkDir            *string
	PathPRD            *string
	PathTechSpec       *string
	PathScaffoldScript *string
	PathBugReport      *string
	QAPassed           *bool
	Decision           *Decision
	RejectTarget       *Phase
}

// Update returns a new Session with non-nil Patch fields applied. The input
// Session is never mutated. Artifact-path fields are monotonic: once set to
// a non-empty value they can only be overwritten by another non-empty value.
func Update(s Session, patch Patch) Session {
	out := clone(s)
	if patch.ProjectName != nil {
		out.ProjectName = *patch.ProjectName
	}
	if patch.WorkDir != nil {
		out.WorkDir = *patch.WorkDir
	}
	if patch.PathPRD != nil && *patch.PathPRD != "" {
		out.PathPRD = *patch.PathPRD
	}
	if patch.PathTechSpec != nil && *patch.PathTechSpec != "" {
		out.PathTechSpec = *patch.PathTechSpec
	}
	if patch.PathScaffoldScript != nil && *patch.PathScaffoldScript != "" {
		out.PathScaffoldScript = *patch.PathScaffoldScript
	}
	if patch.PathBugReport != nil && *patch.PathBugReport != "" {
		out.PathBugReport = *patch.PathBugReport
	}
	if patch.QAPassed != nil {
		out.QAPassed = *patch.QAPassed
	}
	if patch.Decision != nil {
		out.Decision = *patch.Decision
	}
	if patch.RejectTarget != nil {
		out.RejectTarget = *patch.RejectTarget
	}
	out.UpdatedAt = time.Now()
	return out
}

// Transition moves s to toPhase if the move is allowed by the transition
// table. When validate is false the check is skipped and any target phase
// is accepted.
func Transition(s Session, toPhase Phase, validate bool) (Session, error) {
	if validate {
		allowed, ok := transitions[s.CurrentPhase]
		if !ok || !allowed[toPhase] {
			return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.CurrentPhase, toPhase)
		}
	}
	out := clone(s)
	out.CurrentPhase = toPhase
	out.UpdatedAt = time.Now()
	return out, nil
}

// AddFeedback appends text to the PRD or architectural feedback list.
func AddFeedback(s Session, text string, kind FeedbackKind) Session {
	out := clone(s)
	switch kind {
	case FeedbackPRD:
		out.PRDFeedback = append(out.PRDFeedback, text)
	case FeedbackArchitectural:
		out.ArchitecturalFeedback = append(out.ArchitecturalFeedback, text)
	}
	out.UpdatedAt = time.Now()
	return out
}

// IncrementIteration bumps the QA->Engineer repair-loop counter by one.
func IncrementIteration(s Session) Session {
	out := clone(s)
	out.IterationCount++
	out.UpdatedAt = time.Now()
	return out
}

// LogExecution appends an ExecutionRecord built from result, extending
// FilesCreated and Errors as needed.
func LogExecution(s Session, agent string, result ExecutionResult) Session {
	out := clone(s)
	rec := ExecutionRecord{
		Agent:           agent,
		Timestamp:       time.Now(),
		Outcome:         result.Outcome,
		ElapsedSeconds:  result.ElapsedSeconds,
		TokensInputEst:  result.TokensInputEst,
		TokensOutputEst: result.TokensOutputEst,
		Error:           result.Error,
	}
	out.ExecutionLog = append(out.ExecutionLog, rec)
	if len(result.ArtifactsCreated) > 0 {
		out.FilesCreated = append(out.FilesCreated, result.ArtifactsCreated...)
	}
	if result.Error != "" {
		out.Errors = append(out.Errors, result.Error)
	}
	out.UpdatedAt = time.Now()
	return out
}

// Serialize renders s as stable, round-trippable JSON.
func Serialize(s Session) ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize parses JSON produced by Serialize. A payload missing the
// required user_mission field fails with ErrInvalidPayload.
func Deserialize(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if s.UserMission == "" {
		return Session{}, fmt.Errorf("%w: missing user_mission", ErrInvalidPayload)
	}
	return s, nil
}

// RequiredArtifacts lists the artifact fields that must already be
// non-empty before a session may enter phase p (spec.md §4.7 table).
func RequiredArtifacts(p Phase) []string {
	switch p {
	case PhaseArch:
		return []string{"path_prd"}
	case PhaseHumanGate, PhaseEng, PhaseQA, PhaseComplete:
		return []string{"path_prd", "path_tech_spec"}
	default:
		return nil
	}
}

// Validate returns a list of validation error strings; an empty slice means
// the session is well-formed.
func Validate(s Session) []string {
	var errs []string
	if s.UserMission == "" {
		errs = append(errs, "user_mission must not be empty")
	}
	if !phaseSet[s.CurrentPhase] {
		errs = append(errs, fmt.Sprintf("current_phase %q is not a known phase", s.CurrentPhase))
	}
	if s.IterationCount < 0 {
		errs = append(errs, "iteration_count must not be negative")
	}
	if s.MaxIterations < 1 {
		errs = append(errs, "max_iterations must be at least 1")
	}
	for _, field := range RequiredArtifacts(s.CurrentPhase) {
		var present bool
		switch field {
		case "path_prd":
			present = s.PathPRD != ""
		case "path_tech_spec":
			present = s.PathTechSpec != ""
		}
		if !present {
			errs = append(errs, fmt.Sprintf("phase %q requires %s to be set", s.CurrentPhase, field))
		}
	}
	return errs
}

// CanTransition reports whether from->to is a legal move, without mutating
// anything. Used by routing code that needs to check before committing.
func CanTransition(from, to Phase) bool {
	allowed, ok := transitions[from]
	return ok && allowed[to]
}

// IsTerminal reports whether p is a terminal phase (complete or failed).
func IsTerminal(p Phase) bool {
	return p == PhaseComplete || p == PhaseFailed
}
