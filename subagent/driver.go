// Package subagent invokes the external, stateless LLM-backed sub-agent
// binaries (one per profile) as subprocesses, and harvests their results
// into a plain value node handlers can fold into session state.
package subagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dshills/agentpipeline/identity"
)

// ErrAgentBinaryNotFound is raised eagerly when the configured binary for a
// profile cannot be located, before any subprocess is spawned.
var ErrAgentBinaryNotFound = errors.New("subagent: binary not found")

// ErrUsageLimitExceeded is raised eagerly when recording the call's usage
// unit would cross the profile's hard cap.
var ErrUsageLimitExceeded = identity.ErrUsageLimitExceeded

// knownBinaryNames is the set of executable names looked up on PATH when no
// explicit override is configured, in priority order.
var knownBinaryNames = []string{"claude", "claude-code"}

// artifactPatterns match lines like "Created: path/to/file.go" or
// "Wrote path/to/file.go" that sub-agents print when they produce a file,
// and bullet-list lines like "- path/to/file.go".
var artifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:created|wrote|writing|generated):?\s+(\S+)`),
	regexp.MustCompile(`(?i)^\s*-\s+(\S+\.[a-zA-Z0-9]+)\s*$`),
}

// Input describes one sub-agent invocation.
type Input struct {
	Profile     identity.Profile
	Prompt      string
	WorkDir     string
	Timeout     time.Duration
	Verbose     bool
	ContextFile string
	SessionID   string
}

// Result is the outcome of a single sub-agent invocation. AgentBinaryNotFound
// and UsageLimitExceeded are never represented here — they are returned as
// errors from Invoke before a subprocess exists.
type Result struct {
	Success          bool
	ExitCode         int
	Stdout           string
	Stderr           string
	Elapsed          time.Duration
	ArtifactsCreated []string
	Command          string
	TokensInputEst   int
	TokensOutputEst  int
}

// CommandRunner builds the *exec.Cmd for a call; overridable in tests in
// place of exec.CommandContext.
type CommandRunner func(ctx context.Context, name string, args ...string) *exec.Cmd

// Driver invokes sub-agent subprocesses on behalf of node handlers.
type Driver struct {
	Identity      *identity.Manager
	BinaryPath    string // explicit override; empty means PATH lookup
	CommandRunner CommandRunner

	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
}

// NewDriver constructs a Driver bound to an identity Manager.
func NewDriver(idm *identity.Manager) *Driver {
	return &Driver{Identity: idm, CommandRunner: exec.CommandContext}
}

func (d *Driver) resolveBinary() (string, error) {
	if d.BinaryPath != "" {
		if _, err := exec.LookPath(d.BinaryPath); err != nil {
			if _, statErr := os.Stat(d.BinaryPath); statErr != nil {
				return "", fmt.Errorf("%w: %s", ErrAgentBinaryNotFound, d.BinaryPath)
			}
		}
		return d.BinaryPath, nil
	}
	for _, name := range knownBinaryNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v found on PATH", ErrAgentBinaryNotFound, knownBinaryNames)
}

func (d *Driver) tiktokenEncoding() *tiktoken.Tiktoken {
	d.tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			d.tokenizer = enc
		}
	})
	return d.tokenizer
}

func (d *Driver) estimateTokens(text string) int {
	enc := d.tiktokenEncoding()
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Invoke runs one sub-agent call per in. AgentBinaryNotFound and
// UsageLimitExceeded are returned as errors with a zero Result; any other
// subprocess outcome (failure, non-zero exit, timeout) is reported inside a
// non-nil Result with Success=false and a nil error.
func (d *Driver) Invoke(ctx context.Context, in Input) (Result, error) {
	binary, err := d.resolveBinary()
	if err != nil {
		return Result{}, err
	}

	cfg, err := d.Identity.Load(in.Profile)
	if err != nil {
		return Result{}, fmt.Errorf("subagent: load profile %s: %w", in.Profile, err)
	}

	if _, err := d.Identity.RecordUsage(in.Profile, 1, time.Now()); err != nil {
		return Result{}, err
	}

	args := []string{"-p", in.Prompt, "--dangerously-skip-permissions"}
	if in.Verbose {
		args = append(args, "--verbose")
	}
	if in.WorkDir != "" {
		args = append(args, "--cwd", in.WorkDir)
	}
	if in.ContextFile != "" {
		args = append(args, "--context-file", in.ContextFile)
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runner := d.CommandRunner
	if runner == nil {
		runner = exec.CommandContext
	}

	cmd := runner(callCtx, binary, args...)
	cmd.Dir = in.WorkDir
	cmd.Env = identity.Inject(cfg, os.Environ(), in.SessionID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Elapsed:         elapsed,
		Command:         commandLine(binary, args),
		TokensInputEst:  d.estimateTokens(in.Prompt),
		TokensOutputEst: d.estimateTokens(stdout.String()),
	}

	if runErr != nil {
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			return Result{}, fmt.Errorf("%w: %s", ErrAgentBinaryNotFound, binary)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Success = false
		result.ArtifactsCreated = harvestArtifacts(stdout.String(), in.WorkDir)
		return result, nil
	}

	result.ExitCode = 0
	result.Success = true
	result.ArtifactsCreated = harvestArtifacts(stdout.String(), in.WorkDir)
	return result, nil
}

func commandLine(binary string, args []string) string {
	out := binary
	for _, a := range args {
		out += " " + a
	}
	return out
}

// harvestArtifacts scans stdout for a closed set of artifact-path patterns
// and keeps only paths that exist on disk relative to workDir.
func harvestArtifacts(stdout, workDir string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(stdout, "\n") {
		for _, pat := range artifactPatterns {
			m := pat.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			rel := m[1]
			abs := rel
			if workDir != "" && !filepath.IsAbs(rel) {
				abs = filepath.Join(workDir, rel)
			}
			if seen[abs] {
				continue
			}
			if _, err := os.Stat(abs); err == nil {
				found = append(found, abs)
				seen[abs] = true
			}
		}
	}
	return found
}
