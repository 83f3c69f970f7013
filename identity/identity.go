// Package identity manages per-profile credentials, config directories, and
// daily usage counters for the four sub-agent personas (pm, arch, eng, qa),
// keeping them isolated from one another the way a human operator juggling
// four separate accounts would.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Profile is the closed set of sub-agent personas.
type Profile string

// Profiles.
const (
	ProfilePM   Profile = "pm"
	ProfileArch Profile = "arch"
	ProfileEng  Profile = "eng"
	ProfileQA   Profile = "qa"
)

var allProfiles = []Profile{ProfilePM, ProfileArch, ProfileEng, ProfileQA}

// AuthStyle selects how a profile's credential is presented to the agent
// binary.
type AuthStyle string

// Auth styles.
const (
	AuthAPIKey AuthStyle = "api_key"
	AuthToken  AuthStyle = "token"
	AuthNone   AuthStyle = "none"
)

// ErrInvalidCredential is returned by Load when a profile requires a
// credential that is not configured.
var ErrInvalidCredential = errors.New("identity: invalid or missing credential")

// ErrUnknownProfile is returned for a profile outside the closed set.
var ErrUnknownProfile = errors.New("identity: unknown profile")

// ErrUsageLimitExceeded is returned by RecordUsage when a profile's hard cap
// has been reached.
var ErrUsageLimitExceeded = errors.New("identity: usage limit exceeded")

// Config is the immutable, resolved configuration for one profile.
type Config struct {
	Profile          Profile
	Credential       string
	CredentialEnvVar string
	AuthStyle        AuthStyle
	Model            string
	ConfigDir        string
	Overrides        map[string]string
	SoftCap          int
	HardCap          int
}

// usageCounter tracks a single profile's daily call count.
type usageCounter struct {
	day   string
	count int
}

// Manager loads, injects, and tracks usage for sub-agent profiles. All
// methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	baseDir  string
	configs  map[Profile]Config
	usage    map[Profile]*usageCounter
	prepared map[string]bool
}

// NewManager builds a Manager. baseDir is the parent directory under which
// each profile's config directory is created (defaults to
// "~/.claude" expanded against os.UserHomeDir when empty). envFile, if
// non-empty, is loaded via godotenv before profile credentials are read.
func NewManager(baseDir, envFile string) (*Manager, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("identity: load env file: %w", err)
		}
	} else {
		_ = godotenv.Load() // best effort, missing .env is not an error
	}

	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		baseDir = filepath.Join(home, ".claude")
	}

	m := &Manager{
		baseDir:  baseDir,
		configs:  make(map[Profile]Config),
		usage:    make(map[Profile]*usageCounter),
		prepared: make(map[string]bool),
	}
	for _, p := range allProfiles {
		m.configs[p] = defaultConfig(p, baseDir)
		m.usage[p] = &usageCounter{}
	}
	return m, nil
}

// credentialEnvVar returns the env var name a profile reads its credential
// from, following the per-profile-suffix convention (ANTHROPIC_API_KEY_PM)
// with a fallback to the shared ANTHROPIC_API_KEY.
func credentialEnvVar(p Profile) string {
	switch p {
	case ProfilePM:
		return "ANTHROPIC_API_KEY_PM"
	case ProfileArch:
		return "ANTHROPIC_API_KEY_ARCH"
	case ProfileEng:
		return "ANTHROPIC_API_KEY_ENG"
	case ProfileQA:
		return "ANTHROPIC_API_KEY_QA"
	default:
		return ""
	}
}

func defaultConfig(p Profile, baseDir string) Config {
	envVar := credentialEnvVar(p)
	cred := os.Getenv(envVar)
	if cred == "" {
		cred = os.Getenv("ANTHROPIC_API_KEY")
	}
	return Config{
		Profile:          p,
		Credential:       cred,
		CredentialEnvVar: "ANTHROPIC_API_KEY",
		AuthStyle:        AuthAPIKey,
		ConfigDir:        filepath.Join(baseDir, string(p)),
		Overrides:        map[string]string{},
		SoftCap:          0,
		HardCap:          0,
	}
}

// SetOverride installs a custom environment override for a profile, applied
// last (and so winning over any standard var) during Inject.
func (m *Manager) SetOverride(p Profile, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[p]
	if !ok {
		return
	}
	overrides := make(map[string]string, len(cfg.Overrides)+1)
	for k, v := range cfg.Overrides {
		overrides[k] = v
	}
	overrides[key] = value
	cfg.Overrides = overrides
	m.configs[p] = cfg
}

// SetCaps configures the soft and hard daily usage caps for a profile.
func (m *Manager) SetCaps(p Profile, soft, hard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[p]
	if !ok {
		return
	}
	cfg.SoftCap = soft
	cfg.HardCap = hard
	m.configs[p] = cfg
}

// Load returns the resolved configuration for profile p. Returns
// ErrInvalidCredential when the profile requires a credential under
// AuthAPIKey and none is configured.
func (m *Manager) Load(p Profile) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[p]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownProfile, p)
	}
	if cfg.AuthStyle == AuthAPIKey && cfg.Credential == "" {
		return Config{}, fmt.Errorf("%w: profile %s has no credential configured", ErrInvalidCredential, p)
	}
	return cfg, nil
}

// Inject starts from baseEnv (typically os.Environ()), sets the standard
// credential and session variables for cfg, applies cfg.Overrides last so
// they take precedence, and returns the resulting environment slice.
func Inject(cfg Config, baseEnv []string, sessionID string) []string {
	env := append([]string{}, baseEnv...)
	set := func(key, value string) {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	switch cfg.AuthStyle {
	case AuthAPIKey, AuthToken:
		if cfg.Credential != "" {
			set(cfg.CredentialEnvVar, cfg.Credential)
		}
	case AuthNone:
	}

	set("CLAUDE_CONFIG_DIR", cfg.ConfigDir)
	set("CLAUDE_PROFILE", string(cfg.Profile))
	set("CLAUDE_SESSION_ID", sessionID)
	if cfg.Model != "" {
		set("CLAUDE_MODEL", cfg.Model)
	}

	for k, v := range cfg.Overrides {
		set(k, v)
	}
	return env
}

// EnsureConfigDirs lazily creates the config directory for every profile,
// doing the work at most once per directory per process lifetime.
func (m *Manager) EnsureConfigDirs() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if m.prepared[cfg.ConfigDir] {
			continue
		}
		if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
			return fmt.Errorf("identity: create config dir %s: %w", cfg.ConfigDir, err)
		}
		m.prepared[cfg.ConfigDir] = true
	}
	return nil
}

// RecordUsage refreshes p's daily window against now's calendar date,
// increments the counter by units, and reports whether the soft cap was
// newly crossed. It returns ErrUsageLimitExceeded without recording the call
// if the hard cap would be exceeded.
func (m *Manager) RecordUsage(p Profile, units int, now time.Time) (softCapCrossed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[p]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProfile, p)
	}
	uc := m.usage[p]
	day := now.Format("2006-01-02")
	if uc.day != day {
		uc.day = day
		uc.count = 0
	}

	if cfg.HardCap > 0 && uc.count+units > cfg.HardCap {
		return false, fmt.Errorf("%w: profile %s daily hard cap %d", ErrUsageLimitExceeded, p, cfg.HardCap)
	}

	before := uc.count
	uc.count += units

	if cfg.SoftCap > 0 && before < cfg.SoftCap && uc.count >= cfg.SoftCap {
		return true, nil
	}
	return false, nil
}

// UsageCount returns the current day's recorded usage for p.
func (m *Manager) UsageCount(p Profile, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	uc, ok := m.usage[p]
	if !ok {
		return 0
	}
	if uc.day != now.Format("2006-01-02") {
		return 0
	}
	return uc.count
}
