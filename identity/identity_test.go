package identity

import (
	"testing"
	"time"
)

func TestLoad_MissingCredentialFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY_PM", "")
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.Load(ProfilePM); err == nil {
		t.Fatal("expected error for missing credential")
	}
}

func TestLoad_CredentialFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY_PM", "key-pm")
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg, err := m.Load(ProfilePM)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Credential != "key-pm" {
		t.Fatalf("expected key-pm, got %q", cfg.Credential)
	}
}

func TestInject_OverridesWinLast(t *testing.T) {
	cfg := Config{
		Profile:          ProfileEng,
		Credential:       "secret",
		CredentialEnvVar: "ANTHROPIC_API_KEY",
		AuthStyle:        AuthAPIKey,
		ConfigDir:        "/tmp/eng",
		Overrides:        map[string]string{"ANTHROPIC_API_KEY": "overridden"},
	}
	env := Inject(cfg, nil, "sess-1")

	var last string
	for _, kv := range env {
		if len(kv) > len("ANTHROPIC_API_KEY=") && kv[:len("ANTHROPIC_API_KEY=")] == "ANTHROPIC_API_KEY=" {
			last = kv
		}
	}
	if last != "ANTHROPIC_API_KEY=overridden" {
		t.Fatalf("expected override to win, got %q", last)
	}
}

func TestRecordUsage_SoftAndHardCap(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.SetCaps(ProfileQA, 2, 3)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if crossed, err := m.RecordUsage(ProfileQA, 1, now); err != nil || crossed {
		t.Fatalf("call 1: crossed=%v err=%v", crossed, err)
	}
	if crossed, err := m.RecordUsage(ProfileQA, 1, now); err != nil || !crossed {
		t.Fatalf("call 2: expected soft cap crossed, got crossed=%v err=%v", crossed, err)
	}
	if _, err := m.RecordUsage(ProfileQA, 1, now); err != nil {
		t.Fatalf("call 3: unexpected error: %v", err)
	}
	if _, err := m.RecordUsage(ProfileQA, 1, now); err == nil {
		t.Fatal("call 4: expected hard cap error")
	}
}

func TestRecordUsage_NewDayResets(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.SetCaps(ProfileEng, 0, 1)
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	if _, err := m.RecordUsage(ProfileEng, 1, day1); err != nil {
		t.Fatalf("day1: %v", err)
	}
	if _, err := m.RecordUsage(ProfileEng, 1, day1); err == nil {
		t.Fatal("day1 second call: expected hard cap error")
	}
	if _, err := m.RecordUsage(ProfileEng, 1, day2); err != nil {
		t.Fatalf("day2: expected fresh window, got %v", err)
	}
}

func TestEnsureConfigDirs(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.EnsureConfigDirs(); err != nil {
		t.Fatalf("EnsureConfigDirs: %v", err)
	}
}
