// Copyright 2025 Kestrel Systems

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadWithDefaultsEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadWithDefaults("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadWithDefaultsOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	raw := []byte(`
defaultBudget: 42
initialEntities:
  - id: root
    isRoot: true
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultBudget != 42 {
		t.Fatalf("expected overlay to set defaultBudget=42, got %d", cfg.DefaultBudget)
	}
	if cfg.PressureThreshold != Defaults().PressureThreshold {
		t.Fatalf("expected untouched field to keep its default, got %d", cfg.PressureThreshold)
	}
	if len(cfg.InitialEntities) != 1 || cfg.InitialEntities[0].ID != "root" {
		t.Fatalf("expected one initial entity, got %+v", cfg.InitialEntities)
	}
	if cfg.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schemaVersion to default when omitted, got %s", cfg.SchemaVersion)
	}
}

func TestLoadWithDefaultsSubstitutesEnvVars(t *testing.T) {
	t.Setenv("GOVKERNEL_TEST_DSN", "postgres://example/db")

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	raw := []byte(`
evidenceStore:
  kind: postgres
  dsn: "${GOVKERNEL_TEST_DSN}"
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EvidenceStore.DSN != "postgres://example/db" {
		t.Fatalf("expected env substitution, got %q", cfg.EvidenceStore.DSN)
	}
}

func TestLoadWithDefaultsLeavesUnresolvedEnvRefUntouched(t *testing.T) {
	os.Unsetenv("GOVKERNEL_TEST_MISSING")

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	raw := []byte(`
evidenceStore:
  kind: postgres
  dsn: "${GOVKERNEL_TEST_MISSING}"
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EvidenceStore.DSN != "${GOVKERNEL_TEST_MISSING}" {
		t.Fatalf("expected unresolved ref to pass through verbatim, got %q", cfg.EvidenceStore.DSN)
	}
}

func TestLoadWithDefaultsMissingFileErrors(t *testing.T) {
	if _, err := LoadWithDefaults("/nonexistent/path/genesis.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDurationUnmarshalsGoDurationString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	raw := []byte(`
proposalCooldown: 48h
clockSkewWindow: 30s
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProposalCooldown.Duration != 48*time.Hour {
		t.Fatalf("expected 48h, got %v", cfg.ProposalCooldown.Duration)
	}
	if cfg.ClockSkewWindow.Duration != 30*time.Second {
		t.Fatalf("expected 30s, got %v", cfg.ClockSkewWindow.Duration)
	}
}

func TestDurationUnmarshalRejectsInvalidString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.yaml")
	raw := []byte(`
proposalCooldown: "not-a-duration"
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadWithDefaults(path); err == nil {
		t.Fatal("expected error for invalid duration string")
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	d := Duration{5 * time.Minute}
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if out != "5m0s" {
		t.Fatalf("expected %q, got %q", "5m0s", out)
	}
}

func TestDefaultsMatchesSpecMandatedValues(t *testing.T) {
	d := Defaults()
	if d.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schemaVersion=%s, got %s", SchemaVersion, d.SchemaVersion)
	}
	if d.DefaultBudget != 100 {
		t.Fatalf("expected defaultBudget=100, got %d", d.DefaultBudget)
	}
	if d.MultiSigThreshold != 3 {
		t.Fatalf("expected multiSigThreshold=3, got %d", d.MultiSigThreshold)
	}
	if d.EvidenceStore.Kind != "memory" || d.KV.Kind != "memory" {
		t.Fatalf("expected in-memory stores by default, got %+v / %+v", d.EvidenceStore, d.KV)
	}
}
