package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadProfile_Production(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "prod", `
name: Production
code: prod
escalation:
  signature_threshold: 1.0
  signature_ttl_minutes: 60
  review_timeout_minutes: 30
  default_signers: [cfo, ciso]
audit:
  batch_size: 64
  flush_interval_seconds: 5
  queue_capacity: 8192
  batches_per_second: 20
resilience:
  breaker_threshold: 5
  breaker_reset_seconds: 30
retry_policy:
  max_retries: 5
  base_delay_ms: 200
  max_delay_seconds: 30
  exponential_base: 2.0
  jitter_factor: 0.1
  respect_hint: true
`)

	p, err := LoadProfile(dir, "prod")
	if err != nil {
		t.Fatalf("LoadProfile(prod): %v", err)
	}
	if p.Name != "Production" {
		t.Errorf("expected name 'Production', got %q", p.Name)
	}
	if p.Escalation.SignatureThreshold != 1.0 {
		t.Errorf("production must require unanimous signatures, got %v", p.Escalation.SignatureThreshold)
	}
	if p.Audit.BatchSize != 64 {
		t.Errorf("batch_size = %d", p.Audit.BatchSize)
	}
	if !p.RetryPolicy.RespectHint {
		t.Error("production should respect provider retry hints")
	}
	if len(p.Escalation.DefaultSigners) != 2 || p.Escalation.DefaultSigners[0] != "cfo" {
		t.Errorf("default_signers = %v", p.Escalation.DefaultSigners)
	}
}

func TestLoadProfile_CodeDefaultedFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "staging", `
name: Staging
escalation:
  signature_threshold: 0.5
  signature_ttl_minutes: 10
  review_timeout_minutes: 10
audit:
  batch_size: 8
  flush_interval_seconds: 1
  queue_capacity: 256
resilience:
  breaker_threshold: 3
  breaker_reset_seconds: 10
retry_policy:
  max_retries: 2
  base_delay_ms: 50
  max_delay_seconds: 5
`)

	p, err := LoadProfile(dir, "STAGING")
	if err != nil {
		t.Fatalf("LoadProfile(STAGING): %v", err)
	}
	if p.Code != "staging" {
		t.Errorf("code should default to lowercased filename code, got %q", p.Code)
	}
}

func TestLoadProfile_RejectsBadThreshold(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "loose", `
name: Loose
escalation:
  signature_threshold: 1.5
audit:
  batch_size: 8
  queue_capacity: 64
retry_policy:
  max_retries: 1
`)

	if _, err := LoadProfile(dir, "loose"); err == nil {
		t.Fatal("threshold above 1.0 must be rejected")
	}
}

func TestLoadProfile_RejectsUndersizedQueue(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "tiny", `
name: Tiny
escalation:
  signature_threshold: 1.0
audit:
  batch_size: 100
  queue_capacity: 10
retry_policy:
  max_retries: 1
`)

	if _, err := LoadProfile(dir, "tiny"); err == nil {
		t.Fatal("queue smaller than one batch must be rejected")
	}
}

func TestLoadProfile_MissingFile(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Fatal("missing profile must error")
	}
}

func TestDefaultProfile_Validates(t *testing.T) {
	if err := DefaultProfile().Validate(); err != nil {
		t.Fatalf("default profile must be valid: %v", err)
	}
}
