package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile tunes guard strictness per deployment environment.
type DeploymentProfile struct {
	Name        string          `yaml:"name" json:"name"`
	Code        string          `yaml:"code" json:"code"`
	Escalation  EscalationCfg   `yaml:"escalation" json:"escalation"`
	Audit       AuditCfg        `yaml:"audit" json:"audit"`
	Resilience  ResilienceCfg   `yaml:"resilience" json:"resilience"`
	RetryPolicy RetryPolicyCfg  `yaml:"retry_policy" json:"retry_policy"`
}

// EscalationCfg holds consensus thresholds per profile. DefaultSigners is
// the standing signer set for escalations whose policy response names no
// signers of its own.
type EscalationCfg struct {
	SignatureThreshold   float64  `yaml:"signature_threshold" json:"signature_threshold"`
	SignatureTTLMinutes  int      `yaml:"signature_ttl_minutes" json:"signature_ttl_minutes"`
	ReviewTimeoutMinutes int      `yaml:"review_timeout_minutes" json:"review_timeout_minutes"`
	DefaultSigners       []string `yaml:"default_signers,omitempty" json:"default_signers,omitempty"`
}

// AuditCfg controls batching behavior per profile.
type AuditCfg struct {
	BatchSize            int     `yaml:"batch_size" json:"batch_size"`
	FlushIntervalSeconds int     `yaml:"flush_interval_seconds" json:"flush_interval_seconds"`
	QueueCapacity        int     `yaml:"queue_capacity" json:"queue_capacity"`
	BatchesPerSecond     float64 `yaml:"batches_per_second,omitempty" json:"batches_per_second,omitempty"`
}

// ResilienceCfg configures the audit-path circuit breaker.
type ResilienceCfg struct {
	BreakerThreshold    int `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerResetSeconds int `yaml:"breaker_reset_seconds" json:"breaker_reset_seconds"`
}

// RetryPolicyCfg configures backoff for remote submissions.
type RetryPolicyCfg struct {
	MaxRetries      int     `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs     int     `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelaySeconds int     `yaml:"max_delay_seconds" json:"max_delay_seconds"`
	ExponentialBase float64 `yaml:"exponential_base,omitempty" json:"exponential_base,omitempty"`
	JitterFactor    float64 `yaml:"jitter_factor,omitempty" json:"jitter_factor,omitempty"`
	RespectHint     bool    `yaml:"respect_hint,omitempty" json:"respect_hint,omitempty"`
}

// SignatureTTL returns the configured TTL as a duration.
func (e EscalationCfg) SignatureTTL() time.Duration {
	return time.Duration(e.SignatureTTLMinutes) * time.Minute
}

// ReviewTimeout returns the configured review timeout as a duration.
func (e EscalationCfg) ReviewTimeout() time.Duration {
	return time.Duration(e.ReviewTimeoutMinutes) * time.Minute
}

// LoadProfile loads a deployment profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", code, err)
	}

	return &profile, nil
}

// DefaultProfile is the strict baseline used when no profile is configured.
func DefaultProfile() *DeploymentProfile {
	return &DeploymentProfile{
		Name: "default",
		Code: "default",
		Escalation: EscalationCfg{
			SignatureThreshold:   1.0,
			SignatureTTLMinutes:  60,
			ReviewTimeoutMinutes: 30,
		},
		Audit: AuditCfg{
			BatchSize:            32,
			FlushIntervalSeconds: 5,
			QueueCapacity:        4096,
			BatchesPerSecond:     10,
		},
		Resilience: ResilienceCfg{
			BreakerThreshold:    5,
			BreakerResetSeconds: 30,
		},
		RetryPolicy: RetryPolicyCfg{
			MaxRetries:      3,
			BaseDelayMs:     200,
			MaxDelaySeconds: 30,
			ExponentialBase: 2.0,
			JitterFactor:    0.1,
			RespectHint:     true,
		},
	}
}

// Validate rejects profiles that would weaken the guard into default-allow
// or unbounded-queue territory.
func (p *DeploymentProfile) Validate() error {
	if p.Escalation.SignatureThreshold <= 0 || p.Escalation.SignatureThreshold > 1 {
		return fmt.Errorf("signature_threshold must be in (0,1], got %v", p.Escalation.SignatureThreshold)
	}
	if p.Audit.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", p.Audit.BatchSize)
	}
	if p.Audit.QueueCapacity < p.Audit.BatchSize {
		return fmt.Errorf("queue_capacity %d is smaller than batch_size %d", p.Audit.QueueCapacity, p.Audit.BatchSize)
	}
	if p.RetryPolicy.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", p.RetryPolicy.MaxRetries)
	}
	return nil
}
