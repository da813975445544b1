// Package retry implements the shared outbound-delivery retry engine:
// exponential backoff with jitter, bounded attempts, and durable capture of
// exhausted deliveries for manual inspection.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Config governs retry behavior for one delivery path.
type Config struct {
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base" json:"exponential_base"`
	JitterFactor    float64       `yaml:"jitter_factor" json:"jitter_factor"`
	// RespectHint bases the delay on a provider-supplied retry-after hint
	// when one is present.
	RespectHint bool `yaml:"respect_hint" json:"respect_hint"`
	// PersistFailures stores exhausted deliveries in the failed-item store.
	PersistFailures bool `yaml:"persist_failures" json:"persist_failures"`
}

// DefaultConfig returns the platform defaults for outbound delivery.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		JitterFactor:    0.2,
		RespectHint:     true,
		PersistFailures: true,
	}
}

// ComputeDelay returns the backoff delay before the given attempt.
// attempt is 1-indexed: the delay after the first failed attempt is
// ComputeDelay(1, ...). A positive provider hint takes precedence when
// cfg.RespectHint is set; the hint is still jittered and capped.
func ComputeDelay(attempt int, cfg Config, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	if cfg.RespectHint && hint > 0 {
		delay = hint
	} else {
		base := float64(cfg.BaseDelay)
		delay = time.Duration(base * math.Pow(cfg.ExponentialBase, float64(attempt-1)))
	}

	if cfg.JitterFactor > 0 {
		// Jitter in [-jitter, +jitter] proportional to the delay.
		jitter := (rand.Float64()*2 - 1) * cfg.JitterFactor * float64(delay)
		delay += time.Duration(jitter)
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
