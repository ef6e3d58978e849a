package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitPolicy. Non-positive
// values keep the defaults.
func FromCircuitConfig(failureThreshold, cooldownSecs int) CircuitPolicy {
	p := DefaultCircuitPolicy()
	if failureThreshold > 0 {
		p.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		p.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return p
}
