package resilience

import "time"

// FromRetryConfig builds a RetryConfig from configured values; zero values
// keep the defaults.
func FromRetryConfig(maxAttempts int, base, maxDelay time.Duration, jitter float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if base > 0 {
		cfg.InitialBackoff = base
	}
	if maxDelay > 0 {
		cfg.MaxBackoff = maxDelay
	}
	if jitter >= 0 {
		cfg.JitterFraction = jitter
	}
	return cfg
}

// FromCircuitConfig builds a CircuitBreakerConfig; zero values keep the
// defaults.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
