package resilience

import (
	"time"
)

// FromSettings builds a Policy from configuration values. Zero values keep
// the defaults; a negative retry count disables retries.
func FromSettings(retries, baseDelayMs, maxDelayMs, attemptTimeoutSecs int) Policy {
	p := DefaultPolicy()
	if retries != 0 {
		p.Retries = retries
	}
	if baseDelayMs > 0 {
		p.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		p.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if attemptTimeoutSecs > 0 {
		p.AttemptTimeout = time.Duration(attemptTimeoutSecs) * time.Second
	}
	return p
}

// Named returns a copy of p that logs retries under service and operation.
func (p Policy) Named(service, operation string) Policy {
	p.OnRetry = RetryLogger(service, operation)
	return p
}
