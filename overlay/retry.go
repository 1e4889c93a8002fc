package overlay

import (
	"sync"
	"time"
)

// backoffBase is the starting back-off after a single failure; each
// subsequent consecutive failure doubles it, capped by the retry
// state's ceiling (§4.C).
const backoffBase = 1 * time.Second

// RetryState tracks the per-(peer, transport) cooldown and back-off
// described in §3. canConnect is the derived predicate
// "!neverRetry && now >= cooldownUntil".
type RetryState struct {
	mu                  sync.Mutex
	whitelisted         bool
	ceiling             time.Duration
	neverRetry          bool
	cooldownUntil       time.Time
	consecutiveFailures int
}

// NewRetryState creates a RetryState for a peer that is (or isn't)
// whitelisted, with the given back-off ceiling.
func NewRetryState(whitelisted bool, ceiling time.Duration) *RetryState {
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	return &RetryState{whitelisted: whitelisted, ceiling: ceiling}
}

// CanConnect reports whether an outbound dial is currently permitted.
func (r *RetryState) CanConnect(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.neverRetry && !now.Before(r.cooldownUntil)
}

// RecordFailure registers a failed dial attempt. Whitelisted peers incur
// no cooldown and no failure count; others back off exponentially, capped
// at the configured ceiling.
func (r *RetryState) RecordFailure(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.whitelisted {
		r.cooldownUntil = now
		return
	}
	r.consecutiveFailures++
	backoff := backoffBase << min(r.consecutiveFailures-1, 20)
	if backoff > r.ceiling || backoff <= 0 {
		backoff = r.ceiling
	}
	r.cooldownUntil = now.Add(backoff)
}

// RecordSuccess clears the cooldown and failure count after a successful
// connection.
func (r *RetryState) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.cooldownUntil = time.Time{}
}

// NeverRetryConnecting permanently disables outbound dialling for this
// (peer, transport) pair. Sticky: once set, never cleared.
func (r *RetryState) NeverRetryConnecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.neverRetry = true
}

// NeverRetry reports whether this retry state has been permanently
// disabled.
func (r *RetryState) NeverRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.neverRetry
}

// ConsecutiveFailures returns the current failure streak (for diagnostics).
func (r *RetryState) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}
