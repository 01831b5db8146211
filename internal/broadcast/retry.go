package broadcast

import (
	"fmt"
	"math/rand"
	"time"

	"heraldbot/internal/transport"
)

// rateLimitStretch multiplies the backoff schedule when the API itself
// rejects a send for rate limiting. Hitting the API's limit means the
// local rate budget is misconfigured, so back off much harder.
const rateLimitStretch = 4

type verdictKind int

const (
	verdictSent verdictKind = iota
	verdictRetry
	verdictPermanent
)

type verdict struct {
	kind   verdictKind
	delay  time.Duration // retry only
	reason string        // permanent only
}

// RetryPolicy folds a send attempt's error into a terminal outcome or a
// scheduled retry.
//
// Classification:
//   - recipient unreachable (blocked, deactivated, chat gone): permanent
//   - transient network/API failure: retry with exponential backoff until
//     MaxAttempts, then permanent
//   - API rate-limit rejection: retry with a stretched backoff, honoring
//     the API's retry-after hint when longer
//   - anything else: retry once, permanent on the second unknown error
//     for the same task
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func newRetryPolicy(cfg Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.RetryMax,
		Base:        cfg.RetryBase,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}

// Classify inspects the outcome of a task's latest attempt. The task's
// attempt counter must already include that attempt.
func (p RetryPolicy) Classify(t *task, err error) verdict {
	if err == nil {
		return verdict{kind: verdictSent}
	}

	if transport.IsBlocked(err) {
		return verdict{kind: verdictPermanent, reason: "recipient unreachable"}
	}

	if wait, ok := transport.AsRateLimited(err); ok {
		if t.attempts >= p.MaxAttempts {
			return p.exhausted(t)
		}
		delay := p.Backoff(t.attempts) * rateLimitStretch
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if wait > delay {
			delay = wait
		}
		return verdict{kind: verdictRetry, delay: delay}
	}

	if transport.IsTransient(err) {
		if t.attempts >= p.MaxAttempts {
			return p.exhausted(t)
		}
		return verdict{kind: verdictRetry, delay: p.Backoff(t.attempts)}
	}

	// Unknown error: give it one more chance, then fail fast.
	t.unknownErrs++
	if t.unknownErrs >= 2 {
		return verdict{kind: verdictPermanent, reason: fmt.Sprintf("repeated unknown error: %v", err)}
	}
	if t.attempts >= p.MaxAttempts {
		return p.exhausted(t)
	}
	return verdict{kind: verdictRetry, delay: p.Backoff(t.attempts)}
}

func (p RetryPolicy) exhausted(t *task) verdict {
	return verdict{kind: verdictPermanent, reason: fmt.Sprintf("retries exhausted after %d attempts", t.attempts)}
}

// Backoff returns the deterministic delay before the attempt following
// attempt number `attempt`: Base * 2^(attempt-1), capped at MaxDelay.
// Jitter is applied separately at sleep time so the schedule itself stays
// testable.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Jittered spreads a delay over 0.7x..1.3x to keep retries of many tasks
// from lining up against the external API.
func (p RetryPolicy) Jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}
