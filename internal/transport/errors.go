package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Send error taxonomy. Adapters wrap platform errors into one of these so
// the retry policy can classify outcomes without knowing the platform.
//
//   - ErrBlocked: the recipient is permanently unreachable (blocked the
//     bot, deactivated account, chat gone). Never retried.
//   - ErrTransient: network trouble or a server-side (5xx-equivalent)
//     failure. Retried with backoff.
//   - RateLimitedError: the API rejected the send for exceeding its rate
//     budget. Retried with extended backoff.
//
// Anything else is an unknown error; the policy retries it once and gives
// up on the second occurrence.
var (
	ErrBlocked   = errors.New("recipient unreachable")
	ErrTransient = errors.New("transient send failure")
)

// RateLimitedError reports an API-side rate limit rejection.
// RetryAfter is zero when the platform did not say how long to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by API, retry after %s", e.RetryAfter)
	}
	return "rate limited by API"
}

// IsBlocked reports whether err marks the recipient permanently unreachable.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }

// IsTransient reports whether err is worth retrying as a network/API blip.
// Timeouts count: a send attempt that exceeded its deadline is treated as a
// network error.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// AsRateLimited extracts the API's suggested wait from a rate-limit error.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
