// Package retry decides whether and how long to wait before repeating a
// failed call to the Admin API. It performs no I/O.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitterMax   = 250 * time.Millisecond
	DefaultMaxAttempts = 6
)

// Policy is an exponential backoff with additive uniform jitter.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	JitterMax   time.Duration
	MaxAttempts int

	// Jitter returns a value in [0, max]. Nil uses math/rand/v2.
	Jitter func(max time.Duration) time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		JitterMax:   DefaultJitterMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns min(base*mult^(attempt-1), maxDelay) + uniform(0, jitterMax)
// for the 1-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && (backoff > float64(p.MaxDelay) || math.IsInf(backoff, 0) || math.IsNaN(backoff)) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff) + p.jitter()
}

func (p Policy) jitter() time.Duration {
	if p.JitterMax <= 0 {
		return 0
	}
	if p.Jitter != nil {
		j := p.Jitter(p.JitterMax)
		if j < 0 {
			return 0
		}
		if j > p.JitterMax {
			return p.JitterMax
		}
		return j
	}
	return time.Duration(rand.Int64N(int64(p.JitterMax) + 1))
}

// Class is the outcome category of a single HTTP attempt.
type Class int

const (
	Success Class = iota
	RetryableRateLimited
	RetryableServerError
	RetryableTransport
	TerminalClientError
	TerminalTransport
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case RetryableRateLimited:
		return "retryable-rate-limited"
	case RetryableServerError:
		return "retryable-server-error"
	case RetryableTransport:
		return "retryable-transport-error"
	case TerminalClientError:
		return "terminal-client-error"
	case TerminalTransport:
		return "terminal-transport-error"
	}
	return "unknown"
}

// Retryable reports whether the class may be retried while attempts remain.
func (c Class) Retryable() bool {
	return c == RetryableRateLimited || c == RetryableServerError || c == RetryableTransport
}

// Classify maps an HTTP status code to a Class. Anything that is neither
// 2xx, 429 nor 5xx is terminal.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusTooManyRequests:
		return RetryableRateLimited
	case status >= 500 && status < 600:
		return RetryableServerError
	default:
		return TerminalClientError
	}
}

// ClassifyError maps a failed round trip to a Class. Caller cancellation is
// terminal; dial failures, resets and timeouts are retryable.
func ClassifyError(err error) Class {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) {
		return TerminalTransport
	}
	return RetryableTransport
}

// maxHintSeconds is the largest Retry-After that fits a time.Duration.
const maxHintSeconds = float64(math.MaxInt64) / float64(time.Second)

// RetryAfter parses a Retry-After header given either as (possibly
// fractional) seconds or as an HTTP date relative to now.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs >= maxHintSeconds {
			return time.Duration(math.MaxInt64), true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Decision is what the caller should do after an attempt.
type Decision struct {
	Class Class
	Retry bool
	Wait  time.Duration
}

// Decide turns the class of the given 1-based attempt into a decision.
// hint is a server-supplied wait and only applies to rate limiting.
// Once attempt reaches MaxAttempts every class is terminal.
func (p Policy) Decide(attempt int, class Class, hint time.Duration, hasHint bool) Decision {
	d := Decision{Class: class}
	if !class.Retryable() {
		return d
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return d
	}
	d.Retry = true
	if class == RetryableRateLimited && hasHint {
		d.Wait = max(hint, 0)
		return d
	}
	d.Wait = p.Delay(attempt)
	return d
}
