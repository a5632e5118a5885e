// Package retry decides whether a failed delivery attempt is worth repeating
// and how long to wait before the next one.
package retry

import (
	"errors"
	"math/rand"
	"net/http"
	"time"
)

// Class partitions delivery failures.
type Class int

const (
	// Retryable failures are transient: timeouts, 5xx, 429, connection resets.
	Retryable Class = iota
	// Terminal failures will not succeed on a later attempt.
	Terminal
)

// ErrTerminal marks an error as not worth retrying. Sync handlers wrap
// permanent backend rejections with it.
var ErrTerminal = errors.New("terminal delivery error")

// ClassifyStatus classifies a non-2xx HTTP response code. 429 asks for
// backoff; every other 4xx is the receiver telling us to stop.
func ClassifyStatus(code int) Class {
	if code == http.StatusTooManyRequests {
		return Retryable
	}
	if code >= 400 && code < 500 {
		return Terminal
	}
	return Retryable
}

// ClassifyErr classifies a delivery error. Transport failures are retryable
// unless the error is wrapped with ErrTerminal.
func ClassifyErr(err error) Class {
	if errors.Is(err, ErrTerminal) {
		return Terminal
	}
	return Retryable
}

// Policy is an exponential backoff schedule: Base doubled per attempt,
// capped at Max, with up to Jitter (a fraction of the delay, at most 1.0)
// added so simultaneously failed items do not retry in lockstep.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Default matches the configured defaults: 2s base, 5m cap, 20% jitter.
func Default() Policy {
	return Policy{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

// NextDelay returns the wait before attempt n (1-based). Monotonically
// non-decreasing below the cap, and exactly Max once the cap is reached.
func (p Policy) NextDelay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 5 * time.Minute
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	jitter := p.Jitter
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		delay += time.Duration(rand.Float64() * jitter * float64(delay))
	}
	if delay > maximum {
		return maximum
	}
	return delay
}
