// Package backoff decides whether and when to reconnect after a session ends.
package backoff

import (
	"math"
	"time"
)

// maxExponent bounds the doubling when no CapExponent is set.
const maxExponent = 62

// Policy is an attempt-bounded exponential backoff.
//
// Attempts are numbered from 1. The delay before attempt n is
// min(Max, Base * 2^min(n-1, CapExponent)).
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	CapExponent int
	// MaxAttempts bounds the number of automatic attempts. Zero means unbounded.
	MaxAttempts int
}

// DefaultPolicy returns the session-level policy: 5s doubling to a 30s cap,
// at most 5 attempts before the UI has to intervene.
func DefaultPolicy() Policy {
	return Policy{
		Base:        5 * time.Second,
		Max:         30 * time.Second,
		CapExponent: 5,
		MaxAttempts: 5,
	}
}

// NextDelay returns the delay to wait before the given attempt.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if p.CapExponent >= 0 && exp > p.CapExponent {
		exp = p.CapExponent
	}
	if exp > maxExponent {
		exp = maxExponent
	}

	d := p.Base
	for i := 0; i < exp; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// ShouldAttempt reports whether another automatic attempt is allowed after
// attempts have already been made.
func (p Policy) ShouldAttempt(attempts int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempts < p.MaxAttempts
}
