// Package backoff implements the bounded-exponential retry delay used
// between failed Manager-fetch attempts (see the worker state machine's
// main loop).
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff with jitter.
type Policy struct {
	Initial      time.Duration
	Max          time.Duration
	Factor       float64
	JitterFactor float64
}

// Default is a reasonable policy for a fetch-retry loop against a
// flaky Manager.
func Default() *Policy {
	return &Policy{
		Initial:      1 * time.Second,
		Max:          30 * time.Second,
		Factor:       2.0,
		JitterFactor: 0.1,
	}
}

// Delay returns the delay to wait before the given attempt number (0-based:
// attempt 0 is the delay before the first retry after an initial failure).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}

	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.JitterFactor > 0 {
		jitter := d * p.JitterFactor * (rand.Float64()*2 - 1)
		d += jitter
	}

	if d < 0 {
		d = float64(p.Initial)
	}

	return time.Duration(d)
}

// Sequence is a stateful counter of consecutive failures, used by a
// fetch loop to compute successive delays without tracking the attempt
// index itself.
type Sequence struct {
	policy  *Policy
	attempt int
}

// NewSequence creates a Sequence bound to policy (Default() if nil).
func NewSequence(policy *Policy) *Sequence {
	if policy == nil {
		policy = Default()
	}
	return &Sequence{policy: policy}
}

// Next returns the delay for the next failure and advances the sequence.
func (s *Sequence) Next() time.Duration {
	d := s.policy.Delay(s.attempt)
	s.attempt++
	return d
}

// Reset clears the failure count, called after a successful fetch.
func (s *Sequence) Reset() {
	s.attempt = 0
}
