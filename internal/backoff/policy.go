// Package backoff implements the reconnection delay policy for the streaming
// channel: exponential growth with jitter, a bias mechanism for fast retries
// after duplicate-connection rejections, and attempt-count reset once a
// connection has stayed healthy for a stabilization window.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes reconnect delays. The zero value is not usable; construct
// with NewPolicy.
type Policy struct {
	// Base is the first delay while recording; IdleBase applies when the
	// session is paused and reconnect urgency is lower.
	Base     time.Duration
	IdleBase time.Duration
	// Cap bounds the exponential growth.
	Cap time.Duration
	// Jitter is the relative spread applied to each delay, e.g. 0.25 for
	// +/-25%.
	Jitter float64

	// rand returns a value in [0, 1). Injectable for deterministic tests.
	rand func() float64
}

// NewPolicy builds a policy with the given parameters and a seeded random
// jitter source.
func NewPolicy(base, idleBase, cap time.Duration, jitter float64) Policy {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return Policy{
		Base:     base,
		IdleBase: idleBase,
		Cap:      cap,
		Jitter:   jitter,
		rand:     rng.Float64,
	}
}

// NextDelay is a pure function of the previous pre-jitter delay and the
// current recording state. A zero previous delay starts the sequence at the
// base; otherwise the previous delay doubles, capped. Jitter applies only to
// the returned value, never to the sequence itself, so the spread cannot
// compound across attempts.
func (p Policy) NextDelay(previous time.Duration, recording bool) time.Duration {
	return p.applyJitter(p.step(previous, recording))
}

// step is the deterministic part of the sequence: base, doubling, cap.
func (p Policy) step(previous time.Duration, recording bool) time.Duration {
	base := p.Base
	if !recording {
		base = p.IdleBase
	}

	next := base
	if previous > 0 {
		next = previous * 2
	}
	if next > p.Cap {
		next = p.Cap
	}
	return next
}

func (p Policy) applyJitter(delay time.Duration) time.Duration {
	if p.Jitter > 0 && p.rand != nil {
		// spread in [-jitter, +jitter)
		spread := (p.rand()*2 - 1) * p.Jitter
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Schedule tracks reconnect attempts for one session: the pre-jitter delay of
// the last attempt, an optional bias seed, and the attempt count that resets
// only after a connection stays healthy for the stabilization window.
type Schedule struct {
	policy      Policy
	maxAttempts int

	attempts int
	previous time.Duration
	bias     time.Duration
	biased   bool
}

// NewSchedule builds a schedule over the given policy with an attempt budget.
func NewSchedule(policy Policy, maxAttempts int) *Schedule {
	return &Schedule{policy: policy, maxAttempts: maxAttempts}
}

// Next returns the delay before the upcoming attempt, or false once the
// attempt budget is exhausted. A pending bias seed overrides the exponential
// sequence for exactly one attempt.
func (s *Schedule) Next(recording bool) (time.Duration, bool) {
	if s.attempts >= s.maxAttempts {
		return 0, false
	}
	s.attempts++

	if s.biased {
		s.biased = false
		s.previous = s.bias
		return s.bias, true
	}

	// jitter applies to the handed-out delay only; the sequence doubles
	// from the deterministic value
	delay := s.policy.step(s.previous, recording)
	s.previous = delay
	return s.policy.applyJitter(delay), true
}

// Seed biases the next delay directly, e.g. a short single retry after the
// server rejected a duplicate connection.
func (s *Schedule) Seed(delay time.Duration) {
	s.bias = delay
	s.biased = true
}

// ConfirmStable resets the attempt counter and the exponential sequence. The
// caller invokes it once a reconnected channel has reported liveness for the
// full stabilization window, so one last spurious disconnect cannot inflate
// future backoff.
func (s *Schedule) ConfirmStable() {
	s.attempts = 0
	s.previous = 0
	s.bias = 0
	s.biased = false
}

// Attempts reports how many attempts have been consumed since the last
// stability confirmation.
func (s *Schedule) Attempts() int {
	return s.attempts
}
