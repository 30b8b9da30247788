// Package delay implements the latency policy that decides how long
// each forwarded chunk should wait before being delivered.
package delay

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Policy samples the artificial latency added to each forwarded chunk
// from the continuous uniform distribution over [min, max]. The zero
// value is invalid; use [New] to construct. A nil [Policy] is valid
// and always samples a zero delay (latency injection disabled).
//
// A single [Policy] is shared by both directions of a connection pair,
// hence [Policy.Sample] is safe for concurrent use.
type Policy struct {
	// min is the lower bound of the distribution.
	min time.Duration

	// max is the upper bound of the distribution.
	max time.Duration

	// mu protects rnd, whose Float64 method is not goroutine safe.
	mu sync.Mutex

	// rnd is the source of randomness owned by this policy.
	rnd *rand.Rand
}

// New creates a [Policy] with the given bounds. Invalid bounds are
// normalized rather than rejected: a negative minimum clamps to zero
// and a maximum smaller than the minimum collapses to the minimum,
// which yields a fixed rather than ranged delay.
func New(min, max time.Duration) *Policy {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &Policy{
		min: min,
		max: max,
		mu:  sync.Mutex{},
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Min returns the lower bound of the distribution.
func (p *Policy) Min() time.Duration {
	if p == nil {
		return 0
	}
	return p.min
}

// Max returns the upper bound of the distribution.
func (p *Policy) Max() time.Duration {
	if p == nil {
		return 0
	}
	return p.max
}

// Sample returns one independent draw from the uniform distribution
// over [min, max]. When min equals max every draw equals min. When the
// policy is nil every draw is zero.
//
// A different distribution may model real-world latency more
// accurately; uniform keeps the behavior easy to reason about.
func (p *Policy) Sample() time.Duration {
	if p == nil {
		return 0
	}
	if p.max <= p.min {
		return p.min
	}
	p.mu.Lock()
	draw := p.rnd.Float64()
	p.mu.Unlock()
	return p.min + time.Duration(draw*float64(p.max-p.min))
}

// String returns the human-readable description of the policy used
// by the startup banner.
func (p *Policy) String() string {
	if p == nil {
		return "no delay"
	}
	return fmt.Sprintf("[%f-%f] seconds added latency", p.min.Seconds(), p.max.Seconds())
}
