// Package retry holds the pure building blocks of the client's retry loop:
// the jittered exponential backoff schedule and the failure classifier.
// Nothing in this package performs IO or touches shared state.
package retry

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBase is the delay before the first resubmission.
	DefaultBase = time.Second
	// DefaultCap bounds the exponential growth of the delay.
	DefaultCap = 10 * time.Second
	// DefaultJitter perturbs each delay by up to ±20%.
	DefaultJitter = 0.2

	// maxShift keeps Base<<shift inside the int64 range of time.Duration.
	maxShift = 30
)

// Policy computes retry delays as min(Base*2^attempt, Cap) perturbed by a
// uniform jitter of ±Jitter. Rand must return values in [0, 1); tests inject a
// fixed source to make Delay deterministic.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	Rand   func() float64
}

// DefaultPolicy returns the schedule used by the client: 1s base, 10s cap, ±20%.
func DefaultPolicy() Policy {
	return Policy{
		Base:   DefaultBase,
		Cap:    DefaultCap,
		Jitter: DefaultJitter,
	}
}

// Unjittered returns min(Base*2^attempt, Cap). Negative attempts count as zero.
func (p Policy) Unjittered(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = DefaultCap
	}

	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}

	delay := base << uint(shift)
	if delay <= 0 || delay > ceiling {
		delay = ceiling
	}
	return delay
}

// Delay returns the jittered delay to wait before resubmitting after the given
// zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Unjittered(attempt)

	jitter := p.Jitter
	if jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}

	r := p.random()
	factor := 1 + jitter*(2*r-1)
	return time.Duration(float64(delay) * factor)
}

// DelayMillis is Delay expressed in whole milliseconds.
func (p Policy) DelayMillis(attempt int) int64 {
	return p.Delay(attempt).Milliseconds()
}

func (p Policy) random() float64 {
	if p.Rand == nil {
		return rand.Float64()
	}
	r := p.Rand()
	switch {
	case r < 0:
		return 0
	case r >= 1:
		return 1
	default:
		return r
	}
}
