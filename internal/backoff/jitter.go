package backoff

import (
	"math/rand"
	"time"
)

// JitterType selects how a computed interval is randomized before use.
type JitterType int

const (
	// NoJitter returns the interval unchanged.
	NoJitter JitterType = iota
	// FullJitter returns a value uniformly distributed in [0, interval].
	FullJitter
	// Jitter returns a value uniformly distributed in [0.5*interval, 1.5*interval].
	Jitter
)

// JitterFunc randomizes a computed backoff interval.
type JitterFunc func(interval time.Duration) time.Duration

// NewJitterFunc returns the JitterFunc for the given JitterType.
func NewJitterFunc(jt JitterType) JitterFunc {
	switch jt {
	case FullJitter:
		return fullJitter
	case Jitter:
		return halfJitter
	default:
		return noJitter
	}
}

func noJitter(interval time.Duration) time.Duration {
	if interval < 0 {
		return 0
	}
	return interval
}

func fullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval) + 1))
}

func halfJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	half := float64(interval) / 2
	return time.Duration(half + rand.Float64()*float64(interval))
}

// WithJitter wraps a RetryPolicy so every computed interval is randomized by jitterFunc.
func WithJitter(policy RetryPolicy, jt JitterType) RetryPolicy {
	return &jitteredPolicy{policy: policy, jitterFunc: NewJitterFunc(jt)}
}

type jitteredPolicy struct {
	policy     RetryPolicy
	jitterFunc JitterFunc
}

func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitterFunc(interval), nil
}
