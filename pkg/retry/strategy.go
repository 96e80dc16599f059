// Package retry provides reconnect policies and a cancellable retry timer.
package retry

import (
	"math"
	"time"
)

// Strategy decides how many retries a client makes and how long it waits
// before each one. Attempt numbers start at 1. Implementations must be
// immutable so one strategy can be shared by many clients.
type Strategy interface {
	// MaxTimes returns the number of retries allowed in one chain.
	MaxTimes() int
	// Delay returns the wait before retry attempt n.
	Delay(attempt int) time.Duration
}

const (
	// DefaultMaxTimes is the retry limit of DefaultConstant.
	DefaultMaxTimes = 10
	// DefaultDelay is the fixed wait of DefaultConstant.
	DefaultDelay = 2 * time.Second
)

type constantRetry struct {
	maxTimes int
	delay    time.Duration
}

// Constant waits the same delay before every attempt.
func Constant(maxTimes int, delay time.Duration) Strategy {
	return constantRetry{maxTimes: maxTimes, delay: delay}
}

// DefaultConstant returns Constant(10, 2s).
func DefaultConstant() Strategy {
	return Constant(DefaultMaxTimes, DefaultDelay)
}

func (c constantRetry) MaxTimes() int { return c.maxTimes }

func (c constantRetry) Delay(int) time.Duration { return c.delay }

type linearRetry struct {
	maxTimes int
	base     time.Duration
	step     time.Duration
}

// Linear waits base + step*(attempt-1).
func Linear(maxTimes int, base, step time.Duration) Strategy {
	return linearRetry{maxTimes: maxTimes, base: base, step: step}
}

func (l linearRetry) MaxTimes() int { return l.maxTimes }

func (l linearRetry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return l.base + l.step*time.Duration(attempt-1)
}

type exponentialRetry struct {
	maxTimes int
	base     time.Duration
	factor   float64
	max      time.Duration
}

// Exponential waits base * factor^(attempt-1), capped at max when max > 0.
func Exponential(maxTimes int, base time.Duration, factor float64, max time.Duration) Strategy {
	return exponentialRetry{maxTimes: maxTimes, base: base, factor: factor, max: max}
}

func (e exponentialRetry) MaxTimes() int { return e.maxTimes }

func (e exponentialRetry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.base) * math.Pow(e.factor, float64(attempt-1))
	if e.max > 0 && f > float64(e.max) {
		return e.max
	}
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}
