// Package retry defines the backoff policy used when background worker
// warmups fail repeatedly.
package retry

import (
	"errors"
	"math"
	"time"
)

// Policy defines backoff behavior for failed warmup attempts.
// The failure streak grows by one per consecutive failure up to StreakCap;
// a successful warmup resets it to zero.
type Policy struct {
	StreakCap    int           // Maximum tracked consecutive failures
	InitialDelay time.Duration // Delay after the first failure
	MaxDelay     time.Duration // Ceiling for the computed delay
	Multiplier   float64       // Exponential growth factor per failure
}

// DefaultPolicy returns the warmup backoff policy: 1s doubling per
// consecutive failure, capped at 30s, streak tracked up to 8.
func DefaultPolicy() Policy {
	return Policy{
		StreakCap:    8,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// NextStreak returns the failure streak after one more failure,
// capped at StreakCap.
func (p *Policy) NextStreak(streak int) int {
	if streak >= p.StreakCap {
		return p.StreakCap
	}
	return streak + 1
}

// DelayFor calculates the suppression delay for the given failure streak:
// InitialDelay * Multiplier^(streak-1), capped at MaxDelay.
// A zero or negative streak means no failure has occurred and no delay applies.
func (p *Policy) DelayFor(streak int) time.Duration {
	if streak <= 0 {
		return 0
	}
	if streak > p.StreakCap {
		streak = p.StreakCap
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(streak-1))
	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Saturated reports whether the streak has reached the cap, meaning the
// delay no longer grows and the failure is persistent enough to alarm on.
func (p *Policy) Saturated(streak int) bool {
	return streak >= p.StreakCap
}

// Validate checks if the backoff policy configuration is valid
func (p *Policy) Validate() error {
	if p.StreakCap <= 0 {
		return errors.New("StreakCap must be positive")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.Multiplier <= 0 {
		return errors.New("Multiplier must be positive")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
