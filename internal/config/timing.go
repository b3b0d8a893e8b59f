package config

import "time"

// Default timing configurations used throughout the daemon
const (
	// DefaultStartupTimeout is how long a spawned worker may take to answer
	// its first health check before it is killed
	DefaultStartupTimeout = 30 * time.Second

	// DefaultReadyPollInterval is how often to poll a starting worker's
	// HTTP endpoint during the readiness wait
	DefaultReadyPollInterval = 250 * time.Millisecond

	// DefaultHealthRequestTimeout is the per-request budget of a single
	// readiness probe, independent of the overall startup timeout
	DefaultHealthRequestTimeout = 2 * time.Second

	// DefaultMinIdle is the standing reserve of pre-warmed workers
	DefaultMinIdle = 1

	// DefaultMaxTotal is the hard cap on concurrent worker processes
	DefaultMaxTotal = 4

	// DefaultMaxContinuationAttempts bounds how many continuation prompts
	// a single task may receive before the circuit breaker trips
	DefaultMaxContinuationAttempts = 3
)
