package pool

import (
	"context"
	"errors"
)

// WorkerState represents the lifecycle state of a pooled worker process
type WorkerState string

const (
	// WorkerStateStarting indicates the process is launched but not yet
	// answering its health check
	WorkerStateStarting WorkerState = "starting"
	// WorkerStateIdle indicates the worker is warm and available for lease
	WorkerStateIdle WorkerState = "idle"
	// WorkerStateInUse indicates the worker is leased to a task
	WorkerStateInUse WorkerState = "in_use"
)

// Worker is the pool's handle to one spawned agent server process.
// Owned exclusively by the Pool; all access goes through the pool mutex.
type Worker struct {
	ID    int
	URL   string
	State WorkerState
	Alive bool

	proc Process
}

// LaunchSpec describes one worker process launch
type LaunchSpec struct {
	Command string
	Args    []string
	Env     []string
	Port    int
}

// Process is a supervised worker process. Exit is observed through Done
// rather than callbacks so the pool's registry mutations stay synchronous
// and testable without touching the OS process API.
type Process interface {
	// Kill force-terminates the process. Idempotent.
	Kill() error
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// ExitCode is valid only after Done is closed
	ExitCode() int
}

// Launcher starts worker processes. The default implementation execs the
// external agent CLI detached from the daemon's lifecycle; tests supply
// in-memory fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// CommandResolver returns the command and arguments that launch the
// external agent CLI in server mode on the given port.
type CommandResolver func(port int) (command string, args []string)

// EnvBuilder produces the process environment for a spawn
type EnvBuilder func(ctx context.Context) ([]string, error)

// Hook runs before a worker process is started, letting the owner prepare
// filesystem or config state.
type Hook func(ctx context.Context) error

// ReadyCheck probes a worker's base URL and reports whether it is serving
type ReadyCheck func(ctx context.Context, url string) bool

var (
	// ErrPoolClosed is returned by Acquire after Dispose
	ErrPoolClosed = errors.New("server pool is disposed")
	// ErrAtCapacity is returned when a spawn would exceed MaxTotal
	ErrAtCapacity = errors.New("server pool at capacity")

	errStartupTimeout = errors.New("worker did not become ready before startup timeout")
	errExitedDuringStartup = errors.New("worker process exited during startup")
)
