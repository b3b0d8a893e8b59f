// Package pool keeps warm instances of the external agent CLI server
// ready so that starting a task does not pay a cold-start penalty.
//
// The pool maintains a standing reserve of pre-started processes
// (MinIdle), caps total concurrent processes (MaxTotal), hands out
// single-use leases, and self-heals from worker crashes through a
// backoff-bounded background replenishment loop.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calderhq/agentd/internal/config"
	"github.com/calderhq/agentd/internal/netport"
	"github.com/calderhq/agentd/internal/retry"
)

// Options wires the pool to its collaborators. Command and Environ are
// required; the rest default to production implementations.
type Options struct {
	Config  config.PoolConfig
	Backoff retry.Policy
	// Runtime tags which host platform variant this pool serves,
	// used for log correlation when several pools coexist.
	Runtime string

	Command     CommandResolver
	Environ     EnvBuilder
	BeforeStart Hook // optional

	Launcher     Launcher
	AllocatePort func(ctx context.Context) (int, error)
	Ready        ReadyCheck
	PollInterval time.Duration

	Logger *slog.Logger
}

// Pool owns a registry of worker processes and an idle queue of warm
// workers. All registry and queue mutations happen under mu; anything
// that suspends (port allocation, spawn, readiness polling) runs outside
// the lock and re-validates state before committing.
type Pool struct {
	mu      sync.Mutex
	cfg     config.PoolConfig
	backoff retry.Policy
	runtime string
	logger  *slog.Logger

	command      CommandResolver
	environ      EnvBuilder
	beforeStart  Hook
	launcher     Launcher
	allocatePort func(ctx context.Context) (int, error)
	ready        ReadyCheck
	pollInterval time.Duration

	nextID  int
	workers map[int]*Worker
	idle    []int // worker IDs, FIFO

	warmupsInFlight int
	failureStreak   int
	backoffUntil    time.Time
	backoffTimer    *time.Timer

	disposed bool
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// Stats is a point-in-time snapshot of pool state for observability
type Stats struct {
	Runtime        string            `json:"runtime"`
	Total          int               `json:"total"`
	Idle           int               `json:"idle"`
	InUse          int               `json:"in_use"`
	Starting       int               `json:"starting"`
	PendingWarmups int               `json:"pending_warmups"`
	FailureStreak  int               `json:"failure_streak"`
	Disposed       bool              `json:"disposed"`
	Config         config.PoolConfig `json:"config"`
}

// New creates a pool and kicks off background replenishment toward
// MinIdle. The configuration is normalized (MaxTotal clamped to MinIdle)
// before use.
func New(opts Options) *Pool {
	opts.Config.Normalize()
	if opts.Backoff == (retry.Policy{}) {
		opts.Backoff = retry.DefaultPolicy()
	}
	if opts.Launcher == nil {
		opts.Launcher = execLauncher{}
	}
	if opts.AllocatePort == nil {
		opts.AllocatePort = netport.Allocate
	}
	if opts.Ready == nil {
		opts.Ready = defaultReadyCheck
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultReadyPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:          opts.Config,
		backoff:      opts.Backoff,
		runtime:      opts.Runtime,
		logger:       opts.Logger,
		command:      opts.Command,
		environ:      opts.Environ,
		beforeStart:  opts.BeforeStart,
		launcher:     opts.Launcher,
		allocatePort: opts.AllocatePort,
		ready:        opts.Ready,
		pollInterval: opts.PollInterval,
		workers:      make(map[int]*Worker),
		baseCtx:      ctx,
		cancel:       cancel,
	}

	p.ensureMinIdle()
	return p
}

// Acquire returns a lease on a warm worker when one is available, spawns
// a cold worker otherwise, and returns a nil lease with a nil error when
// the pool is at capacity and cold-start fallback is allowed. The caller
// should then launch the agent process itself, bypassing the pool.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if !p.cfg.Enabled {
		p.mu.Unlock()
		p.logger.Debug("Pool disabled, caller must launch directly", "runtime", p.runtime)
		return nil, nil
	}

	// Prune the idle queue: entries may reference workers that died or
	// whose state drifted while queued.
	for len(p.idle) > 0 {
		id := p.idle[0]
		p.idle = p.idle[1:]
		w, ok := p.workers[id]
		if !ok || !w.Alive || w.State != WorkerStateIdle {
			continue
		}

		w.State = WorkerStateInUse
		lease := newLease(p, w, LeaseSourceWarm)
		p.mu.Unlock()

		p.logger.Debug("Acquired warm worker",
			"worker_id", w.ID,
			"lease_id", lease.ID(),
			"url", lease.URL(),
		)
		go p.ensureMinIdle()
		return lease, nil
	}
	p.mu.Unlock()

	// No warm worker: single synchronous cold-start attempt.
	w, err := p.spawn(ctx, WorkerStateInUse)
	if err != nil {
		if errors.Is(err, ErrAtCapacity) && p.coldStartFallbackAllowed() {
			p.logger.Warn("Pool at capacity, falling back to direct launch",
				"runtime", p.runtime,
				"max_total", p.maxTotal(),
			)
			return nil, nil
		}
		return nil, err
	}

	lease := newLease(p, w, LeaseSourceCold)
	p.logger.Debug("Acquired cold worker",
		"worker_id", w.ID,
		"lease_id", lease.ID(),
		"url", lease.URL(),
	)
	go p.ensureMinIdle()
	return lease, nil
}

// UpdateConfig replaces the pool configuration at runtime without
// dropping existing workers. Replenishment is re-evaluated immediately.
func (p *Pool) UpdateConfig(runtime string, cfg config.PoolConfig) {
	cfg.Normalize()

	p.mu.Lock()
	p.cfg = cfg
	p.runtime = runtime
	p.mu.Unlock()

	p.logger.Info("Pool configuration updated",
		"runtime", runtime,
		"min_idle", cfg.MinIdle,
		"max_total", cfg.MaxTotal,
		"enabled", cfg.Enabled,
	)
	p.ensureMinIdle()
}

// Dispose permanently closes the pool: pending backoff timers are
// canceled and every tracked worker is force-killed. Acquire fails
// afterwards.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	if p.backoffTimer != nil {
		p.backoffTimer.Stop()
		p.backoffTimer = nil
	}

	procs := make([]Process, 0, len(p.workers))
	for _, w := range p.workers {
		w.Alive = false
		if w.proc != nil {
			procs = append(procs, w.proc)
		}
	}
	p.workers = make(map[int]*Worker)
	p.idle = nil
	p.mu.Unlock()

	p.cancel()
	for _, proc := range procs {
		_ = proc.Kill()
	}
	p.logger.Info("Pool disposed", "runtime", p.runtime, "killed", len(procs))
}

// Stats returns a snapshot of the pool's current state
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Runtime:        p.runtime,
		Total:          len(p.workers),
		PendingWarmups: p.warmupsInFlight,
		FailureStreak:  p.failureStreak,
		Disposed:       p.disposed,
		Config:         p.cfg,
	}
	for _, w := range p.workers {
		switch w.State {
		case WorkerStateIdle:
			s.Idle++
		case WorkerStateInUse:
			s.InUse++
		case WorkerStateStarting:
			s.Starting++
		}
	}
	return s
}

// releaseWorker returns a leased worker to the idle queue. No-op when the
// worker is missing, dead, or already idle.
func (p *Pool) releaseWorker(id int) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || !w.Alive || w.State == WorkerStateIdle {
		p.mu.Unlock()
		return
	}
	w.State = WorkerStateIdle
	p.idle = append(p.idle, id)
	p.mu.Unlock()

	p.logger.Debug("Worker released to idle queue", "worker_id", id)
	p.ensureMinIdle()
}

// retireWorker unconditionally kills and deregisters a worker
func (p *Pool) retireWorker(id int) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	w.Alive = false
	delete(p.workers, id)
	p.removeFromIdleLocked(id)
	proc := w.proc
	p.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	p.logger.Debug("Worker retired", "worker_id", id)
	p.ensureMinIdle()
}

// handleExit is called by the supervision goroutine when a tracked
// process exits. The worker is removed regardless of its last known
// lifecycle state; replenishment restores capacity.
func (p *Pool) handleExit(id, exitCode int) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	w.Alive = false
	delete(p.workers, id)
	p.removeFromIdleLocked(id)
	state := w.State
	p.mu.Unlock()

	p.logger.Warn("Worker process exited",
		"worker_id", id,
		"exit_code", exitCode,
		"last_state", string(state),
	)
	p.ensureMinIdle()
}

// ensureMinIdle launches background warmups until the idle reserve meets
// MinIdle, respecting MaxTotal and the failure backoff window.
func (p *Pool) ensureMinIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureMinIdleLocked()
}

func (p *Pool) ensureMinIdleLocked() {
	if p.disposed || !p.cfg.Enabled {
		return
	}

	// Inside the backoff window: arrange a retry when it closes instead
	// of spawning now.
	if wait := time.Until(p.backoffUntil); wait > 0 {
		if p.backoffTimer == nil {
			p.backoffTimer = time.AfterFunc(wait, func() {
				p.mu.Lock()
				p.backoffTimer = nil
				p.ensureMinIdleLocked()
				p.mu.Unlock()
			})
		}
		return
	}

	idleCount := 0
	for _, w := range p.workers {
		if w.State == WorkerStateIdle {
			idleCount++
		}
	}

	for idleCount+p.warmupsInFlight < p.cfg.MinIdle &&
		len(p.workers)+p.warmupsInFlight < p.cfg.MaxTotal {
		p.warmupsInFlight++
		go p.warmup()
	}
}

// warmup spawns one idle worker in the background. Failures advance the
// capped failure streak and open a backoff window; success clears it.
func (p *Pool) warmup() {
	_, err := p.spawn(p.baseCtx, WorkerStateIdle)

	p.mu.Lock()
	p.warmupsInFlight--
	if err != nil {
		p.failureStreak = p.backoff.NextStreak(p.failureStreak)
		delay := p.backoff.DelayFor(p.failureStreak)
		p.backoffUntil = time.Now().Add(delay)

		if p.backoff.Saturated(p.failureStreak) {
			p.logger.Warn("Worker warmup failing persistently",
				"runtime", p.runtime,
				"failure_streak", p.failureStreak,
				"backoff", delay,
				"error", err,
			)
		} else {
			p.logger.Debug("Worker warmup failed, backing off",
				"failure_streak", p.failureStreak,
				"backoff", delay,
				"error", err,
			)
		}
		p.ensureMinIdleLocked()
		p.mu.Unlock()
		return
	}

	p.failureStreak = 0
	p.backoffUntil = time.Time{}
	p.ensureMinIdleLocked()
	p.mu.Unlock()
}

func (p *Pool) removeFromIdleLocked(id int) {
	for i, queued := range p.idle {
		if queued == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) coldStartFallbackAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.ColdStartFallback
}

func (p *Pool) maxTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxTotal
}
