package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// spawn launches one worker process and waits until it answers its health
// check. The handle is registered before the readiness wait so an exit
// during startup is observable; on timeout or early exit the process is
// killed and the handle removed. targetState decides whether the ready
// worker lands in the idle queue or is handed straight to a lease.
func (p *Pool) spawn(ctx context.Context, targetState WorkerState) (*Worker, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.workers) >= p.cfg.MaxTotal {
		p.mu.Unlock()
		return nil, ErrAtCapacity
	}
	p.nextID++
	w := &Worker{
		ID:    p.nextID,
		State: WorkerStateStarting,
		Alive: true,
	}
	p.workers[w.ID] = w
	startupTimeout := p.cfg.StartupTimeout
	p.mu.Unlock()

	proc, err := p.launchProcess(ctx, w)
	if err != nil {
		p.deregister(w)
		return nil, err
	}
	go p.supervise(w.ID, proc)

	if err := p.waitReady(ctx, w, proc, startupTimeout); err != nil {
		_ = proc.Kill()
		p.deregister(w)
		return nil, err
	}

	// Re-validate after the readiness wait: the pool may have been
	// disposed, or the exit handler may have already dropped the handle.
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		_ = proc.Kill()
		return nil, ErrPoolClosed
	}
	if current, ok := p.workers[w.ID]; !ok || current != w || !w.Alive {
		p.mu.Unlock()
		return nil, errExitedDuringStartup
	}
	w.State = targetState
	if targetState == WorkerStateIdle {
		p.idle = append(p.idle, w.ID)
	}
	p.mu.Unlock()

	p.logger.Info("Worker ready",
		"worker_id", w.ID,
		"url", w.URL,
		"state", string(targetState),
	)
	return w, nil
}

// launchProcess runs the before-start hook, resolves command, environment
// and port, and starts the process. All of this suspends, so it runs
// outside the pool lock; the caller owns handle cleanup on error.
func (p *Pool) launchProcess(ctx context.Context, w *Worker) (Process, error) {
	if p.beforeStart != nil {
		if err := p.beforeStart(ctx); err != nil {
			return nil, fmt.Errorf("before-start hook failed: %w", err)
		}
	}

	env, err := p.environ(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build environment: %w", err)
	}

	port, err := p.allocatePort(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port: %w", err)
	}

	command, args := p.command(port)
	proc, err := p.launcher.Launch(ctx, LaunchSpec{
		Command: command,
		Args:    args,
		Env:     env,
		Port:    port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch worker process: %w", err)
	}

	w.proc = proc
	w.URL = fmt.Sprintf("http://127.0.0.1:%d", port)

	p.logger.Debug("Worker process launched",
		"worker_id", w.ID,
		"command", command,
		"port", port,
	)
	return proc, nil
}

// waitReady polls the worker's HTTP endpoint until it answers, the
// process exits, or the startup timeout elapses.
func (p *Pool) waitReady(ctx context.Context, w *Worker, proc Process, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.pollInterval)
	defer tick.Stop()

	for {
		if p.ready(ctx, w.URL) {
			return nil
		}
		select {
		case <-tick.C:
		case <-proc.Done():
			return errExitedDuringStartup
		case <-deadline.C:
			return fmt.Errorf("%w after %v", errStartupTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// supervise forwards the process exit event into the pool once it occurs
func (p *Pool) supervise(id int, proc Process) {
	<-proc.Done()
	p.handleExit(id, proc.ExitCode())
}

func (p *Pool) deregister(w *Worker) {
	p.mu.Lock()
	if current, ok := p.workers[w.ID]; ok && current == w {
		w.Alive = false
		delete(p.workers, w.ID)
		p.removeFromIdleLocked(w.ID)
	}
	p.mu.Unlock()
}

// execLauncher starts the external agent CLI detached from the daemon's
// lifecycle, so pooled workers never keep the host process alive.
type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	proc := &osProcess{cmd: cmd, done: make(chan struct{})}
	go proc.wait()
	return proc, nil
}

// osProcess supervises one spawned OS process and resolves its exit
// through the done channel.
type osProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
	}
	close(p.done)
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

// ExitCode is valid only once Done is closed
func (p *osProcess) ExitCode() int { return p.exitCode }

// Kill terminates the whole process group; the agent CLI forks helpers
// that must not outlive their server.
func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcessGroup(p.cmd.Process.Pid)
}
