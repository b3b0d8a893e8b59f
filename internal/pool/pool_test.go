package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calderhq/agentd/internal/config"
	"github.com/calderhq/agentd/internal/retry"
)

// fakeProcess is an in-memory Process whose exit is driven by the test
type fakeProcess struct {
	mu     sync.Mutex
	done   chan struct{}
	code   int
	killed bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (f *fakeProcess) Done() <-chan struct{} { return f.done }

func (f *fakeProcess) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeProcess) Kill() error {
	f.exit(-1)
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) exit(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		f.code = code
		close(f.done)
	}
}

// fakeLauncher records launches and optionally fails them
type fakeLauncher struct {
	mu        sync.Mutex
	launched  []*fakeProcess
	failNext  int
	launchErr error
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		err := f.launchErr
		if err == nil {
			err = errors.New("launch refused")
		}
		return nil, err
	}
	proc := newFakeProcess()
	f.launched = append(f.launched, proc)
	return proc, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func (f *fakeLauncher) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.launched) == 0 {
		return nil
	}
	return f.launched[len(f.launched)-1]
}

func testOptions(launcher *fakeLauncher, cfg config.PoolConfig) Options {
	var portCounter int
	var portMu sync.Mutex
	return Options{
		Config:   cfg,
		Backoff:  retry.Policy{StreakCap: 8, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		Runtime:  "test",
		Launcher: launcher,
		Command: func(port int) (string, []string) {
			return "agent-cli", []string{"serve", "--port", fmt.Sprint(port)}
		},
		Environ: func(ctx context.Context) ([]string, error) {
			return []string{"AGENT_MODE=server"}, nil
		},
		AllocatePort: func(ctx context.Context) (int, error) {
			portMu.Lock()
			defer portMu.Unlock()
			portCounter++
			return 40000 + portCounter, nil
		},
		Ready:        func(ctx context.Context, url string) bool { return true },
		PollInterval: time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestAcquireColdWhenNoWarmWorker(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 0, MaxTotal: 2, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease == nil {
		t.Fatal("Expected a lease")
	}
	if lease.Source() != LeaseSourceCold {
		t.Errorf("Source = %s, want cold", lease.Source())
	}
	if lease.URL() == "" {
		t.Error("Expected lease URL")
	}
}

func TestAcquireWarmAfterRelease(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 0, MaxTotal: 2, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	first, err := p.Acquire(context.Background())
	if err != nil || first == nil {
		t.Fatalf("Acquire: lease=%v err=%v", first, err)
	}
	workerID := first.WorkerID()
	first.Release()

	// The released worker must be reused, not a fresh spawn.
	second, err := p.Acquire(context.Background())
	if err != nil || second == nil {
		t.Fatalf("Acquire after release: lease=%v err=%v", second, err)
	}
	if second.Source() != LeaseSourceWarm {
		t.Errorf("Source = %s, want warm", second.Source())
	}
	if second.WorkerID() != workerID {
		t.Errorf("WorkerID = %d, want %d (reuse)", second.WorkerID(), workerID)
	}
	if launcher.count() != 1 {
		t.Errorf("Launched %d processes, want 1", launcher.count())
	}
}

func TestAcquireAtCapacityFallback(t *testing.T) {
	launcher := &fakeLauncher{}
	cfg := config.PoolConfig{MinIdle: 0, MaxTotal: 1, ColdStartFallback: true, Enabled: true, StartupTimeout: time.Second}
	p := New(testOptions(launcher, cfg))
	defer p.Dispose()

	lease, err := p.Acquire(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("First acquire: lease=%v err=%v", lease, err)
	}

	// Pool is full: fallback returns no lease and no error.
	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Expected fallback, got error: %v", err)
	}
	if second != nil {
		t.Error("Expected nil lease at capacity with fallback enabled")
	}
}

func TestAcquireAtCapacityNoFallback(t *testing.T) {
	launcher := &fakeLauncher{}
	cfg := config.PoolConfig{MinIdle: 0, MaxTotal: 1, ColdStartFallback: false, Enabled: true, StartupTimeout: time.Second}
	p := New(testOptions(launcher, cfg))
	defer p.Dispose()

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("First acquire: %v", err)
	}

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("Expected ErrAtCapacity, got %v", err)
	}
}

func TestAcquireDisabledPool(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 2, MaxTotal: 4, Enabled: false, StartupTimeout: time.Second}))
	defer p.Dispose()

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease != nil {
		t.Error("Expected nil lease from disabled pool")
	}
	if launcher.count() != 0 {
		t.Errorf("Disabled pool launched %d processes", launcher.count())
	}
}

func TestReplenishmentMaintainsMinIdle(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 2, MaxTotal: 4, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	waitFor(t, "two idle workers", func() bool { return p.Stats().Idle == 2 })

	// Consuming one warm worker triggers a replacement spawn.
	lease, err := p.Acquire(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("Acquire: lease=%v err=%v", lease, err)
	}
	if lease.Source() != LeaseSourceWarm {
		t.Errorf("Source = %s, want warm", lease.Source())
	}

	waitFor(t, "idle reserve restored", func() bool {
		s := p.Stats()
		return s.Idle == 2 && s.InUse == 1
	})
}

func TestReplenishmentRespectsMaxTotal(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 3, MaxTotal: 3, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	waitFor(t, "idle reserve", func() bool { return p.Stats().Idle == 3 })

	// All three leased; no further spawns possible.
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil || lease == nil {
			t.Fatalf("Acquire %d: lease=%v err=%v", i, lease, err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	s := p.Stats()
	if s.Total > 3 {
		t.Errorf("Total = %d, exceeds MaxTotal 3", s.Total)
	}
}

func TestPoolInvariantCounts(t *testing.T) {
	launcher := &fakeLauncher{}
	cfg := config.PoolConfig{MinIdle: 2, MaxTotal: 4, Enabled: true, StartupTimeout: time.Second}
	p := New(testOptions(launcher, cfg))
	defer p.Dispose()

	check := func() {
		s := p.Stats()
		if s.Idle+s.InUse+s.Starting > s.Total {
			t.Errorf("idle(%d)+inUse(%d)+starting(%d) > total(%d)", s.Idle, s.InUse, s.Starting, s.Total)
		}
		if s.Total > cfg.MaxTotal {
			t.Errorf("total(%d) > maxTotal(%d)", s.Total, cfg.MaxTotal)
		}
	}

	waitFor(t, "idle reserve", func() bool { return p.Stats().Idle == 2 })
	check()

	leases := make([]*Lease, 0, 4)
	for i := 0; i < 4; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if lease != nil {
			leases = append(leases, lease)
		}
		check()
	}
	for _, lease := range leases {
		lease.Release()
		check()
	}
}

func TestDeadIdleWorkerNeverLeased(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 1, MaxTotal: 1, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	waitFor(t, "one idle worker", func() bool { return p.Stats().Idle == 1 })

	// Kill the idle worker behind the pool's back; the exit handler must
	// drop it from the queue and replenishment must replace it.
	launcher.launched[0].exit(1)
	waitFor(t, "replacement idle worker", func() bool {
		return launcher.count() >= 2 && p.Stats().Idle == 1
	})

	lease, err := p.Acquire(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("Acquire: lease=%v err=%v", lease, err)
	}
	if lease.WorkerID() == 1 {
		t.Error("Leased the dead worker")
	}
}

func TestWorkerExitTriggersReplenishment(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 1, MaxTotal: 2, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	waitFor(t, "one idle worker", func() bool { return p.Stats().Idle == 1 })
	launcher.last().exit(1)

	// Pool self-heals without caller involvement.
	waitFor(t, "replacement spawned", func() bool {
		return launcher.count() >= 2 && p.Stats().Idle == 1
	})
}

func TestRetireKillsWorker(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 0, MaxTotal: 2, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	lease, err := p.Acquire(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("Acquire: lease=%v err=%v", lease, err)
	}
	proc := launcher.last()
	lease.Retire()

	waitFor(t, "process killed", func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.killed
	})
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("Total = %d after retire, want 0", s.Total)
	}
}

func TestLeaseReleaseRetireOneShot(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 0, MaxTotal: 2, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	lease, err := p.Acquire(context.Background())
	if err != nil || lease == nil {
		t.Fatalf("Acquire: lease=%v err=%v", lease, err)
	}

	lease.Release()
	// A retire after release must not kill the now-idle worker.
	lease.Retire()
	lease.Release()

	s := p.Stats()
	if s.Total != 1 || s.Idle != 1 {
		t.Errorf("Stats = total %d idle %d, want 1/1", s.Total, s.Idle)
	}
}

func TestWarmupBackoffAfterLaunchFailures(t *testing.T) {
	launcher := &fakeLauncher{failNext: 3}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 1, MaxTotal: 2, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	// Failures raise the streak, then backoff expires and the pool heals.
	waitFor(t, "eventual successful warmup", func() bool { return p.Stats().Idle == 1 })
	if p.Stats().FailureStreak != 0 {
		t.Errorf("FailureStreak = %d after success, want 0", p.Stats().FailureStreak)
	}
}

func TestDisposeKillsAllAndClosesPool(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 2, MaxTotal: 4, Enabled: true, StartupTimeout: time.Second}))

	waitFor(t, "idle reserve", func() bool { return p.Stats().Idle == 2 })
	p.Dispose()

	for i, proc := range launcher.launched {
		select {
		case <-proc.Done():
		default:
			t.Errorf("Process %d still running after Dispose", i)
		}
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	// Dispose is idempotent.
	p.Dispose()
}

func TestUpdateConfigGrowsReserve(t *testing.T) {
	launcher := &fakeLauncher{}
	p := New(testOptions(launcher, config.PoolConfig{MinIdle: 0, MaxTotal: 1, Enabled: true, StartupTimeout: time.Second}))
	defer p.Dispose()

	p.UpdateConfig("test", config.PoolConfig{MinIdle: 2, MaxTotal: 1, Enabled: true, StartupTimeout: time.Second})

	// MaxTotal is clamped up to MinIdle, so both warmups succeed.
	waitFor(t, "reserve after reconfigure", func() bool { return p.Stats().Idle == 2 })
	if got := p.Stats().Config.MaxTotal; got != 2 {
		t.Errorf("MaxTotal = %d after clamp, want 2", got)
	}
}
