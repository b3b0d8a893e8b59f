package pool

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// LeaseSource records whether a lease came from the warm idle queue or
// from an on-demand spawn.
type LeaseSource string

const (
	// LeaseSourceWarm means the worker came from the idle queue
	LeaseSourceWarm LeaseSource = "warm"
	// LeaseSourceCold means the worker was spawned for this lease
	LeaseSourceCold LeaseSource = "cold"
)

// Lease is a single-use right to a pooled worker. Exactly one of Release
// or Retire takes effect; later calls on either are no-ops.
type Lease struct {
	id       string
	url      string
	source   LeaseSource
	workerID int
	pool     *Pool
	closed   atomic.Bool
}

func newLease(p *Pool, w *Worker, source LeaseSource) *Lease {
	return &Lease{
		id:       uuid.NewString(),
		url:      w.URL,
		source:   source,
		workerID: w.ID,
		pool:     p,
	}
}

// ID returns the unique lease identifier, used for log correlation
func (l *Lease) ID() string { return l.id }

// URL returns the leased worker's base URL
func (l *Lease) URL() string { return l.url }

// Source reports whether the lease is warm or cold
func (l *Lease) Source() LeaseSource { return l.source }

// WorkerID returns the pooled worker's numeric ID
func (l *Lease) WorkerID() int { return l.workerID }

// Release returns the worker to the idle queue for reuse.
// No-op if the lease was already released or retired.
func (l *Lease) Release() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.pool.releaseWorker(l.workerID)
}

// Retire kills the worker instead of returning it, for callers that know
// the worker's state is unrecoverable. No-op if the lease was already
// released or retired.
func (l *Lease) Retire() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.pool.retireWorker(l.workerID)
}
