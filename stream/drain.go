package stream

import (
	"sync"

	"github.com/gogpu/shaderval/config"
	"github.com/gogpu/shaderval/internal/logging"
)

// Handler dispatches one allocation's worth of drained messages to the
// registry's per-UID handler (spec.md §4.3: "passes the header + message
// array to the registry's per-UID handler").
type Handler func(tag uint64, header Header, messages []Message)

// drainEntry is one filled mirror waiting for the Drain Worker.
type drainEntry struct {
	alloc       *Allocation
	header      Header
	messages    []Message
	isSyncPoint bool
	age         uint32
}

// Report accumulates message totals for the active reporting period,
// read by the analyzer-facing summary path.
type Report struct {
	mu               sync.Mutex
	TotalMessages    uint64
	AllocationsDone  uint64
	ThrottledDrains  uint64
}

func (r *Report) account(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TotalMessages += uint64(n)
	r.AllocationsDone++
}

func (r *Report) accountThrottle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ThrottledDrains++
}

// Snapshot returns a copy of the current totals.
func (r *Report) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Report{TotalMessages: r.TotalMessages, AllocationsDone: r.AllocationsDone, ThrottledDrains: r.ThrottledDrains}
}

// Drain is the Drain Worker: a single background goroutine that consumes
// filled mirror streams, dispatches messages to feature handlers, and
// recycles mirrors. Grounded on internal/thread.Thread's locked-goroutine
// run loop, adapted from "one function call per wake" to "one parked
// mirror per wake" (spec.md §4.3).
type Drain struct {
	cfg     config.Config
	handler Handler

	mu       sync.Mutex
	cond     *sync.Cond
	doneCond *sync.Cond
	pending  []*drainEntry
	draining bool
	stopped  bool

	pool *Pool // set by NewPool; same package, no exported wiring needed

	report Report
}

// NewDrain creates a Drain that dispatches messages to handler and starts
// its background goroutine.
func NewDrain(cfg config.Config, handler Handler) *Drain {
	d := &Drain{cfg: cfg, handler: handler}
	d.cond = sync.NewCond(&d.mu)
	d.doneCond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// enqueue parks entry for the worker and, per spec.md §4.3's throttling
// rule, forces a synchronous drain (blocking the producer on the done
// condvar) if any pending entry has aged past ThrottleThreshold.
func (d *Drain) enqueue(entry drainEntry) {
	d.mu.Lock()
	d.pending = append(d.pending, &entry)
	d.cond.Signal()

	throttled := false
	for _, e := range d.pending {
		if e.age > d.cfg.ThrottleThreshold {
			throttled = true
			break
		}
	}

	if throttled {
		d.report.accountThrottle()
		logging.Logger().Warn("stream: drain worker throttled", "pending", len(d.pending))
		for len(d.pending) > 0 && !d.stopped {
			d.doneCond.Wait()
		}
	}
	d.mu.Unlock()
}

// run is the worker's cooperative loop: wait on the condvar, pop one
// pending mirror, hand it to the handler, recycle, repeat.
func (d *Drain) run() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		for len(d.pending) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped && len(d.pending) == 0 {
			return
		}

		entry := d.pending[0]
		d.pending = d.pending[1:]
		d.draining = true
		alloc := entry.alloc
		header := entry.header
		messages := entry.messages
		tag := alloc.tag
		pool := d.pool

		d.mu.Unlock()
		if d.handler != nil {
			d.handler(tag, header, messages)
		}
		d.report.account(len(messages))
		if pool != nil {
			pool.recycle(alloc)
		}
		d.mu.Lock()
		d.draining = false

		d.doneCond.Broadcast()
	}
}

// Age advances the pending-push age counter on every entry by one tick.
// Called by the pool's reap cycle so Apply-Throttling sees a growing age
// for entries the worker has not yet reached.
func (d *Drain) Age() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.pending {
		e.age++
	}
}

// WaitForFiltering flushes the Drain Worker synchronously: it blocks
// until every currently pending entry has been processed. This is one of
// the three suspension points named in spec.md §5.
func (d *Drain) WaitForFiltering() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) > 0 || d.draining {
		d.doneCond.Wait()
	}
}

// Shutdown sets the stop flag, broadcasts the condvar, and lets the
// worker drain any remaining entries before it exits (spec.md §4.3,
// "Termination").
func (d *Drain) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Report returns the drain's accumulated message-total report.
func (d *Drain) Report() Report {
	return d.report.Snapshot()
}

// PendingCount returns the number of entries not yet processed by the
// worker, for tests and diagnostics.
func (d *Drain) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
