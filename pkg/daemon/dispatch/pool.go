// Package dispatch decouples the monitor thread from the scan pipeline
// with a bounded work queue and a fixed pool of workers.
//
// The critical property is back-pressure: when the queue is full, Submit
// blocks the caller until a worker frees a slot. A silently dropped
// candidate is an un-scanned file, indistinguishable from a scanner
// bypass, so the queue never discards work.
package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
)

// Defaults for pool sizing.
const (
	DefaultWorkers  = 4
	DefaultCapacity = 256
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("dispatch: pool is shutting down")

// Pool runs a fixed set of workers over a bounded circular queue of file
// paths. One mutex and two condition variables serialise the queue:
// workers wait on notEmpty, a saturated producer waits on notFull.
type Pool struct {
	work func(path string)

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []string
	head     int // next write position
	tail     int // next read position
	count    int
	shutdown bool

	wg       sync.WaitGroup
	stopOnce sync.Once

	// Mirrors of queue state for lock-free reads.
	size      atomic.Int64
	submitted atomic.Int64
	processed atomic.Int64
}

// NewPool creates a pool and starts its workers. work is invoked exactly
// once for every successfully submitted path. Non-positive sizes fall
// back to the defaults.
func NewPool(workers, capacity int, work func(path string)) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	p := &Pool{
		work: work,
		buf:  make([]string, capacity),
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	logging.Get("dispatch").Info("worker pool started", "workers", workers, "capacity", capacity)
	return p
}

// Submit enqueues a path for scanning. It blocks while the queue is full
// and fails only when the pool is shutting down; it never drops a path
// silently.
func (p *Pool) Submit(path string) error {
	p.mu.Lock()

	for p.count == len(p.buf) && !p.shutdown {
		logging.Get("dispatch").Warn("queue full, blocking producer",
			"depth", p.count, "capacity", len(p.buf))
		p.notFull.Wait()
	}
	if p.shutdown {
		p.mu.Unlock()
		return ErrShuttingDown
	}

	p.buf[p.head] = path
	p.head = (p.head + 1) % len(p.buf)
	p.count++
	p.size.Store(int64(p.count))
	p.submitted.Add(1)

	p.notEmpty.Signal()
	p.mu.Unlock()
	return nil
}

// Shutdown stops intake, wakes any blocked submitter, drains the queue
// through the workers, and joins them. Paths accepted before Shutdown
// are still processed exactly once.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		logger := logging.Get("dispatch")
		logger.Info("worker pool shutting down",
			"submitted", p.submitted.Load(), "processed", p.processed.Load())

		p.mu.Lock()
		p.shutdown = true
		p.notEmpty.Broadcast()
		p.notFull.Broadcast()
		p.mu.Unlock()

		p.wg.Wait()

		logger.Info("worker pool stopped", "processed", p.processed.Load())
	})
}

// QueueSize returns the approximate queue depth without taking the lock.
func (p *Pool) QueueSize() int { return int(p.size.Load()) }

// Submitted returns the total number of accepted paths.
func (p *Pool) Submitted() int64 { return p.submitted.Load() }

// Processed returns the number of paths handed to the work function.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// worker dequeues until shutdown is signalled and the queue is empty, so
// everything accepted before shutdown still gets scanned.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.count == 0 && !p.shutdown {
			p.notEmpty.Wait()
		}
		if p.shutdown && p.count == 0 {
			p.mu.Unlock()
			return
		}

		path := p.buf[p.tail]
		p.buf[p.tail] = ""
		p.tail = (p.tail + 1) % len(p.buf)
		p.count--
		p.size.Store(int64(p.count))
		p.processed.Add(1)

		p.notFull.Signal()
		p.mu.Unlock()

		p.work(path)
	}
}
