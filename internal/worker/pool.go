package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/CANDELbio/mantis-viewer-sub001/internal/metrics"
)

// ErrPoolClosed is reported for jobs submitted after Close.
var ErrPoolClosed = errors.New("worker: pool closed")

// Result is delivered to the submitter of a job exactly once.
type Result struct {
	JobID    string
	ImageSet string
	Marker   string
	Feature  string
	Values   map[int]float64
	Err      error
	Duration time.Duration
}

// Config contains configuration for the pool.
type Config struct {
	MaxWorkers int           // Ceiling on live workers (default runtime.NumCPU)
	Executor   Executor      // Runs each job
	JobTimeout time.Duration // Per-job timeout, 0 = none
}

// Pool runs jobs on at most MaxWorkers reusable workers.
// Workers are created on demand until the ceiling is reached; after that each
// submission goes to the worker at the front of the rotation, which then moves
// to the back. A worker runs its assigned jobs one at a time in order.
type Pool struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rotation []*mailbox
	closed   bool
	wg       sync.WaitGroup

	callbacks *xsync.MapOf[string, func(Result)]
	inFlight  atomic.Int64
	stopOnce  sync.Once
}

// NewPool creates a pool. No workers are started until the first Submit.
func NewPool(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		callbacks: xsync.NewMapOf[string, func(Result)](),
	}
}

// Submit assigns the job a correlation id, records onComplete under it and
// hands the job to a worker. It never blocks on job execution.
// onComplete is called from a pool goroutine.
func (p *Pool) Submit(job Job, onComplete func(Result)) string {
	job.ID = uuid.NewString()
	p.callbacks.Store(job.ID, onComplete)
	metrics.JobsSubmitted.Inc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go p.deliver(Result{JobID: job.ID, ImageSet: job.ImageSet, Marker: job.Marker, Feature: job.Feature(), Err: ErrPoolClosed})
		return job.ID
	}

	var w *mailbox
	if len(p.rotation) < p.cfg.MaxWorkers {
		w = p.spawn()
	} else {
		if len(p.rotation) == 0 {
			panic("worker: pool has no worker to reuse")
		}
		w = p.rotation[0]
		p.rotation = p.rotation[1:]
	}
	p.rotation = append(p.rotation, w)
	w.push(job)
	p.mu.Unlock()

	return job.ID
}

// spawn starts a new worker goroutine. Caller holds p.mu.
func (p *Pool) spawn() *mailbox {
	w := newMailbox()
	p.wg.Add(1)
	metrics.Workers.Inc()
	go func() {
		defer p.wg.Done()
		defer metrics.Workers.Dec()
		for {
			job, ok := w.pop()
			if !ok {
				return
			}
			p.deliver(p.run(job))
		}
	}()
	return w
}

func (p *Pool) run(job Job) (res Result) {
	res = Result{JobID: job.ID, ImageSet: job.ImageSet, Marker: job.Marker, Feature: job.Feature()}

	ctx := p.ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	p.inFlight.Add(1)
	metrics.JobsInFlight.Inc()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Values = nil
			res.Err = fmt.Errorf("worker panic on job %s: %v", job.ID, r)
		}
		res.Duration = time.Since(start)
		p.inFlight.Add(-1)
		metrics.JobsInFlight.Dec()
		metrics.JobDuration.WithLabelValues(job.Statistic.String()).Observe(res.Duration.Seconds())
		status := metrics.StatusOK
		if res.Err != nil {
			status = metrics.StatusError
			log.Printf("[Pool] job %s (%s) failed: %v", job.ID, res.Feature, res.Err)
		}
		metrics.JobsCompleted.WithLabelValues(status).Inc()
	}()

	res.Values, res.Err = p.cfg.Executor.Execute(ctx, job)
	return res
}

// deliver invokes and forgets the callback registered for the result's job.
func (p *Pool) deliver(res Result) {
	cb, ok := p.callbacks.LoadAndDelete(res.JobID)
	if !ok || cb == nil {
		return
	}
	cb(res)
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rotation)
}

// InFlight returns the number of jobs currently executing.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Pending returns the number of jobs whose callbacks have not been delivered.
func (p *Pool) Pending() int {
	return p.callbacks.Size()
}

// Close cancels running jobs, drains queued ones and waits for all workers to exit.
// Every submitted job still gets its callback.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		workers := p.rotation
		p.mu.Unlock()

		p.cancel()
		for _, w := range workers {
			w.close()
		}
		p.wg.Wait()
	})
}

// mailbox is a worker's FIFO of assigned jobs.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []Job
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(job Job) {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.cond.Signal()
	m.mu.Unlock()
}

// pop blocks until a job is available. It returns false once the mailbox is
// closed and drained.
func (m *mailbox) pop() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.jobs) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.jobs) == 0 {
		return Job{}, false
	}
	job := m.jobs[0]
	m.jobs[0] = Job{}
	m.jobs = m.jobs[1:]
	return job, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}
