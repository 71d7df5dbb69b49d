// Package pool provides the bounded worker pools between webhook
// ingest and broker execution. Enqueueing applies backpressure up to a
// deadline and then drops with an incremented counter instead of
// failing the caller; workers survive panics and are respawned.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jtradehq/jtrade/internal/domain"
)

// Task is one unit of queued work.
type Task func(ctx context.Context) error

// Stats is a point-in-time snapshot of a pool for the status API.
type Stats struct {
	Name       string        `json:"name"`
	Workers    int           `json:"workers"`
	Alive      int           `json:"alive"`
	Depth      int           `json:"depth"`
	Capacity   int           `json:"capacity"`
	Processed  uint64        `json:"processed"`
	Failed     uint64        `json:"failed"`
	Dropped    uint64        `json:"dropped"`
	AvgLatency time.Duration `json:"avg_latency"`
}

type job struct {
	name       string
	fn         Task
	enqueuedAt time.Time
}

// Pool runs a fixed set of workers over a bounded queue.
type Pool struct {
	name           string
	workers        int
	enqueueTimeout time.Duration
	taskTimeout    time.Duration
	queue          chan job
	logger         *slog.Logger

	mu        sync.Mutex
	alive     int
	processed uint64
	failed    uint64
	dropped   uint64
	ewmaMs    float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a pool. taskTimeout of zero means tasks run unbounded;
// enqueueTimeout of zero makes Submit non-blocking.
func New(name string, workers, queueSize int, enqueueTimeout, taskTimeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:           name,
		workers:        workers,
		enqueueTimeout: enqueueTimeout,
		taskTimeout:    taskTimeout,
		queue:          make(chan job, queueSize),
		logger:         logger.With(slog.String("component", "pool"), slog.String("pool", name)),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the workers. Safe to call once.
func (p *Pool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.spawn(i)
		}
		p.logger.Info("pool started", slog.Int("workers", p.workers), slog.Int("queue", cap(p.queue)))
	})
}

func (p *Pool) spawn(id int) {
	p.mu.Lock()
	p.alive++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.alive--
			p.mu.Unlock()
			if r := recover(); r != nil {
				p.logger.Error("worker panicked, respawning",
					slog.Int("worker", id),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				if p.ctx.Err() == nil {
					p.spawn(id)
				}
			}
		}()
		p.run()
	}()
}

func (p *Pool) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(j)
		}
	}
}

// execute runs one job under the task deadline, converting panics into
// ErrInternal records so nothing crosses the pool boundary.
func (p *Pool) execute(j job) {
	ctx := p.ctx
	var cancel context.CancelFunc
	if p.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: task %s panicked: %v", domain.ErrInternal, j.name, r)
				p.logger.Error("task panicked",
					slog.String("task", j.name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		return j.fn(ctx)
	}()
	latency := time.Since(start)

	p.mu.Lock()
	p.processed++
	if err != nil {
		p.failed++
	}
	// EWMA over task latency, alpha 0.2.
	sample := float64(latency.Milliseconds())
	if p.ewmaMs == 0 {
		p.ewmaMs = sample
	} else {
		p.ewmaMs = 0.2*sample + 0.8*p.ewmaMs
	}
	p.mu.Unlock()

	if err != nil && p.ctx.Err() == nil {
		p.logger.Warn("task failed",
			slog.String("task", j.name),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()))
	}
}

// Submit queues a task, blocking up to the enqueue deadline when the
// queue is full. A missed deadline increments the dropped counter and
// returns ErrQueueFull; callers decide whether that is fatal (the
// webhook path deliberately still answers 2xx).
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	j := job{name: name, fn: fn, enqueuedAt: time.Now()}

	select {
	case p.queue <- j:
		return nil
	default:
	}

	if p.enqueueTimeout <= 0 {
		p.drop(name)
		return fmt.Errorf("pool %s: %w", p.name, domain.ErrQueueFull)
	}

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		p.drop(name)
		return ctx.Err()
	case <-timer.C:
		p.drop(name)
		return fmt.Errorf("pool %s: %w", p.name, domain.ErrQueueFull)
	}
}

func (p *Pool) drop(name string) {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
	p.logger.Warn("task dropped, queue full", slog.String("task", name))
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:       p.name,
		Workers:    p.workers,
		Alive:      p.alive,
		Depth:      len(p.queue),
		Capacity:   cap(p.queue),
		Processed:  p.processed,
		Failed:     p.failed,
		Dropped:    p.dropped,
		AvgLatency: time.Duration(p.ewmaMs) * time.Millisecond,
	}
}

// Close stops the workers after the in-flight tasks finish. Queued but
// unstarted tasks are abandoned.
func (p *Pool) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
