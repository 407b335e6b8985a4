package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one backend call executed by the pool
type Job struct {
	// Name identifies the job in logs, e.g. "c1/search".
	Name string
	Ctx  context.Context
	Run  func(context.Context) error
	// Done is always called after Run, with Run's error or the recovered panic.
	Done func(error)
}

// Pool runs jobs on a bounded set of goroutines
type Pool struct {
	name     string
	workers  int
	jobs     chan Job
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	running   int32
	accepted  uint64
	succeeded uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		jobs:    make(chan Job, cfg.QueueSize),
		logger:  cfg.Logger,
		stopped: make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case job := <-p.jobs:
			p.execute(job)
		}
	}
}

func (p *Pool) execute(job Job) {
	atomic.AddInt32(&p.running, 1)
	defer atomic.AddInt32(&p.running, -1)

	start := time.Now()
	err := p.safeRun(job)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Debug("Job failed",
			zap.String("pool", p.name),
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.succeeded, 1)
	}
	if job.Done != nil {
		job.Done(err)
	}
}

func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			p.logger.Error("Job panic recovered",
				zap.String("pool", p.name),
				zap.String("job", job.Name),
				zap.Any("panic", r))
		}
	}()

	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return job.Run(ctx)
}

// Submit queues job, blocking while the queue is full until ctx is done or the pool stops.
// A rejected job never has Done called.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case <-p.stopped:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case <-p.stopped:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.jobs <- job:
		atomic.AddUint64(&p.accepted, 1)
		return nil
	}
}

// Stop stops the workers and waits up to timeout for running jobs. Queued jobs are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a point-in-time snapshot of pool counters
type Stats struct {
	Name      string
	Workers   int
	Running   int
	Queued    int
	Accepted  uint64
	Succeeded uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Running:   int(atomic.LoadInt32(&p.running)),
		Queued:    len(p.jobs),
		Accepted:  atomic.LoadUint64(&p.accepted),
		Succeeded: atomic.LoadUint64(&p.succeeded),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Saturated reports whether every worker is busy and jobs are waiting
func (s Stats) Saturated() bool {
	return s.Running >= s.Workers && s.Queued > 0
}
