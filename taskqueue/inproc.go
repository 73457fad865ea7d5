package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/driftlock/muster"
)

var _ Queue = (*InProc)(nil)

// InProc is the single-process queue: a buffered channel drained by a
// fixed pool of worker goroutines. Submissions after the buffer fills
// are rejected with ErrQueueFull. Tasks still buffered at shutdown are
// dropped; their pending executions are resolved later by the expiry
// sweep.
type InProc struct {
	executor  *Executor
	workers   int
	queueSize int
	limiter   *rate.Limiter
	logger    *slog.Logger

	tasks   chan *Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// InProcOption configures the in-process queue.
type InProcOption func(*InProc)

// WithWorkers sets the number of concurrent worker goroutines.
func WithWorkers(n int) InProcOption {
	return func(q *InProc) { q.workers = n }
}

// WithQueueSize sets the task buffer capacity.
func WithQueueSize(n int) InProcOption {
	return func(q *InProc) { q.queueSize = n }
}

// WithRateLimit throttles task starts to perSecond across all workers,
// allowing the given burst. Zero or negative disables throttling.
func WithRateLimit(perSecond float64, burst int) InProcOption {
	return func(q *InProc) {
		if perSecond <= 0 {
			q.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithInProcLogger sets the queue's logger.
func WithInProcLogger(l *slog.Logger) InProcOption {
	return func(q *InProc) { q.logger = l }
}

// NewInProc creates an in-process queue that runs tasks on the given
// executor.
func NewInProc(executor *Executor, opts ...InProcOption) *InProc {
	cfg := muster.DefaultConfig()
	q := &InProc{
		executor:  executor,
		workers:   cfg.Concurrency,
		queueSize: cfg.QueueSize,
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.tasks = make(chan *Task, q.queueSize)
	return q
}

// Submit enqueues a task without blocking. A full buffer returns
// ErrQueueFull.
func (q *InProc) Submit(_ context.Context, t *Task) error {
	select {
	case q.tasks <- t:
		return nil
	default:
		return fmt.Errorf("taskqueue: submit task for job %q: %w", t.JobName, muster.ErrQueueFull)
	}
}

// Start launches the worker goroutines. It returns immediately.
func (q *InProc) Start(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}
	q.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.logger.Info("task queue starting",
		slog.Int("workers", q.workers),
		slog.Int("buffer", cap(q.tasks)),
	)

	for range q.workers {
		q.wg.Add(1)
		go q.workLoop(runCtx)
	}
	return nil
}

// Stop signals the workers to exit after their current task and waits
// for them. If the context expires first, in-flight handler contexts
// are canceled.
func (q *InProc) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	q.logger.Info("task queue stopping")
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("task queue stopped gracefully")
	case <-ctx.Done():
		q.logger.Warn("task queue shutdown timed out, cancelling in-flight tasks")
		cancel()
		q.wg.Wait()
	}
	cancel()

	if dropped := len(q.tasks); dropped > 0 {
		q.logger.Warn("task queue dropped buffered tasks on shutdown",
			slog.Int("count", dropped),
		)
	}
	return nil
}

// workLoop is run by each worker goroutine.
func (q *InProc) workLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		select {
		case <-q.stopCh:
			return
		case t := <-q.tasks:
			q.run(ctx, t)
		}
	}
}

func (q *InProc) run(ctx context.Context, t *Task) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			// Canceled mid-throttle; the pending execution is left
			// for the expiry sweep.
			return
		}
	}

	if err := q.executor.Execute(ctx, t); err != nil {
		q.logger.Debug("task execution failed",
			slog.String("task_id", t.ID.String()),
			slog.String("job_name", t.JobName),
			slog.String("error", err.Error()),
		)
	}
}
