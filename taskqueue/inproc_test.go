package taskqueue_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/schedule"
	"github.com/driftlock/muster/store/memory"
	"github.com/driftlock/muster/taskqueue"
)

func setupInProc(t *testing.T, opts ...taskqueue.InProcOption) (*taskqueue.InProc, *memory.Store, *job.Registry) {
	t.Helper()
	s := memory.New()
	reg := job.NewRegistry()

	ex := taskqueue.NewExecutor(reg, s, taskqueue.WithExecutorLogger(testLogger()))

	base := []taskqueue.InProcOption{
		taskqueue.WithWorkers(2),
		taskqueue.WithInProcLogger(testLogger()),
	}
	q := taskqueue.NewInProc(ex, append(base, opts...)...)
	return q, s, reg
}

func TestInProc_StartStop(t *testing.T) {
	q, _, _ := setupInProc(t)

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := q.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestInProc_ProcessesTask(t *testing.T) {
	q, s, reg := setupInProc(t)

	var processed atomic.Bool
	reg.MustRegister("mail.send", job.KindQueueTask, []string{"to"},
		func(_ context.Context, args job.Args) (any, error) {
			if args["to"] != "ops" {
				t.Errorf("args[to] = %v, want ops", args["to"])
			}
			processed.Store(true)
			return "sent", nil
		})

	d := job.New("send-report", schedule.Every(time.Hour), "mail.send", job.KindQueueTask,
		job.WithArgs(job.Args{"to": "ops"}))
	task := seedTask(t, s, d)

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := q.Submit(context.Background(), task); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got := getExecution(t, s, task)
	if got.Status != job.StatusSuccess {
		t.Errorf("status = %q, want %q", got.Status, job.StatusSuccess)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestInProc_QueueFull(t *testing.T) {
	// One slot and no running workers, so the second submit bounces.
	q, s, _ := setupInProc(t, taskqueue.WithQueueSize(1))

	d := job.New("send-report", schedule.Every(time.Hour), "mail.send", job.KindQueueTask)
	first := seedTask(t, s, d)
	second := taskqueue.NewTask(d, job.NewExecution(d, job.TriggerScheduler, time.Minute))

	if err := q.Submit(context.Background(), first); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	err := q.Submit(context.Background(), second)
	if !errors.Is(err, muster.ErrQueueFull) {
		t.Fatalf("second submit error = %v, want %v", err, muster.ErrQueueFull)
	}
	if !strings.Contains(err.Error(), "send-report") {
		t.Errorf("error %q should name the job", err)
	}
}

func TestInProc_StopCancelsInFlight(t *testing.T) {
	q, s, reg := setupInProc(t, taskqueue.WithWorkers(1))

	entered := make(chan struct{})
	reg.MustRegister("slow.crawl", job.KindQueueTask, nil,
		func(ctx context.Context, _ job.Args) (any, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	d := job.New("crawl", schedule.Every(time.Hour), "slow.crawl", job.KindQueueTask)
	task := seedTask(t, s, d)

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := q.Submit(context.Background(), task); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the handler to start")
	}

	// An already-expired context forces the cancellation path.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got := getExecution(t, s, task)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, job.StatusFailed)
	}
	if !strings.Contains(got.Error, "context canceled") {
		t.Errorf("row error = %q, want context canceled", got.Error)
	}
}

func TestInProc_UnprocessedTaskStaysPending(t *testing.T) {
	q, s, _ := setupInProc(t, taskqueue.WithQueueSize(4))

	d := job.New("send-report", schedule.Every(time.Hour), "mail.send", job.KindQueueTask)
	task := seedTask(t, s, d)

	// Never started: the buffered task has no worker to drain it.
	if err := q.Submit(context.Background(), task); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	// The execution stays pending for the expiry sweep to resolve.
	got := getExecution(t, s, task)
	if got.Status != job.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, job.StatusPending)
	}
}
