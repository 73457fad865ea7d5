package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/engine"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/schedule"
	"github.com/driftlock/muster/store/memory"
	"github.com/driftlock/muster/workqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine over a fresh memory store with fast
// intervals, suitable for end-to-end loops.
func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()

	cfg := muster.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ReapInterval = 50 * time.Millisecond
	cfg.Concurrency = 2
	cfg.QueueSize = 16

	s := memory.New()
	n, err := muster.New(
		muster.WithStore(s),
		muster.WithConfig(cfg),
		muster.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("muster.New: %v", err)
	}

	eng, err := engine.Build(n, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

// waitFor polls cond until it reports true or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// ──────────────────────────────────────────────────
// Build wiring
// ──────────────────────────────────────────────────

func TestBuild_RequiresStore(t *testing.T) {
	n, err := muster.New(muster.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("muster.New: %v", err)
	}

	if _, err := engine.Build(n); !errors.Is(err, muster.ErrNoStore) {
		t.Errorf("Build without store = %v, want ErrNoStore", err)
	}
}

// lifecycleOnlyStore satisfies muster.Storer but not store.Store.
type lifecycleOnlyStore struct{}

func (lifecycleOnlyStore) Migrate(context.Context) error { return nil }
func (lifecycleOnlyStore) Ping(context.Context) error    { return nil }
func (lifecycleOnlyStore) Close() error                  { return nil }

func TestBuild_RejectsPartialStore(t *testing.T) {
	n, err := muster.New(
		muster.WithStore(lifecycleOnlyStore{}),
		muster.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("muster.New: %v", err)
	}

	if _, err := engine.Build(n); err == nil {
		t.Error("Build accepted a store that implements only the lifecycle interface")
	}
}

// ──────────────────────────────────────────────────
// End to end: register → create → elect → fire → run
// ──────────────────────────────────────────────────

// extSpy counts the lifecycle hooks an extension receives.
type extSpy struct {
	mu        sync.Mutex
	fired     int
	completed int
}

func (e *extSpy) Name() string { return "spy" }

func (e *extSpy) OnJobFired(_ context.Context, _ *job.Definition, _ *job.Execution) error {
	e.mu.Lock()
	e.fired++
	e.mu.Unlock()
	return nil
}

func (e *extSpy) OnExecutionCompleted(_ context.Context, _ *job.Execution, _ time.Duration) error {
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	return nil
}

func (e *extSpy) counts() (fired, completed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired, e.completed
}

func TestEngine_EndToEnd(t *testing.T) {
	spy := &extSpy{}
	eng, s := newTestEngine(t, engine.WithExtension(spy))

	var mu sync.Mutex
	var got job.Args
	eng.MustRegisterHandler("mail.welcome", job.KindQueueTask, []string{"recipient"},
		func(_ context.Context, args job.Args) (any, error) {
			mu.Lock()
			got = args
			mu.Unlock()
			return map[string]string{"sent": "ok"}, nil
		})

	ctx := context.Background()
	d, err := eng.CreateJob(ctx, "welcome-mail", schedule.Every(time.Hour),
		"mail.welcome", job.KindQueueTask,
		job.WithArgs(job.Args{"recipient": "ops@example.com"}),
	)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A new interval job fires on the leader's first sync.
	var exec *job.Execution
	waitFor(t, "the execution to succeed", func() bool {
		execs, err := s.ListExecutions(ctx, job.ExecListOpts{JobID: d.ID})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		for _, e := range execs {
			if e.Status == job.StatusSuccess {
				exec = e
				return true
			}
		}
		return false
	})

	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	recipient := got["recipient"]
	mu.Unlock()
	if recipient != "ops@example.com" {
		t.Errorf("handler args recipient = %v, want %q", recipient, "ops@example.com")
	}

	if exec.TriggeredBy != job.TriggerScheduler {
		t.Errorf("triggered by = %q, want %q", exec.TriggeredBy, job.TriggerScheduler)
	}
	var result map[string]string
	if err := json.Unmarshal(exec.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["sent"] != "ok" {
		t.Errorf("stored result = %v, want the handler's return value", result)
	}

	updated, err := s.GetJob(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(time.Now().UTC().Add(30*time.Minute)) {
		t.Errorf("NextRunAt = %v, want about an hour out", updated.NextRunAt)
	}

	fired, completed := spy.counts()
	if fired == 0 {
		t.Error("extension never saw a job-fired hook")
	}
	if completed == 0 {
		t.Error("extension never saw an execution-completed hook")
	}
}

// ──────────────────────────────────────────────────
// Job administration
// ──────────────────────────────────────────────────

func TestEngine_CreateJobValidation(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.MustRegisterHandler("sync.pull", job.KindQueueTask, []string{"region"},
		func(_ context.Context, _ job.Args) (any, error) { return nil, nil })

	ctx := context.Background()
	hourly := schedule.Every(time.Hour)

	tests := []struct {
		name    string
		spec    schedule.Spec
		handler string
		kind    job.HandlerKind
		opts    []job.Option
		wantErr error
	}{
		{
			name:    "unknown handler",
			spec:    hourly,
			handler: "ghost.handler",
			kind:    job.KindQueueTask,
			wantErr: muster.ErrHandlerNotFound,
		},
		{
			name:    "kind mismatch",
			spec:    hourly,
			handler: "sync.pull",
			kind:    job.KindFunction,
			wantErr: muster.ErrHandlerKindMismatch,
		},
		{
			name:    "undeclared argument",
			spec:    hourly,
			handler: "sync.pull",
			kind:    job.KindQueueTask,
			opts:    []job.Option{job.WithArgs(job.Args{"zone": "us-east"})},
			wantErr: muster.ErrUnknownArg,
		},
		{
			name:    "invalid schedule",
			spec:    schedule.Every(0),
			handler: "sync.pull",
			kind:    job.KindQueueTask,
			wantErr: muster.ErrInvalidSchedule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.CreateJob(ctx, "bad-"+tt.name, tt.spec, tt.handler, tt.kind, tt.opts...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateJob = %v, want %v", err, tt.wantErr)
			}
			if _, err := eng.GetJobByName(ctx, "bad-"+tt.name); !errors.Is(err, muster.ErrJobNotFound) {
				t.Errorf("rejected job was stored anyway: %v", err)
			}
		})
	}
}

func TestEngine_PauseResumeDisableEnable(t *testing.T) {
	eng, s := newTestEngine(t)

	eng.MustRegisterHandler("cache.warm", job.KindQueueTask, nil,
		func(_ context.Context, _ job.Args) (any, error) { return nil, nil })

	ctx := context.Background()
	d, err := eng.CreateJob(ctx, "warm-cache", schedule.Every(time.Hour), "cache.warm", job.KindQueueTask)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := eng.PauseJob(ctx, d.ID); err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	stored, err := s.GetJob(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !stored.Paused {
		t.Error("PauseJob did not persist the pause flag")
	}

	if _, err := eng.ResumeJob(ctx, d.ID); err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	stored, _ = s.GetJob(ctx, d.ID)
	if stored.Paused {
		t.Error("ResumeJob did not clear the pause flag")
	}

	if _, err := eng.DisableJob(ctx, d.ID); err != nil {
		t.Fatalf("DisableJob: %v", err)
	}
	stored, _ = s.GetJob(ctx, d.ID)
	if stored.Enabled {
		t.Error("DisableJob did not clear the enabled flag")
	}

	if _, err := eng.EnableJob(ctx, d.ID); err != nil {
		t.Fatalf("EnableJob: %v", err)
	}
	stored, _ = s.GetJob(ctx, d.ID)
	if !stored.Enabled {
		t.Error("EnableJob did not set the enabled flag")
	}
}

func TestEngine_TriggerNowRunsPausedJob(t *testing.T) {
	eng, s := newTestEngine(t)

	eng.MustRegisterHandler("export.run", job.KindQueueTask, nil,
		func(_ context.Context, _ job.Args) (any, error) { return "done", nil })

	ctx := context.Background()
	d, err := eng.CreateJob(ctx, "ad-hoc-export", schedule.Every(time.Hour),
		"export.run", job.KindQueueTask, job.Paused())
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e, err := eng.TriggerNow(ctx, d.ID, job.TriggerManual)
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	waitFor(t, "the manual execution to finish", func() bool {
		stored, err := s.GetExecution(ctx, e.ID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		return stored.Status.Terminal()
	})

	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stored, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != job.StatusSuccess {
		t.Errorf("execution status = %q, want %q", stored.Status, job.StatusSuccess)
	}
	if stored.TriggeredBy != job.TriggerManual {
		t.Errorf("triggered by = %q, want %q", stored.TriggeredBy, job.TriggerManual)
	}

	// Paused jobs are never synced, so the manual run must not have
	// touched the schedule.
	updated, _ := s.GetJob(ctx, d.ID)
	if updated.NextRunAt != nil {
		t.Errorf("manual trigger moved next_run_at to %v, want untouched", updated.NextRunAt)
	}
}

// ──────────────────────────────────────────────────
// Deployment work queue through the engine
// ──────────────────────────────────────────────────

func TestEngine_DeploymentFlow(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	dev := device.New("edge-7", "SN-0007")
	if err := eng.Devices().CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	payload := json.RawMessage(fmt.Sprintf(`{"targets":[%q],"package":"agent-2.4.1"}`, dev.ID))
	dep, err := eng.Deployments().Submit(ctx, workqueue.SubmitRequest{
		Kind:      "agent_install",
		Payload:   payload,
		CreatedBy: "ops",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claimed, err := eng.Deployments().Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != dep.ID {
		t.Fatalf("Claim = %v, want deployment %s", claimed, dep.ID)
	}

	reported, err := eng.Deployments().Report(ctx, dep.ID, []workqueue.TargetResult{
		{DeviceID: dev.ID, Status: workqueue.ResultSuccess},
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if reported.Status != workqueue.StatusSuccess {
		t.Errorf("deployment status = %q, want %q", reported.Status, workqueue.StatusSuccess)
	}

	stored, err := eng.Devices().GetDevice(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if stored.Lifecycle != device.InstalledUnenrolled {
		t.Errorf("device lifecycle = %q, want %q", stored.Lifecycle, device.InstalledUnenrolled)
	}
}
