package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/schedule"
	"github.com/driftlock/muster/workqueue"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

func TestPingAfterClose(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping on open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, muster.ErrStoreClosed) {
		t.Errorf("Ping after Close = %v, want ErrStoreClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newDefinition(name string) *job.Definition {
	return job.New(name, schedule.Every(time.Minute), "pkg.handler", job.KindQueueTask)
}

func TestJobCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("nightly-report")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "create new job",
			fn:      func() error { return s.CreateJob(ctx, d) },
			wantErr: nil,
		},
		{
			name:    "create duplicate id",
			fn:      func() error { return s.CreateJob(ctx, d) },
			wantErr: muster.ErrJobAlreadyExists,
		},
		{
			name:    "create duplicate name",
			fn:      func() error { return s.CreateJob(ctx, newDefinition("nightly-report")) },
			wantErr: muster.ErrJobAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Verify Get by ID and by name.
	got, err := s.GetJob(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != d.Name {
		t.Fatalf("got name %q, want %q", got.Name, d.Name)
	}

	got, err = s.GetJobByName(ctx, "nightly-report")
	if err != nil {
		t.Fatalf("GetJobByName: %v", err)
	}
	if got.ID != d.ID {
		t.Fatalf("got id %s, want %s", got.ID, d.ID)
	}

	// Get non-existent.
	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, muster.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := s.GetJobByName(ctx, "no-such-job"); !errors.Is(err, muster.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobUpdate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("update-me")
	if err := s.CreateJob(ctx, d); err != nil {
		t.Fatal(err)
	}

	d.Paused = true
	if err := s.UpdateJob(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, d.ID)
	if !got.Paused {
		t.Fatal("expected job to be paused after update")
	}

	// Update non-existent.
	missing := newDefinition("missing")
	if err := s.UpdateJob(ctx, missing); !errors.Is(err, muster.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobUpdateNextRun(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("next-run")
	if err := s.CreateJob(ctx, d); err != nil {
		t.Fatal(err)
	}

	next := time.Now().UTC().Add(time.Hour)
	if err := s.UpdateJobNextRun(ctx, d.ID, &next); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(ctx, d.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}

	// Clear it again.
	if err := s.UpdateJobNextRun(ctx, d.ID, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, d.ID)
	if got.NextRunAt != nil {
		t.Fatalf("NextRunAt = %v, want nil", got.NextRunAt)
	}

	// Non-existent.
	if err := s.UpdateJobNextRun(ctx, id.NewJobID(), &next); !errors.Is(err, muster.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("delete-me")
	if err := s.CreateJob(ctx, d); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetJob(ctx, d.ID); !errors.Is(err, muster.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}

	// Delete non-existent.
	if err := s.DeleteJob(ctx, id.NewJobID()); !errors.Is(err, muster.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := s.CreateJob(ctx, newDefinition(name)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		opts      job.ListOpts
		wantCount int
		wantFirst string
	}{
		{"all ordered by name", job.ListOpts{}, 3, "alpha"},
		{"with limit", job.ListOpts{Limit: 2}, 2, "alpha"},
		{"with offset", job.ListOpts{Offset: 1}, 2, "bravo"},
		{"offset past end", job.ListOpts{Offset: 10}, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := s.ListJobs(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(jobs) != tt.wantCount {
				t.Fatalf("got %d jobs, want %d", len(jobs), tt.wantCount)
			}
			if tt.wantFirst != "" && jobs[0].Name != tt.wantFirst {
				t.Fatalf("first job = %q, want %q", jobs[0].Name, tt.wantFirst)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Execution Store tests
// ──────────────────────────────────────────────────

func newExecution(d *job.Definition, status job.Status) *job.Execution {
	e := job.NewExecution(d, job.TriggerScheduler, 5*time.Minute)
	e.Status = status
	return e
}

func TestExecutionCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("exec-job")
	e := newExecution(d, job.StatusPending)

	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.JobName != d.Name {
		t.Fatalf("job name = %q, want %q", got.JobName, d.Name)
	}

	// Not found.
	if _, err := s.GetExecution(ctx, id.NewRunID()); !errors.Is(err, muster.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestExecutionTerminalGuard(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("terminal-job")
	e := newExecution(d, job.StatusRunning)
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatal(err)
	}

	// Running to success is fine.
	e.Status = job.StatusSuccess
	now := time.Now().UTC()
	e.CompletedAt = &now
	if err := s.UpdateExecution(ctx, e); err != nil {
		t.Fatal(err)
	}

	// Re-writing the same terminal status is allowed.
	e.Result = []byte(`{"rows":42}`)
	if err := s.UpdateExecution(ctx, e); err != nil {
		t.Fatalf("same-status update on terminal row: %v", err)
	}

	// Any status change off a terminal row is rejected.
	e.Status = job.StatusFailed
	if err := s.UpdateExecution(ctx, e); !errors.Is(err, muster.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := s.GetExecution(ctx, e.ID)
	if got.Status != job.StatusSuccess {
		t.Fatalf("status = %q, want %q", got.Status, job.StatusSuccess)
	}

	// Update non-existent.
	missing := newExecution(d, job.StatusPending)
	if err := s.UpdateExecution(ctx, missing); !errors.Is(err, muster.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestExecutionListAndCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d1 := newDefinition("list-job-1")
	d2 := newDefinition("list-job-2")

	e1 := newExecution(d1, job.StatusSuccess)
	e1.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	e2 := newExecution(d1, job.StatusFailed)
	e2.CreatedAt = time.Now().UTC().Add(-time.Hour)
	e3 := newExecution(d2, job.StatusSuccess)

	for _, e := range []*job.Execution{e1, e2, e3} {
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		opts      job.ExecListOpts
		wantCount int
	}{
		{"all", job.ExecListOpts{}, 3},
		{"by job", job.ExecListOpts{JobID: d1.ID}, 2},
		{"by status", job.ExecListOpts{Status: job.StatusSuccess}, 2},
		{"by job and status", job.ExecListOpts{JobID: d1.ID, Status: job.StatusFailed}, 1},
		{"with limit", job.ExecListOpts{Limit: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execs, err := s.ListExecutions(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(execs) != tt.wantCount {
				t.Fatalf("got %d, want %d", len(execs), tt.wantCount)
			}

			count, err := s.CountExecutions(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if tt.opts.Limit == 0 && count != int64(tt.wantCount) {
				t.Fatalf("count = %d, want %d", count, tt.wantCount)
			}
		})
	}

	// Newest first.
	execs, _ := s.ListExecutions(ctx, job.ExecListOpts{JobID: d1.ID})
	if execs[0].ID != e2.ID {
		t.Fatalf("first execution = %s, want newest %s", execs[0].ID, e2.ID)
	}
}

func TestExecutionListExpired(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("expiry-job")
	now := time.Now().UTC()

	stale := newExecution(d, job.StatusRunning)
	stale.ExpiresAt = now.Add(-time.Minute)

	fresh := newExecution(d, job.StatusRunning)
	fresh.ExpiresAt = now.Add(time.Hour)

	done := newExecution(d, job.StatusSuccess)
	done.ExpiresAt = now.Add(-time.Minute)

	for _, e := range []*job.Execution{stale, fresh, done} {
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := s.ListExpiredExecutions(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired executions, want 1", len(expired))
	}
	if expired[0].ID != stale.ID {
		t.Fatalf("expired execution = %s, want %s", expired[0].ID, stale.ID)
	}
}

// ──────────────────────────────────────────────────
// Cluster Store tests
// ──────────────────────────────────────────────────

func TestClusterRegisterAndList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	i1 := cluster.NewInstance()
	i2 := cluster.NewInstance()

	for _, inst := range []*cluster.Instance{i1, i2} {
		if err := s.RegisterInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	instances, err := s.ListInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}

	// Re-register is an upsert, not a duplicate.
	if err := s.RegisterInstance(ctx, i1); err != nil {
		t.Fatal(err)
	}
	instances, _ = s.ListInstances(ctx)
	if len(instances) != 2 {
		t.Fatalf("after upsert: got %d instances, want 2", len(instances))
	}
}

func TestClusterDeregister(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	inst := cluster.NewInstance()
	if err := s.RegisterInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	if err := s.DeregisterInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	instances, _ := s.ListInstances(ctx)
	if len(instances) != 0 {
		t.Fatalf("expected 0 instances after deregister, got %d", len(instances))
	}

	// Deregister non-existent.
	if err := s.DeregisterInstance(ctx, id.NewInstanceID()); !errors.Is(err, muster.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestClusterHeartbeatAndStaleCleanup(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	inst := cluster.NewInstance()
	inst.HeartbeatAt = time.Now().UTC().Add(-time.Hour)
	if err := s.RegisterInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	// Heartbeat refreshes the timestamp, so the cleanup spares it.
	if err := s.HeartbeatInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	deleted, err := s.DeleteStaleInstances(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0 after heartbeat", deleted)
	}

	// A silent instance falls past the cutoff and is removed.
	silent := cluster.NewInstance()
	silent.HeartbeatAt = time.Now().UTC().Add(-time.Hour)
	if err := s.RegisterInstance(ctx, silent); err != nil {
		t.Fatal(err)
	}

	deleted, err = s.DeleteStaleInstances(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	// Heartbeat non-existent.
	if err := s.HeartbeatInstance(ctx, id.NewInstanceID()); !errors.Is(err, muster.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestClusterLeadership(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	i1 := cluster.NewInstance()
	i2 := cluster.NewInstance()

	for _, inst := range []*cluster.Instance{i1, i2} {
		if err := s.RegisterInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	ttl := 5 * time.Minute

	// No leader initially.
	if _, err := s.Leader(ctx, ttl); !errors.Is(err, muster.ErrNoLeader) {
		t.Fatalf("expected ErrNoLeader, got %v", err)
	}

	// Instance 1 acquires.
	ok, err := s.AcquireLeadership(ctx, i1.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected instance 1 to acquire leadership")
	}

	leader, err := s.Leader(ctx, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if leader.ID != i1.ID {
		t.Fatalf("leader = %s, want %s", leader.ID, i1.ID)
	}

	// Instance 2 cannot acquire while instance 1 holds the lease.
	ok, err = s.AcquireLeadership(ctx, i2.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected instance 2 acquisition to fail")
	}

	// The holder re-acquiring is a renewal.
	ok, err = s.AcquireLeadership(ctx, i1.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected instance 1 to renew")
	}

	// After resign, instance 2 takes over.
	if err := s.ResignLeadership(ctx, i1.ID); err != nil {
		t.Fatal(err)
	}
	ok, err = s.AcquireLeadership(ctx, i2.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected instance 2 to acquire after resign")
	}

	// Unregistered instance cannot hold the lease.
	if _, err := s.AcquireLeadership(ctx, id.NewInstanceID(), ttl); !errors.Is(err, muster.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestClusterLeadershipStaleTakeover(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	ttl := 30 * time.Second

	// A leader that stopped heartbeating loses the lease to a live peer.
	dead := cluster.NewInstance()
	dead.HeartbeatAt = time.Now().UTC().Add(-time.Hour)
	if err := s.RegisterInstance(ctx, dead); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.AcquireLeadership(ctx, dead.ID, ttl); err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}

	// The mark persists but the lease does not.
	if _, err := s.Leader(ctx, ttl); !errors.Is(err, muster.ErrNoLeader) {
		t.Fatalf("expected ErrNoLeader with stale heartbeat, got %v", err)
	}

	live := cluster.NewInstance()
	if err := s.RegisterInstance(ctx, live); err != nil {
		t.Fatal(err)
	}
	ok, err := s.AcquireLeadership(ctx, live.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected live instance to take over from stale leader")
	}

	leader, err := s.Leader(ctx, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if leader.ID != live.ID {
		t.Fatalf("leader = %s, want %s", leader.ID, live.ID)
	}
}

// ──────────────────────────────────────────────────
// Workqueue Store tests
// ──────────────────────────────────────────────────

func newDeployment(targets ...id.DeviceID) *workqueue.Deployment {
	return workqueue.New("install_agent", []byte(`{"version":"1.2.3"}`), targets, "tester")
}

func TestDeploymentCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	dep := newDeployment(id.NewDeviceID())
	if err := s.CreateDeployment(ctx, dep); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDeployment(ctx, dep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != workqueue.StatusQueued {
		t.Fatalf("status = %q, want %q", got.Status, workqueue.StatusQueued)
	}
	if len(got.Targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(got.Targets))
	}

	// Not found.
	if _, err := s.GetDeployment(ctx, id.NewDeploymentID()); !errors.Is(err, muster.ErrDeploymentNotFound) {
		t.Fatalf("expected ErrDeploymentNotFound, got %v", err)
	}
}

func TestDeploymentClaimOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	older := newDeployment(id.NewDeviceID())
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	newer := newDeployment(id.NewDeviceID())

	for _, dep := range []*workqueue.Deployment{newer, older} {
		if err := s.CreateDeployment(ctx, dep); err != nil {
			t.Fatal(err)
		}
	}

	// Oldest queued deployment goes first.
	claimed, err := s.ClaimNextDeployment(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != older.ID {
		t.Fatalf("claimed %v, want %s", claimed, older.ID)
	}
	if claimed.Status != workqueue.StatusInProgress {
		t.Fatalf("status = %q, want %q", claimed.Status, workqueue.StatusInProgress)
	}
	if claimed.ClaimedBy != "worker-1" || claimed.ClaimedAt == nil {
		t.Fatalf("claim fields not set: by=%q at=%v", claimed.ClaimedBy, claimed.ClaimedAt)
	}

	// Second claim takes the remaining deployment.
	claimed, err = s.ClaimNextDeployment(ctx, "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != newer.ID {
		t.Fatalf("claimed %v, want %s", claimed, newer.ID)
	}

	// Empty queue yields nil without error.
	claimed, err = s.ClaimNextDeployment(ctx, "worker-3")
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("expected nil claim on empty queue, got %v", claimed)
	}
}

func TestDeploymentComplete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	target := id.NewDeviceID()
	dep := newDeployment(target)
	if err := s.CreateDeployment(ctx, dep); err != nil {
		t.Fatal(err)
	}

	results := []workqueue.TargetResult{
		{DeviceID: target, Status: workqueue.ResultSuccess},
	}

	// Completing a queued deployment is rejected.
	err := s.CompleteDeployment(ctx, dep.ID, workqueue.StatusSuccess, results, "")
	if !errors.Is(err, muster.ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress, got %v", err)
	}

	if _, err := s.ClaimNextDeployment(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	// Completing with a non-terminal status is rejected.
	err = s.CompleteDeployment(ctx, dep.ID, workqueue.StatusQueued, results, "")
	if !errors.Is(err, muster.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := s.CompleteDeployment(ctx, dep.ID, workqueue.StatusSuccess, results, ""); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetDeployment(ctx, dep.ID)
	if got.Status != workqueue.StatusSuccess {
		t.Fatalf("status = %q, want %q", got.Status, workqueue.StatusSuccess)
	}
	if len(got.Results) != 1 || got.CompletedAt == nil {
		t.Fatalf("results = %d completedAt = %v", len(got.Results), got.CompletedAt)
	}

	// A second report hits a terminal row.
	err = s.CompleteDeployment(ctx, dep.ID, workqueue.StatusFailed, results, "late")
	if !errors.Is(err, muster.ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress on terminal row, got %v", err)
	}

	// Not found.
	err = s.CompleteDeployment(ctx, id.NewDeploymentID(), workqueue.StatusSuccess, nil, "")
	if !errors.Is(err, muster.ErrDeploymentNotFound) {
		t.Fatalf("expected ErrDeploymentNotFound, got %v", err)
	}
}

func TestDeploymentFail(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	dep := newDeployment(id.NewDeviceID())
	if err := s.CreateDeployment(ctx, dep); err != nil {
		t.Fatal(err)
	}

	// Wrong from-status leaves the row untouched.
	err := s.FailDeployment(ctx, dep.ID, workqueue.StatusInProgress, "abandoned")
	if !errors.Is(err, muster.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := s.FailDeployment(ctx, dep.ID, workqueue.StatusQueued, "unclaimed"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetDeployment(ctx, dep.ID)
	if got.Status != workqueue.StatusFailed {
		t.Fatalf("status = %q, want %q", got.Status, workqueue.StatusFailed)
	}
	if got.Error != "unclaimed" || got.CompletedAt == nil {
		t.Fatalf("error = %q completedAt = %v", got.Error, got.CompletedAt)
	}

	// Failing it again from queued no longer matches.
	err = s.FailDeployment(ctx, dep.ID, workqueue.StatusQueued, "again")
	if !errors.Is(err, muster.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeploymentList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d1 := newDeployment(id.NewDeviceID())
	d1.CreatedAt = time.Now().UTC().Add(-time.Hour)
	d2 := newDeployment(id.NewDeviceID())

	for _, dep := range []*workqueue.Deployment{d1, d2} {
		if err := s.CreateDeployment(ctx, dep); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimNextDeployment(ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		opts      workqueue.ListOpts
		wantCount int
	}{
		{"all", workqueue.ListOpts{}, 2},
		{"queued only", workqueue.ListOpts{Status: workqueue.StatusQueued}, 1},
		{"in progress only", workqueue.ListOpts{Status: workqueue.StatusInProgress}, 1},
		{"with limit", workqueue.ListOpts{Limit: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, err := s.ListDeployments(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(deps) != tt.wantCount {
				t.Fatalf("got %d, want %d", len(deps), tt.wantCount)
			}
		})
	}

	// Newest first.
	deps, _ := s.ListDeployments(ctx, workqueue.ListOpts{})
	if deps[0].ID != d2.ID {
		t.Fatalf("first deployment = %s, want newest %s", deps[0].ID, d2.ID)
	}
}

func TestDeploymentListOverdue(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	cutoff := now.Add(-5 * time.Minute)

	// Queued past the cutoff.
	staleQueued := newDeployment(id.NewDeviceID())
	staleQueued.CreatedAt = now.Add(-10 * time.Minute)

	// Queued but recent.
	freshQueued := newDeployment(id.NewDeviceID())

	// Claimed long ago and never reported.
	abandoned := newDeployment(id.NewDeviceID())
	abandoned.Status = workqueue.StatusInProgress
	abandoned.ClaimedBy = "worker-gone"
	claimedAt := now.Add(-10 * time.Minute)
	abandoned.ClaimedAt = &claimedAt

	for _, dep := range []*workqueue.Deployment{staleQueued, freshQueued, abandoned} {
		if err := s.CreateDeployment(ctx, dep); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		status workqueue.Status
		wantID id.DeploymentID
	}{
		{"unclaimed past cutoff", workqueue.StatusQueued, staleQueued.ID},
		{"abandoned past cutoff", workqueue.StatusInProgress, abandoned.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overdue, err := s.ListOverdueDeployments(ctx, tt.status, cutoff)
			if err != nil {
				t.Fatal(err)
			}
			if len(overdue) != 1 {
				t.Fatalf("got %d overdue, want 1", len(overdue))
			}
			if overdue[0].ID != tt.wantID {
				t.Fatalf("overdue = %s, want %s", overdue[0].ID, tt.wantID)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Device Store tests
// ──────────────────────────────────────────────────

func TestDeviceCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := device.New("host-a", "SN-1001")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "create new device",
			fn:      func() error { return s.CreateDevice(ctx, d) },
			wantErr: nil,
		},
		{
			name:    "create duplicate id",
			fn:      func() error { return s.CreateDevice(ctx, d) },
			wantErr: muster.ErrDeviceAlreadyExists,
		},
		{
			name:    "create duplicate serial",
			fn:      func() error { return s.CreateDevice(ctx, device.New("host-b", "SN-1001")) },
			wantErr: muster.ErrDeviceAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Lifecycle != device.Discovered {
		t.Fatalf("lifecycle = %q, want %q", got.Lifecycle, device.Discovered)
	}

	// Not found.
	if _, err := s.GetDevice(ctx, id.NewDeviceID()); !errors.Is(err, muster.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestDeviceLifecycleTransition(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := device.New("host-a", "SN-2001")
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}

	// Graph-invalid move.
	err := s.UpdateDeviceLifecycle(ctx, d.ID, device.Discovered, device.Enrolled)
	if !errors.Is(err, muster.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Valid move.
	if err := s.UpdateDeviceLifecycle(ctx, d.ID, device.Discovered, device.InstallPending); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetDevice(ctx, d.ID)
	if got.Lifecycle != device.InstallPending {
		t.Fatalf("lifecycle = %q, want %q", got.Lifecycle, device.InstallPending)
	}

	// Stale from-state no longer matches.
	err = s.UpdateDeviceLifecycle(ctx, d.ID, device.Discovered, device.InstallPending)
	if !errors.Is(err, muster.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on stale from, got %v", err)
	}

	// Not found.
	err = s.UpdateDeviceLifecycle(ctx, id.NewDeviceID(), device.Discovered, device.Retired)
	if !errors.Is(err, muster.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestDeviceListAndDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d1 := device.New("zulu", "SN-3001")
	d2 := device.New("alpha", "SN-3002")

	for _, d := range []*device.Device{d1, d2} {
		if err := s.CreateDevice(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateDeviceLifecycle(ctx, d1.ID, device.Discovered, device.InstallPending); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		opts      device.ListOpts
		wantCount int
	}{
		{"all ordered by hostname", device.ListOpts{}, 2},
		{"discovered only", device.ListOpts{Lifecycle: device.Discovered}, 1},
		{"install pending only", device.ListOpts{Lifecycle: device.InstallPending}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := s.ListDevices(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(devices) != tt.wantCount {
				t.Fatalf("got %d, want %d", len(devices), tt.wantCount)
			}
		})
	}

	devices, _ := s.ListDevices(ctx, device.ListOpts{})
	if devices[0].Hostname != "alpha" {
		t.Fatalf("first device = %q, want %q", devices[0].Hostname, "alpha")
	}

	if err := s.DeleteDevice(ctx, d1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice(ctx, d1.ID); !errors.Is(err, muster.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound after delete, got %v", err)
	}
	if err := s.DeleteDevice(ctx, d1.ID); !errors.Is(err, muster.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Isolation
// ──────────────────────────────────────────────────

func TestReturnedRowsAreCopies(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	d := newDefinition("isolated")
	d.TaskArgs = job.Args{"region": "us-east-1"}
	if err := s.CreateJob(ctx, d); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy after create must not leak in.
	d.TaskArgs["region"] = "mutated"

	got, err := s.GetJob(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskArgs["region"] != "us-east-1" {
		t.Fatalf("stored args leaked caller mutation: %v", got.TaskArgs)
	}

	// Mutating a returned copy must not leak back.
	got.TaskArgs["region"] = "mutated-again"
	again, _ := s.GetJob(ctx, d.ID)
	if again.TaskArgs["region"] != "us-east-1" {
		t.Fatalf("stored args leaked reader mutation: %v", again.TaskArgs)
	}
}
