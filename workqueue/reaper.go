package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/device"
)

// Failure messages stamped on reaped deployments.
const (
	// ReasonUnclaimed is recorded when no worker claimed a queued
	// deployment within the claim timeout.
	ReasonUnclaimed = "no worker claimed the deployment within the claim timeout"
	// ReasonAbandoned is recorded when a claimed deployment never
	// received a result within the execution timeout.
	ReasonAbandoned = "worker did not report a result within the execution timeout"
)

// reaperHooks receives reap events. *ext.Registry satisfies it.
type reaperHooks interface {
	EmitDeploymentReaped(ctx context.Context, dep *Deployment)
}

// Reaper periodically fails deployments stuck in queued or in_progress
// past their timeouts and rolls their pending target devices back to
// discovered. In a cluster it runs on every node but acts only while
// the leader gate reports true.
type Reaper struct {
	store   Store
	devices device.Store
	hooks   reaperHooks
	logger  *slog.Logger

	interval     time.Duration
	claimTimeout time.Duration
	execTimeout  time.Duration
	isLeader     func() bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReapInterval sets how often the reaper scans for overdue
// deployments.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.interval = d }
}

// WithClaimTimeout sets how long a deployment may sit queued before it
// is failed as never claimed.
func WithClaimTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.claimTimeout = d }
}

// WithExecutionTimeout sets how long a claimed deployment may sit
// in_progress before it is failed as abandoned.
func WithExecutionTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.execTimeout = d }
}

// WithLeaderGate restricts reaping to ticks where the gate reports
// true. Without a gate the reaper acts on every tick.
func WithLeaderGate(gate func() bool) ReaperOption {
	return func(r *Reaper) { r.isLeader = gate }
}

// WithReaperHooks sets the lifecycle hook emitter.
func WithReaperHooks(h reaperHooks) ReaperOption {
	return func(r *Reaper) { r.hooks = h }
}

// WithReaperLogger sets the reaper logger.
func WithReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = l }
}

// NewReaper creates a deployment reaper with the default timeouts from
// DefaultConfig.
func NewReaper(store Store, devices device.Store, opts ...ReaperOption) *Reaper {
	defaults := muster.DefaultConfig()
	r := &Reaper{
		store:        store,
		devices:      devices,
		logger:       slog.Default(),
		interval:     defaults.ReapInterval,
		claimTimeout: defaults.ClaimTimeout,
		execTimeout:  defaults.ExecutionTimeout,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the reap loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	r.logger.Info("deployment reaper starting",
		slog.Duration("interval", r.interval),
		slog.Duration("claim_timeout", r.claimTimeout),
		slog.Duration("execution_timeout", r.execTimeout),
	)

	r.wg.Add(1)
	go r.loop()

	return nil
}

// Stop signals the loop to stop and waits for it to finish or the
// context to expire.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			if err := r.RunOnce(context.Background(), time.Now().UTC()); err != nil {
				r.logger.Error("reap pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs a single reap pass against the given reference time:
// queued deployments older than the claim timeout and in_progress
// deployments claimed longer ago than the execution timeout are failed,
// and their pending devices roll back to discovered.
func (r *Reaper) RunOnce(ctx context.Context, now time.Time) error {
	if err := r.reap(ctx, StatusQueued, now.Add(-r.claimTimeout), ReasonUnclaimed); err != nil {
		return err
	}
	return r.reap(ctx, StatusInProgress, now.Add(-r.execTimeout), ReasonAbandoned)
}

func (r *Reaper) reap(ctx context.Context, from Status, cutoff time.Time, reason string) error {
	overdue, err := r.store.ListOverdueDeployments(ctx, from, cutoff)
	if err != nil {
		return err
	}

	for _, dep := range overdue {
		if err := r.store.FailDeployment(ctx, dep.ID, from, reason); err != nil {
			// A worker beat us to it between list and fail.
			if errors.Is(err, muster.ErrInvalidTransition) {
				continue
			}
			r.logger.Error("reap: fail deployment",
				slog.String("deployment_id", dep.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.rollbackDevices(ctx, dep)

		r.logger.Info("reaped deployment",
			slog.String("deployment_id", dep.ID.String()),
			slog.String("was", string(from)),
			slog.String("reason", reason),
		)
		if r.hooks != nil {
			dep.Status = StatusFailed
			dep.Error = reason
			r.hooks.EmitDeploymentReaped(ctx, dep)
		}
	}
	return nil
}

// rollbackDevices returns every target still pending installation to
// discovered. Targets that already moved on are left alone.
func (r *Reaper) rollbackDevices(ctx context.Context, dep *Deployment) {
	for _, devID := range dep.Targets {
		err := r.devices.UpdateDeviceLifecycle(ctx, devID, device.InstallPending, device.Discovered)
		if err != nil && !errors.Is(err, muster.ErrInvalidTransition) {
			r.logger.Error("reap: device rollback",
				slog.String("deployment_id", dep.ID.String()),
				slog.String("device_id", devID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
