package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/backoff"
	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/taskqueue"
)

// State is the scheduler's position in the leadership election.
type State string

const (
	// StateFollower means the instance heartbeats and stands by.
	StateFollower State = "follower"
	// StateLeader means the instance holds the lease: it syncs
	// schedules and runs the sweeps.
	StateLeader State = "leader"
	// StateStopped is terminal; a stopped scheduler is not restarted.
	StateStopped State = "stopped"
)

// hooks is the slice of the extension registry the scheduler emits to.
type hooks interface {
	EmitLeaderElected(ctx context.Context, inst *cluster.Instance)
	EmitLeaderLost(ctx context.Context, inst *cluster.Instance)
	EmitJobFired(ctx context.Context, d *job.Definition, e *job.Execution)
	EmitExecutionFailed(ctx context.Context, e *job.Execution, err error)
}

// Scheduler drives one muster instance: it registers in the cluster,
// heartbeats, competes for the leadership lease, and while leader
// syncs job schedules and runs the housekeeping sweeps.
type Scheduler struct {
	jobs     job.Store
	cluster  cluster.Store
	queue    taskqueue.Queue
	executor *taskqueue.Executor
	hooks    hooks
	instance *cluster.Instance
	logger   *slog.Logger

	heartbeatInterval time.Duration
	misfireGrace      time.Duration
	reapInterval      time.Duration
	instanceGrace     time.Duration
	defaultTimeout    time.Duration
	retry             backoff.Strategy

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	state   State
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHeartbeatInterval sets the election tick. The leadership lease
// TTL is always twice this interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.heartbeatInterval = d }
}

// WithMisfireGrace sets how far past its fire time a due job may still
// be dispatched. Occurrences missed by more are skipped.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.misfireGrace = d }
}

// WithReapInterval sets how often the leader runs the sweeps.
func WithReapInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.reapInterval = d }
}

// WithInstanceGrace sets how long an instance may go silent before the
// leader deletes its registration.
func WithInstanceGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.instanceGrace = d }
}

// WithDefaultTimeout sets the execution timeout stamped on executions
// whose job carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultTimeout = d }
}

// WithRetry sets the pacing between retries after a failed election
// tick.
func WithRetry(strategy backoff.Strategy) Option {
	return func(s *Scheduler) { s.retry = strategy }
}

// WithHooks sets the lifecycle hook sink.
func WithHooks(h hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithInstance overrides the autogenerated instance registration.
func WithInstance(inst *cluster.Instance) Option {
	return func(s *Scheduler) { s.instance = inst }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler for this process. Queue tasks go through the
// queue; the executor runs standalone-function jobs in-process.
func New(jobs job.Store, cl cluster.Store, queue taskqueue.Queue, executor *taskqueue.Executor, opts ...Option) *Scheduler {
	cfg := muster.DefaultConfig()
	s := &Scheduler{
		jobs:              jobs,
		cluster:           cl,
		queue:             queue,
		executor:          executor,
		instance:          cluster.NewInstance(),
		logger:            slog.Default(),
		heartbeatInterval: cfg.HeartbeatInterval,
		misfireGrace:      cfg.MisfireGrace,
		reapInterval:      cfg.ReapInterval,
		instanceGrace:     cfg.InstanceGrace,
		defaultTimeout:    cfg.DispatchTimeout,
		retry:             backoff.NewConstant(cfg.RetryBackoff),
		state:             StateFollower,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Instance returns this scheduler's cluster registration.
func (s *Scheduler) Instance() *cluster.Instance { return s.instance }

// State returns the scheduler's current election state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsLeader reports whether this instance currently holds the lease.
// The deployment reaper uses it as its leader gate.
func (s *Scheduler) IsLeader() bool {
	return s.State() == StateLeader
}

func (s *Scheduler) leaseTTL() time.Duration {
	return 2 * s.heartbeatInterval
}

// Start registers the instance and launches the election and
// housekeeping loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.cluster.RegisterInstance(ctx, s.instance); err != nil {
		return fmt.Errorf("scheduler: register instance: %w", err)
	}
	s.running = true

	s.logger.Info("scheduler starting",
		slog.String("instance_id", s.instance.ID.String()),
		slog.String("hostname", s.instance.Hostname),
		slog.Int("pid", s.instance.PID),
		slog.Duration("heartbeat_interval", s.heartbeatInterval),
	)

	s.wg.Add(2)
	go s.electionLoop()
	go s.housekeepingLoop()
	return nil
}

// Stop halts the loops, resigns leadership, and deregisters the
// instance so a follower can take over without waiting out the lease.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	wasLeader := s.state == StateLeader
	s.state = StateStopped
	s.mu.Unlock()

	if err := s.cluster.ResignLeadership(ctx, s.instance.ID); err != nil {
		s.logger.Warn("resign leadership failed", slog.String("error", err.Error()))
	}
	if err := s.cluster.DeregisterInstance(ctx, s.instance.ID); err != nil {
		s.logger.Warn("deregister instance failed", slog.String("error", err.Error()))
	}

	if wasLeader && s.hooks != nil {
		s.hooks.EmitLeaderLost(ctx, s.instance)
	}

	s.logger.Info("scheduler stopped", slog.String("instance_id", s.instance.ID.String()))
	return nil
}

// electionLoop heartbeats and contends for the lease on every tick.
// A failed tick retries on the backoff pacing instead of waiting out
// the full interval; the loop only exits on Stop.
func (s *Scheduler) electionLoop() {
	defer s.wg.Done()

	// Fire immediately so a fresh node can take an uncontested lease
	// without waiting a full interval.
	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	var failingSince time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		if err := s.electionTick(context.Background()); err != nil {
			failures++
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			// Once a full lease has passed without a successful tick,
			// leadership can no longer be assumed held: demote so the
			// sync and the leader-gated sweeps stop running here. The
			// lease itself expires on the same clock, so a live rival
			// takes over at about the same moment.
			if time.Since(failingSince) >= s.leaseTTL() {
				s.setLeader(context.Background(), false)
			}
			delay := s.retry.Delay(failures)
			s.logger.Error("scheduler tick failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			timer.Reset(delay)
			continue
		}
		failures = 0
		failingSince = time.Time{}
		timer.Reset(s.heartbeatInterval)
	}
}

// electionTick is one heartbeat-then-acquire round. While leader it
// also runs the schedule sync, so promotion syncs immediately.
func (s *Scheduler) electionTick(ctx context.Context) error {
	if err := s.cluster.HeartbeatInstance(ctx, s.instance.ID); err != nil {
		if !errors.Is(err, muster.ErrInstanceNotFound) {
			return fmt.Errorf("scheduler: heartbeat: %w", err)
		}
		// The registration was reaped while this instance stalled
		// (a leader's stale-instance cleanup). Re-register with a
		// fresh heartbeat and rejoin as a follower; leadership has to
		// be won again below.
		s.instance.HeartbeatAt = time.Now().UTC()
		s.instance.IsLeader = false
		s.instance.Touch()
		if regErr := s.cluster.RegisterInstance(ctx, s.instance); regErr != nil {
			return fmt.Errorf("scheduler: re-register instance: %w", regErr)
		}
		s.logger.Warn("instance registration was reaped, re-registered",
			slog.String("instance_id", s.instance.ID.String()),
		)
	}

	acquired, err := s.cluster.AcquireLeadership(ctx, s.instance.ID, s.leaseTTL())
	if err != nil {
		return fmt.Errorf("scheduler: acquire leadership: %w", err)
	}

	s.setLeader(ctx, acquired)

	if acquired {
		s.syncOnce(ctx)
	}
	return nil
}

// setLeader records an election outcome, logging and emitting hooks on
// transitions only.
func (s *Scheduler) setLeader(ctx context.Context, leader bool) {
	next := StateFollower
	if leader {
		next = StateLeader
	}

	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}

	if leader {
		s.logger.Info("promoted to leader",
			slog.String("instance_id", s.instance.ID.String()),
		)
		if s.hooks != nil {
			s.hooks.EmitLeaderElected(ctx, s.instance)
		}
		return
	}

	s.logger.Info("demoted to follower",
		slog.String("instance_id", s.instance.ID.String()),
	)
	if s.hooks != nil {
		s.hooks.EmitLeaderLost(ctx, s.instance)
	}
}
