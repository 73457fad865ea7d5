package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/backoff"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/ext"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
	mw "github.com/driftlock/muster/middleware"
	"github.com/driftlock/muster/observability"
	"github.com/driftlock/muster/schedule"
	"github.com/driftlock/muster/scheduler"
	"github.com/driftlock/muster/store"
	"github.com/driftlock/muster/taskqueue"
	"github.com/driftlock/muster/workqueue"
)

// Engine wraps a Node with typed subsystem access: the handler
// registry, the scheduler, the task queue, and the deployment service.
// Use Build() to create one from a Node.
type Engine struct {
	node       *muster.Node
	store      store.Store
	extensions *ext.Registry
	registry   *job.Registry
	executor   *taskqueue.Executor
	queue      taskqueue.Queue
	scheduler  *scheduler.Scheduler
	service    *workqueue.Service
	reaper     *workqueue.Reaper
	retry      backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware to the execution chain, inside the
// default stack (recover, tracing, metrics, logging).
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the pacing between retries after a failed election
// tick. The default is a constant delay from the node config.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.retry = b
	}
}

// WithQueue replaces the dispatch transport. The default is an
// in-process worker pool; pass a taskqueue.RedisQueue to hand tasks to
// a remote consumer fleet instead. A remote transport brings no local
// workers — wire a consumer around Executor() separately.
func WithQueue(q taskqueue.Queue) Option {
	return func(eng *Engine) {
		eng.queue = q
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from a Node. The Node's store must implement
// the composite store.Store. Build wires the executor, the queue, the
// scheduler, and the deployment reaper into the Node's lifecycle;
// Start/Stop on either the Engine or the Node runs them all.
func Build(n *muster.Node, opts ...Option) (*Engine, error) {
	logger := n.Logger()

	st := n.Store()
	if st == nil {
		return nil, muster.ErrNoStore
	}
	s, ok := st.(store.Store)
	if !ok {
		return nil, fmt.Errorf("engine: store %T does not implement store.Store", st)
	}

	eng := &Engine{
		node:       n,
		store:      s,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	cfg := n.Config()

	if eng.retry == nil {
		eng.retry = backoff.NewConstant(cfg.RetryBackoff)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/driftlock/muster")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/driftlock/muster")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/driftlock/muster/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging.
	// Timeouts are the executor's own concern: it must map a deadline to
	// the timeout terminal status, which middleware cannot write.
	allMws := make([]mw.Middleware, 0, 4+len(eng.mws))
	allMws = append(allMws,
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	)
	allMws = append(allMws, eng.mws...)

	eng.executor = taskqueue.NewExecutor(eng.registry, s,
		taskqueue.WithExecutorHooks(eng.extensions),
		taskqueue.WithMiddleware(allMws...),
		taskqueue.WithDefaultTimeout(cfg.DispatchTimeout),
		taskqueue.WithExecutorLogger(logger),
	)

	// Default transport: in-process pool. Starts before the scheduler so
	// workers are draining by the first sync; stops after it so nothing
	// dispatches into a closed queue.
	if eng.queue == nil {
		pool := taskqueue.NewInProc(eng.executor,
			taskqueue.WithWorkers(cfg.Concurrency),
			taskqueue.WithQueueSize(cfg.QueueSize),
			taskqueue.WithInProcLogger(logger),
		)
		eng.queue = pool
		n.AddRunner(pool)
	}

	eng.scheduler = scheduler.New(s, s, eng.queue, eng.executor,
		scheduler.WithHeartbeatInterval(cfg.HeartbeatInterval),
		scheduler.WithMisfireGrace(cfg.MisfireGrace),
		scheduler.WithReapInterval(cfg.ReapInterval),
		scheduler.WithInstanceGrace(cfg.InstanceGrace),
		scheduler.WithDefaultTimeout(cfg.DispatchTimeout),
		scheduler.WithRetry(eng.retry),
		scheduler.WithHooks(eng.extensions),
		scheduler.WithLogger(logger),
	)
	n.AddRunner(eng.scheduler)

	eng.service = workqueue.NewService(s, s,
		workqueue.WithHooks(eng.extensions),
		workqueue.WithLogger(logger),
	)

	eng.reaper = workqueue.NewReaper(s, s,
		workqueue.WithReapInterval(cfg.ReapInterval),
		workqueue.WithClaimTimeout(cfg.ClaimTimeout),
		workqueue.WithExecutionTimeout(cfg.ExecutionTimeout),
		workqueue.WithLeaderGate(eng.scheduler.IsLeader),
		workqueue.WithReaperHooks(eng.extensions),
		workqueue.WithReaperLogger(logger),
	)
	n.AddRunner(eng.reaper)

	n.SetExtensions(eng.extensions)

	return eng, nil
}

// RegisterHandler binds a module-qualified handler reference to a
// function. Params declares the argument names the handler accepts;
// reserved names are rejected here, before any job can reference them.
func (eng *Engine) RegisterHandler(ref string, kind job.HandlerKind, params []string, fn job.HandlerFunc) error {
	return eng.registry.Register(ref, kind, params, fn)
}

// MustRegisterHandler is like RegisterHandler but panics on error. Use
// for static handler tables at startup.
func (eng *Engine) MustRegisterHandler(ref string, kind job.HandlerKind, params []string, fn job.HandlerFunc) {
	eng.registry.MustRegister(ref, kind, params, fn)
}

// CreateJob validates and persists a new job definition. The schedule
// must be valid and the handler reference must already be registered
// with matching kind and declared args — misconfiguration is rejected
// here instead of failing executions at dispatch time.
func (eng *Engine) CreateJob(ctx context.Context, name string, spec schedule.Spec, handlerRef string, kind job.HandlerKind, opts ...job.Option) (*job.Definition, error) {
	if err := schedule.Validate(spec); err != nil {
		return nil, err
	}

	d := job.New(name, spec, handlerRef, kind, opts...)
	if _, err := eng.registry.ValidateDefinition(d); err != nil {
		return nil, err
	}

	if err := eng.store.CreateJob(ctx, d); err != nil {
		return nil, err
	}

	eng.logger.Info("job created",
		slog.String("job_name", d.Name),
		slog.String("handler", d.Handler),
		slog.String("kind", string(d.HandlerKind)),
	)
	return d, nil
}

// UpdateJob revalidates and persists changes to a definition. The
// cached next fire time is recomputed from now so a changed schedule
// takes effect at its next occurrence instead of running on stale
// timing.
func (eng *Engine) UpdateJob(ctx context.Context, d *job.Definition) error {
	if err := schedule.Validate(d.Schedule); err != nil {
		return err
	}
	if _, err := eng.registry.ValidateDefinition(d); err != nil {
		return err
	}

	next, err := schedule.Next(d.Schedule, time.Now().UTC())
	if err != nil {
		return err
	}
	d.NextRunAt = &next

	return eng.store.UpdateJob(ctx, d)
}

// PauseJob suspends scheduling for a job. The definition keeps its next
// fire time; occurrences missed while paused follow the misfire policy
// once resumed.
func (eng *Engine) PauseJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	return eng.mutateJob(ctx, jobID, "job paused", func(d *job.Definition) {
		d.Paused = true
	})
}

// ResumeJob lifts a pause.
func (eng *Engine) ResumeJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	return eng.mutateJob(ctx, jobID, "job resumed", func(d *job.Definition) {
		d.Paused = false
	})
}

// EnableJob turns a disabled job back on.
func (eng *Engine) EnableJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	return eng.mutateJob(ctx, jobID, "job enabled", func(d *job.Definition) {
		d.Enabled = true
	})
}

// DisableJob turns a job off entirely.
func (eng *Engine) DisableJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	return eng.mutateJob(ctx, jobID, "job disabled", func(d *job.Definition) {
		d.Enabled = false
	})
}

func (eng *Engine) mutateJob(ctx context.Context, jobID id.JobID, msg string, mutate func(*job.Definition)) (*job.Definition, error) {
	d, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	mutate(d)
	if err := eng.store.UpdateJob(ctx, d); err != nil {
		return nil, err
	}
	eng.logger.Info(msg, slog.String("job_name", d.Name))
	return d, nil
}

// DeleteJob removes a definition. Its execution history stays.
func (eng *Engine) DeleteJob(ctx context.Context, jobID id.JobID) error {
	return eng.store.DeleteJob(ctx, jobID)
}

// GetJob retrieves a definition by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Definition, error) {
	return eng.store.GetJob(ctx, jobID)
}

// GetJobByName retrieves a definition by its unique name.
func (eng *Engine) GetJobByName(ctx context.Context, name string) (*job.Definition, error) {
	return eng.store.GetJobByName(ctx, name)
}

// ListJobs returns definitions ordered by name.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Definition, error) {
	return eng.store.ListJobs(ctx, opts)
}

// TriggerNow dispatches a job immediately, bypassing its schedule. It
// works on any instance, leader or follower, and fires paused or
// disabled jobs: a manual trigger states operator intent.
func (eng *Engine) TriggerNow(ctx context.Context, jobID id.JobID, trigger job.TriggeredBy) (*job.Execution, error) {
	return eng.scheduler.TriggerNow(ctx, jobID, trigger)
}

// GetExecution retrieves one execution row.
func (eng *Engine) GetExecution(ctx context.Context, runID id.RunID) (*job.Execution, error) {
	return eng.store.GetExecution(ctx, runID)
}

// ListExecutions returns execution history matching opts, newest first.
func (eng *Engine) ListExecutions(ctx context.Context, opts job.ExecListOpts) ([]*job.Execution, error) {
	return eng.store.ListExecutions(ctx, opts)
}

// Start begins background processing: the task queue workers, the
// scheduler's election loop, and the deployment reaper.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.node.Start(ctx)
}

// Stop gracefully shuts everything down in reverse start order.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.node.Stop(ctx)
}

// Node returns the underlying Node.
func (eng *Engine) Node() *muster.Node { return eng.node }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Executor returns the task executor, for wiring external consumers
// (e.g. taskqueue.NewRedisConsumer) around the same execution path.
func (eng *Engine) Executor() *taskqueue.Executor { return eng.executor }

// Queue returns the dispatch transport.
func (eng *Engine) Queue() taskqueue.Queue { return eng.queue }

// Scheduler returns the election/sync scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Deployments returns the deployment work-queue service.
func (eng *Engine) Deployments() *workqueue.Service { return eng.service }

// Reaper returns the deployment reaper.
func (eng *Engine) Reaper() *workqueue.Reaper { return eng.reaper }

// Devices returns the device store slice of the backend.
func (eng *Engine) Devices() device.Store { return eng.store }
