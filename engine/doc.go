// Package engine wires all muster subsystems together and provides the
// application-level API for registering handlers, managing job
// definitions, and reaching the deployment work queue.
//
// The engine package exists to break a fundamental import cycle: the
// root muster package defines Entity and Config (imported by job,
// cluster, workqueue, and the other subsystem packages) and therefore
// cannot import those packages back. Engine sits above all subsystem
// packages and below the application layer.
//
// # Building an Engine
//
//	n, err := muster.New(
//	    muster.WithStore(pgStore),
//	    muster.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(n,
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(myMiddleware),
//	)
//
// # Registering Handlers
//
//	eng.MustRegisterHandler("reports.cleanup", job.KindQueueTask,
//	    []string{"retention_days"},
//	    func(ctx context.Context, args job.Args) (any, error) {
//	        return cleanup(ctx, args["retention_days"])
//	    })
//
// # Managing Jobs
//
//	d, err := eng.CreateJob(ctx, "nightly-cleanup",
//	    schedule.On(schedule.Cron{Minute: "0", Hour: "3"}),
//	    "reports.cleanup", job.KindQueueTask,
//	    job.WithArgs(job.Args{"retention_days": 30}),
//	)
//
//	eng.PauseJob(ctx, d.ID)
//	eng.TriggerNow(ctx, d.ID, job.TriggerManual)
//
// # Deployments
//
//	dep, err := eng.Deployments().Submit(ctx, workqueue.SubmitRequest{
//	    Kind:    "agent_install",
//	    Payload: payload,
//	})
//
// # Options
//
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — append middleware to the execution chain
//   - [WithBackoff] — set the election retry pacing
//   - [WithQueue] — replace the in-process transport (e.g. Redis Streams)
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
