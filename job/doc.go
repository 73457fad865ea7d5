// Package job defines scheduled job definitions, their executions, the
// handler registry, and the store interface.
//
// # Definitions and Executions
//
// A [Definition] is a periodic job stored in the database: a unique name,
// a trigger spec (interval or cron), a handler reference, named task
// arguments, and enabled/paused flags. The database is authoritative;
// code only binds handler references to Go functions.
//
// An [Execution] is one run of a job. It progresses through a state
// machine and is kept as history:
//
//	pending → running → success
//	pending → running → failed
//	pending → running → timeout
//	pending → failed            (dispatch/configuration error)
//	pending → timeout           (dispatching process crashed; swept)
//
// Terminal states never transition again; stores enforce this on update.
//
// # Handler Registry
//
// [Registry] maps module-qualified references ("pkg.name") to handler
// functions. A registration declares the parameter names the handler
// accepts; reserved names (self, ctx, context, session, db, tx, request)
// are rejected. Task args are checked against the declared parameters at
// job creation and again at dispatch:
//
//	reg.MustRegister("reports.cleanup", job.KindQueueTask,
//	    []string{"older_than_days"},
//	    func(ctx context.Context, args job.Args) (any, error) {
//	        return cleanup(ctx, args["older_than_days"])
//	    },
//	)
//
// A job referencing an unknown handler, a mismatched kind, or bad args
// fails its execution with a descriptive configuration error; the
// handler is never invoked and the scheduler keeps running.
package job
