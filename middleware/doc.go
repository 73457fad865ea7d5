// Package middleware provides composable middleware for handler
// execution.
//
// A [Middleware] is a function that wraps a handler invocation. Middleware
// are composed into a chain using [Chain] and applied around every
// execution. They are applied right-to-left: the first middleware in the
// slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job name, run ID, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-execution duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, e *job.Execution, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
