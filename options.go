package muster

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Node.
type Option func(*Node) error

// Storer is the minimal store interface held by the Node. It covers
// lifecycle operations only. The full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles.
// Implementations satisfy store.Store which embeds all subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Runner is an internal interface for background loop lifecycle: the
// scheduler, the in-process task pool, queue consumers, and the
// deployment reaper all satisfy it.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Node is the per-process coordinator for scheduling, task execution,
// and the deployment work queue.
//
// Create one with New() and functional options. The Node holds references
// to subsystem components via internal interfaces to avoid import cycles.
// Use engine.Build to wire everything together.
type Node struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []Runner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Node with the given options.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	n.config = n.config.normalized()
	return n, nil
}

// Logger returns the node's logger.
func (n *Node) Logger() *slog.Logger { return n.logger }

// Store returns the node's store.
func (n *Node) Store() Storer { return n.store }

// Config returns a copy of the node's configuration.
func (n *Node) Config() Config { return n.config }

// AddRunner appends a background loop to the node's lifecycle
// (called by the engine package during wiring).
func (n *Node) AddRunner(r Runner) { n.runners = append(n.runners, r) }

// SetExtensions sets the extension emitter (called by the engine package).
func (n *Node) SetExtensions(e extensionEmitter) { n.extensions = e }

// Start begins all background loops in registration order.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return ErrAlreadyRunning
	}
	if n.store == nil {
		return ErrNoStore
	}
	for _, r := range n.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	n.started = true
	return nil
}

// Stop gracefully shuts down the node: loops stop in reverse registration
// order, extensions are notified, then the store is closed.
func (n *Node) Stop(ctx context.Context) error {
	if n.started {
		for i := len(n.runners) - 1; i >= 0; i-- {
			if err := n.runners[i].Stop(ctx); err != nil {
				n.logger.Error("runner stop error", "error", err)
			}
		}
		n.started = false
	}
	if n.extensions != nil {
		n.extensions.EmitShutdown(ctx)
	}
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

// WithConfig replaces the node's entire configuration. Zero-valued
// fields are filled with their defaults.
func WithConfig(c Config) Option {
	return func(n *Node) error {
		n.config = c
		return nil
	}
}

// WithConcurrency sets the number of in-process task workers.
func WithConcurrency(workers int) Option {
	return func(n *Node) error {
		n.config.Concurrency = workers
		return nil
	}
}

// WithHeartbeatInterval sets the election heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(n *Node) error {
		n.config.HeartbeatInterval = d
		return nil
	}
}

// WithLogger sets the structured logger for the node.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the node.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(n *Node) error {
		n.store = s
		return nil
	}
}
