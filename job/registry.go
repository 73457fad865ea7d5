package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/driftlock/muster"
)

// Args is the named-argument map a handler receives, sourced from the
// job definition's task_args.
type Args map[string]any

// HandlerFunc executes a job's handler with its named arguments. The
// returned value is JSON-marshaled into the execution result.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// reservedParams are argument names that collide with injected call
// context in handler conventions. Registration and dispatch both reject
// them.
var reservedParams = map[string]struct{}{
	"self":    {},
	"ctx":     {},
	"context": {},
	"session": {},
	"db":      {},
	"tx":      {},
	"request": {},
}

// Reserved reports whether name is a reserved parameter name.
func Reserved(name string) bool {
	_, ok := reservedParams[name]
	return ok
}

// Entry is a registered handler: its module-qualified reference, kind,
// declared parameter names, and the function itself.
type Entry struct {
	Ref    string
	Kind   HandlerKind
	Params []string
	Fn     HandlerFunc

	paramSet map[string]struct{}
}

// CheckArgs validates task args against the entry's declared parameters.
// Reserved keys return ErrReservedParam; keys the handler never declared
// return ErrUnknownArg.
func (e *Entry) CheckArgs(args Args) error {
	for name := range args {
		if Reserved(name) {
			return fmt.Errorf("job: %w: %q", muster.ErrReservedParam, name)
		}
		if _, ok := e.paramSet[name]; !ok {
			return fmt.Errorf("job: %w: %q not accepted by handler %q", muster.ErrUnknownArg, name, e.Ref)
		}
	}
	return nil
}

// Registry maps module-qualified handler references to registered
// entries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register binds a handler reference to a function. The reference must
// be module-qualified ("pkg.name"); params declares the argument names
// the handler accepts. Reserved parameter names, duplicate references,
// and malformed references are rejected.
func (r *Registry) Register(ref string, kind HandlerKind, params []string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("job: register %q: nil handler", ref)
	}
	if !kind.Valid() {
		return fmt.Errorf("job: register %q: %w: unknown kind %q", ref, muster.ErrHandlerKindMismatch, kind)
	}
	if err := validateRef(ref); err != nil {
		return err
	}

	paramSet := make(map[string]struct{}, len(params))
	for _, p := range params {
		if Reserved(p) {
			return fmt.Errorf("job: register %q: %w: %q", ref, muster.ErrReservedParam, p)
		}
		if _, dup := paramSet[p]; dup {
			return fmt.Errorf("job: register %q: duplicate parameter %q", ref, p)
		}
		paramSet[p] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[ref]; exists {
		return fmt.Errorf("job: %w: %q", muster.ErrHandlerAlreadyRegistered, ref)
	}

	r.entries[ref] = &Entry{
		Ref:      ref,
		Kind:     kind,
		Params:   append([]string(nil), params...),
		Fn:       fn,
		paramSet: paramSet,
	}
	return nil
}

// MustRegister is like Register but panics on error. Use for static
// handler tables at startup.
func (r *Registry) MustRegister(ref string, kind HandlerKind, params []string, fn HandlerFunc) {
	if err := r.Register(ref, kind, params, fn); err != nil {
		panic(err)
	}
}

// Resolve returns the entry for a handler reference, or
// ErrHandlerNotFound.
func (r *Registry) Resolve(ref string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[ref]
	if !ok {
		return nil, fmt.Errorf("job: %w: %q", muster.ErrHandlerNotFound, ref)
	}
	return e, nil
}

// ValidateDefinition resolves the definition's handler and checks its
// kind and task args against the registered entry. It runs at job
// creation and again at dispatch; a failure at dispatch is a
// configuration error, recorded on the execution without invoking the
// handler.
func (r *Registry) ValidateDefinition(d *Definition) (*Entry, error) {
	e, err := r.Resolve(d.Handler)
	if err != nil {
		return nil, err
	}
	if d.HandlerKind != e.Kind {
		return nil, fmt.Errorf("job: %w: job %q wants %s, handler %q registered as %s",
			muster.ErrHandlerKindMismatch, d.Name, d.HandlerKind, e.Ref, e.Kind)
	}
	if err := e.CheckArgs(d.TaskArgs); err != nil {
		return nil, err
	}
	return e, nil
}

// Refs returns all registered handler references, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.entries))
	for ref := range r.entries {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// validateRef checks that a handler reference is module-qualified:
// "pkg.name" with non-empty halves and no whitespace.
func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("job: empty handler reference")
	}
	if strings.ContainsAny(ref, " \t\n") {
		return fmt.Errorf("job: handler reference %q contains whitespace", ref)
	}
	dot := strings.Index(ref, ".")
	if dot <= 0 || dot == len(ref)-1 {
		return fmt.Errorf("job: handler reference %q is not module-qualified", ref)
	}
	return nil
}
