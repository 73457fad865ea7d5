package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/schedule"
)

func noopHandler(_ context.Context, _ job.Args) (any, error) {
	return nil, nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := job.NewRegistry()

	var got job.Args
	err := r.Register("reports.cleanup", job.KindQueueTask, []string{"older_than_days"},
		func(_ context.Context, args job.Args) (any, error) {
			got = args
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	e, err := r.Resolve("reports.cleanup")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if e.Kind != job.KindQueueTask {
		t.Errorf("kind = %q, want %q", e.Kind, job.KindQueueTask)
	}

	res, err := e.Fn(context.Background(), job.Args{"older_than_days": 30})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	if res != "ok" {
		t.Errorf("result = %v, want %q", res, "ok")
	}
	if got["older_than_days"] != 30 {
		t.Errorf("args = %v, want older_than_days=30", got)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := job.NewRegistry()
	_, err := r.Resolve("ghost.handler")
	if !errors.Is(err, muster.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestRegistry_RejectsReservedParams(t *testing.T) {
	reserved := []string{"self", "ctx", "context", "session", "db", "tx", "request"}

	for _, name := range reserved {
		t.Run(name, func(t *testing.T) {
			r := job.NewRegistry()
			err := r.Register("agents.install", job.KindQueueTask, []string{name, "host"}, noopHandler)
			if !errors.Is(err, muster.ErrReservedParam) {
				t.Fatalf("expected ErrReservedParam for %q, got %v", name, err)
			}
			if _, resolveErr := r.Resolve("agents.install"); resolveErr == nil {
				t.Error("rejected handler must not be resolvable")
			}
		})
	}
}

func TestRegistry_RejectsMalformedRefs(t *testing.T) {
	tests := []struct {
		name string
		ref  string
	}{
		{"empty", ""},
		{"no module", "cleanup"},
		{"leading dot", ".cleanup"},
		{"trailing dot", "reports."},
		{"whitespace", "reports. cleanup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := job.NewRegistry()
			if err := r.Register(tt.ref, job.KindQueueTask, nil, noopHandler); err == nil {
				t.Errorf("expected error for ref %q", tt.ref)
			}
		})
	}
}

func TestRegistry_DuplicateRef(t *testing.T) {
	r := job.NewRegistry()
	if err := r.Register("reports.cleanup", job.KindQueueTask, nil, noopHandler); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register("reports.cleanup", job.KindFunction, nil, noopHandler)
	if !errors.Is(err, muster.ErrHandlerAlreadyRegistered) {
		t.Fatalf("expected ErrHandlerAlreadyRegistered, got %v", err)
	}
}

func TestRegistry_DuplicateParam(t *testing.T) {
	r := job.NewRegistry()
	err := r.Register("reports.cleanup", job.KindQueueTask, []string{"days", "days"}, noopHandler)
	if err == nil {
		t.Fatal("expected error for duplicate parameter")
	}
}

func TestEntry_CheckArgs(t *testing.T) {
	r := job.NewRegistry()
	if err := r.Register("reports.cleanup", job.KindQueueTask, []string{"days", "dry_run"}, noopHandler); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	e, _ := r.Resolve("reports.cleanup")

	tests := []struct {
		name    string
		args    job.Args
		wantErr error
	}{
		{"nil args", nil, nil},
		{"declared args", job.Args{"days": 7, "dry_run": true}, nil},
		{"subset", job.Args{"days": 7}, nil},
		{"undeclared", job.Args{"days": 7, "verbose": true}, muster.ErrUnknownArg},
		{"reserved key", job.Args{"self": "x"}, muster.ErrReservedParam},
		{"reserved session", job.Args{"session": "x"}, muster.ErrReservedParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckArgs(tt.args)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistry_ValidateDefinition(t *testing.T) {
	r := job.NewRegistry()
	if err := r.Register("reports.cleanup", job.KindQueueTask, []string{"days"}, noopHandler); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tests := []struct {
		name    string
		def     *job.Definition
		wantErr error
	}{
		{
			"valid",
			job.New("nightly-cleanup", schedule.Every(time.Hour), "reports.cleanup", job.KindQueueTask,
				job.WithArgs(job.Args{"days": 30})),
			nil,
		},
		{
			"unknown handler",
			job.New("ghost", schedule.Every(time.Hour), "ghost.fn", job.KindQueueTask),
			muster.ErrHandlerNotFound,
		},
		{
			"kind mismatch",
			job.New("wrong-kind", schedule.Every(time.Hour), "reports.cleanup", job.KindFunction),
			muster.ErrHandlerKindMismatch,
		},
		{
			"undeclared arg",
			job.New("bad-args", schedule.Every(time.Hour), "reports.cleanup", job.KindQueueTask,
				job.WithArgs(job.Args{"hours": 1})),
			muster.ErrUnknownArg,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ValidateDefinition(tt.def)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRegistry_Refs(t *testing.T) {
	r := job.NewRegistry()
	for _, ref := range []string{"b.two", "a.one", "c.three"} {
		if err := r.Register(ref, job.KindFunction, nil, noopHandler); err != nil {
			t.Fatalf("register %q failed: %v", ref, err)
		}
	}

	refs := r.Refs()
	expected := []string{"a.one", "b.two", "c.three"}
	if len(refs) != len(expected) {
		t.Fatalf("expected %d refs, got %d", len(expected), len(refs))
	}
	for i, want := range expected {
		if refs[i] != want {
			t.Errorf("refs[%d] = %q, want %q", i, refs[i], want)
		}
	}
}
