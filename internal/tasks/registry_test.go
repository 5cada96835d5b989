package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jobflow/internal/domain"
)

func newTestRegistry(resolvers ...Resolver) *Registry {
	l := zerolog.Nop()
	return NewRegistry(&l, resolvers...)
}

func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

func TestRegisterAndExecute(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	if err := r.Register("echo", echo, WithQueue("io"), WithMaxRetries(5)); err != nil {
		t.Fatal(err)
	}
	task, ok := r.Get("echo", "")
	if !ok || task.Queue != "io" || task.MaxRetries == nil || *task.MaxRetries != 5 {
		t.Fatalf("task = %+v", task)
	}
	out, err := r.Execute(context.Background(), "echo", []any{1}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if m := out.(map[string]any); len(m["args"].([]any)) != 1 || m["kwargs"] == nil {
		t.Fatalf("result = %v", out)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	tests := []struct {
		name string
		task string
		h    Handler
		opts []Option
	}{
		{"empty name", " ", echo, nil},
		{"nil handler", "x", nil, nil},
		{"negative retries", "x", echo, []Option{WithMaxRetries(-1)}},
	}
	for _, tt := range tests {
		if err := r.Register(tt.task, tt.h, tt.opts...); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestVersionFallback(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	v1 := func(context.Context, []any, map[string]any) (any, error) { return "v1", nil }
	base := func(context.Context, []any, map[string]any) (any, error) { return "base", nil }
	_ = r.Register("report", v1, WithVersion("1"))
	_ = r.Register("report", base)

	tests := []struct {
		version string
		want    string
	}{
		{"1", "v1"},
		{"", "base"},
		{"2", "base"},
	}
	for _, tt := range tests {
		got, err := r.Execute(context.Background(), "report", nil, nil, tt.version)
		if err != nil || got != tt.want {
			t.Errorf("version %q: got %v, %v; want %s", tt.version, got, err, tt.want)
		}
	}
	if names := r.Names(); len(names) != 1 || names[0] != "report" {
		t.Fatalf("names = %v", names)
	}
}

func TestUnknownTask(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	_, err := r.Execute(context.Background(), "missing", nil, nil, "")
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
	if je := ToJobError(err); je.Type != domain.ErrorTypeNotFound {
		t.Fatalf("job error = %+v", je)
	}
}

func TestImportThroughCatalog(t *testing.T) {
	t.Parallel()
	calls := 0
	catalog := NewCatalogResolver().Add("reports", "daily", func(context.Context, []any, map[string]any) (any, error) {
		calls++
		return "ok", nil
	})
	r := newTestRegistry(ResolverFunc(func(string) (Handler, bool) { return nil, false }), catalog)

	if _, ok := r.Get("reports.daily", ""); ok {
		t.Fatal("task registered before import")
	}
	got, err := r.Execute(context.Background(), "reports.daily", nil, nil, "")
	if err != nil || got != "ok" {
		t.Fatalf("execute = %v, %v", got, err)
	}
	if _, ok := r.Get("reports.daily", ""); !ok {
		t.Fatal("imported task not cached")
	}
	if _, ok := r.Import("reports.weekly"); ok {
		t.Fatal("unknown function imported")
	}
	if _, ok := r.Import("plain"); ok {
		t.Fatal("undotted name imported")
	}
}

func TestPluginResolverMissing(t *testing.T) {
	t.Parallel()
	p := NewPluginResolver(t.TempDir())
	if _, ok := p.Resolve("reports.daily"); ok {
		t.Fatal("resolved from an empty directory")
	}
	if _, ok := p.Resolve("nodot"); ok {
		t.Fatal("resolved an undotted name")
	}
	if exported("daily") != "Daily" || exported("Run") != "Run" {
		t.Fatal("exported name mapping")
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	_ = r.Register("boom", func(context.Context, []any, map[string]any) (any, error) {
		panic("kaboom")
	})
	_, err := r.Execute(context.Background(), "boom", nil, nil, "")
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" || pe.Stack == "" {
		t.Fatalf("err = %v", err)
	}
	je := ToJobError(err)
	if je.Type != domain.ErrorTypePanic || !strings.Contains(je.Message, "kaboom") || je.Traceback == "" {
		t.Fatalf("job error = %+v", je)
	}
}

func TestAsyncHonorsContext(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()
	release := make(chan struct{})
	defer close(release)
	_ = r.Register("slow", func(context.Context, []any, map[string]any) (any, error) {
		<-release
		return nil, nil
	}, WithAsync())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Execute(ctx, "slow", nil, nil, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("async execute did not return on deadline")
	}
	if je := ToJobError(err); je.Type != domain.ErrorTypeTimeout {
		t.Fatalf("job error = %+v", je)
	}
}

func TestToJobError(t *testing.T) {
	t.Parallel()
	if ToJobError(nil) != nil {
		t.Fatal("nil error must map to nil")
	}
	je := ToJobError(errors.New("bad input"))
	if je.Type != domain.ErrorTypeTask || je.Message != "bad input" {
		t.Fatalf("job error = %+v", je)
	}
	custom := &domain.JobError{Type: "QuotaError", Message: "over quota"}
	if got := ToJobError(custom); got.Type != "QuotaError" || got == custom {
		t.Fatalf("custom error = %+v", got)
	}
}
