package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/resilience"
)

var errBoom = errors.New("boom")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(_ string, from, to resilience.State) {
	tr.mu.Lock()
	tr.got = append(tr.got, from.String()+"->"+to.String())
	tr.mu.Unlock()
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.got...)
}

func newBreaker(t *testing.T, cfg resilience.Config) (*resilience.CircuitBreaker, *fakeClock, *transitions) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := &transitions{}
	cfg.Name = "weather"
	cfg.Now = clock.Now
	cfg.OnStateChange = tr.record
	return resilience.NewCircuitBreaker(cfg), clock, tr
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb, _, tr := newBreaker(t, resilience.Config{MaxFailures: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)
	if got := cb.State(); got != resilience.StateClosed {
		t.Fatalf("state = %v after an interleaved success, want closed", got)
	}

	for range 3 {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("Execute = %v, want the callee error", err)
		}
	}
	if got := cb.State(); got != resilience.StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Execute while open = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
	if got := tr.list(); len(got) != 1 || got[0] != "closed->open" {
		t.Errorf("transitions = %v", got)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		probe     func(context.Context) error
		wantState resilience.State
		wantTrans []string
	}{
		{
			name:      "success closes",
			probe:     ok,
			wantState: resilience.StateClosed,
			wantTrans: []string{"closed->open", "open->half-open", "half-open->closed"},
		},
		{
			name:      "failure re-opens",
			probe:     fail,
			wantState: resilience.StateOpen,
			wantTrans: []string{"closed->open", "open->half-open", "half-open->open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cb, clock, tr := newBreaker(t, resilience.Config{MaxFailures: 1, ResetTimeout: time.Minute})
			ctx := context.Background()
			_ = cb.Execute(ctx, fail)

			clock.Advance(30 * time.Second)
			if got := cb.State(); got != resilience.StateOpen {
				t.Fatalf("state before timeout = %v, want open", got)
			}
			clock.Advance(30 * time.Second)
			if got := cb.State(); got != resilience.StateHalfOpen {
				t.Fatalf("state after timeout = %v, want half-open", got)
			}

			_ = cb.Execute(ctx, tt.probe)
			if got := cb.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
			got := tr.list()
			if len(got) != len(tt.wantTrans) {
				t.Fatalf("transitions = %v, want %v", got, tt.wantTrans)
			}
			for i := range got {
				if got[i] != tt.wantTrans[i] {
					t.Errorf("transition %d = %s, want %s", i, got[i], tt.wantTrans[i])
				}
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	t.Parallel()

	cb, clock, _ := newBreaker(t, resilience.Config{MaxFailures: 1, ResetTimeout: time.Second})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := cb.Execute(ctx, ok); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	cb, _, _ := newBreaker(t, resilience.Config{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute = %v, want context.Canceled", err)
	}
	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("state = %v after caller cancellation, want closed", got)
	}

	if err := cb.Execute(ctx, ok); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute on a done context = %v, want context.Canceled", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _, tr := newBreaker(t, resilience.Config{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	cb.Reset()

	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := cb.Execute(context.Background(), ok); err != nil {
		t.Errorf("Execute after Reset = %v", err)
	}
	if got := tr.list(); len(got) != 2 || got[1] != "open->closed" {
		t.Errorf("transitions = %v", got)
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.Config{Name: "defaults"})
	ctx := context.Background()
	for range 4 {
		_ = cb.Execute(ctx, fail)
	}
	if got := cb.State(); got != resilience.StateClosed {
		t.Fatalf("state after 4 failures = %v, want closed (default threshold 5)", got)
	}
	_ = cb.Execute(ctx, fail)
	if got := cb.State(); got != resilience.StateOpen {
		t.Errorf("state after 5 failures = %v, want open", got)
	}
	if cb.Name() != "defaults" {
		t.Errorf("Name = %q", cb.Name())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for st, want := range map[resilience.State]string{
		resilience.StateClosed:   "closed",
		resilience.StateOpen:     "open",
		resilience.StateHalfOpen: "half-open",
		resilience.State(9):      "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
