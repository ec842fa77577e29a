package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New("classifier:task_router", Settings{FailureThreshold: failures, SuccessThreshold: successes, Timeout: timeout})
	cb.now = clk.now
	return cb, clk
}

func TestInitialStateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestDefaults(t *testing.T) {
	cb := New("x", Settings{})
	if cb.failureThreshold != 5 || cb.successThreshold != 1 || cb.timeout != 30*time.Second {
		t.Errorf("unexpected defaults: %d %d %s", cb.failureThreshold, cb.successThreshold, cb.timeout)
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected Allow=false when open")
	}
}

func TestHalfOpenCycle(t *testing.T) {
	cb, clk := newTestBreaker(1, 2, time.Second)
	cb.RecordFailure()
	clk.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after timeout, got %s", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("one success of two should stay half_open, got %s", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	cb, clk := newTestBreaker(1, 1, time.Second)
	cb.RecordFailure()
	clk.advance(2 * time.Second)
	_ = cb.State()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failure in half_open, got %s", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, 10*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected still closed, got %s", cb.State())
	}
}

func TestExecute(t *testing.T) {
	cb, _ := newTestBreaker(1, 1, time.Minute)
	var transitions []State
	cb.OnStateChange(func(_ string, s State) { transitions = append(transitions, s) })

	boom := errors.New("boom")
	if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Error("fn called while circuit open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Name != "classifier:task_router" {
		t.Errorf("unexpected open error: %v", err)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}
