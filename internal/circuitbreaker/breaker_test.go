package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move past the cooldown without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("lock_funds") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("settle")
	b.RecordFailure("settle")
	if !b.Allow("settle") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("settle")
	if b.Allow("settle") {
		t.Fatal("should be open after 3 failures")
	}
	if got := b.State("settle"); got != StateOpen {
		t.Fatalf("expected open, got %v", got)
	}
}

func TestBreaker_CooldownAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("settle")
	b.RecordFailure("settle")

	clock.Advance(59 * time.Second)
	if b.Allow("settle") {
		t.Fatal("should stay open during cooldown")
	}

	clock.Advance(time.Second)
	if !b.Allow("settle") {
		t.Fatal("should admit probe after cooldown")
	}
	if b.State("settle") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("settle"))
	}
	if b.Allow("settle") {
		t.Fatal("second caller must wait for the probe")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		succeed bool
		want    State
	}{
		{"success closes", true, StateClosed},
		{"failure reopens", false, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(2)
			b.RecordFailure("refund")
			b.RecordFailure("refund")
			clock.Advance(time.Minute)
			b.Allow("refund")

			if tt.succeed {
				b.RecordSuccess("refund")
			} else {
				b.RecordFailure("refund")
			}
			if got := b.State("refund"); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("settle")
	b.RecordFailure("settle")
	b.RecordSuccess("settle")
	b.RecordFailure("settle")
	if !b.Allow("settle") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("settle")
	if b.Allow("settle") {
		t.Fatal("settle should be open")
	}
	if !b.Allow("get_balance") {
		t.Fatal("get_balance should be closed")
	}
	keys := b.OpenKeys()
	if len(keys) != 1 || keys[0] != "settle" {
		t.Fatalf("unexpected open keys %v", keys)
	}
}

func TestBreaker_Execute(t *testing.T) {
	transient := errors.New("503")
	rejected := errors.New("400")
	trips := func(err error) bool { return errors.Is(err, transient) }

	b, _ := newTestBreaker(2)

	// Client errors do not trip the circuit.
	for i := 0; i < 5; i++ {
		if err := b.Execute("lock_funds", trips, func() error { return rejected }); !errors.Is(err, rejected) {
			t.Fatalf("expected rejected, got %v", err)
		}
	}
	if b.State("lock_funds") != StateClosed {
		t.Fatal("non-tripping errors opened the circuit")
	}

	_ = b.Execute("lock_funds", trips, func() error { return transient })
	_ = b.Execute("lock_funds", trips, func() error { return transient })

	called := false
	err := b.Execute("lock_funds", trips, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(2)

	got := make(chan [2]State, 4)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("settle")
	b.RecordFailure("settle")

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("expected closed->open, got %v->%v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not fired")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
