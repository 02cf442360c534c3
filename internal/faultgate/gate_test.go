package faultgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errConn = errors.New("connection refused")

func isConn(err error) bool { return errors.Is(err, errConn) }

func TestStartFirstWriterWins(t *testing.T) {
	g := New(time.Millisecond, isConn, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			g.Start("raise")
		}(i)
	}
	wg.Wait()

	down, since, reason := g.Status()
	if !down || since.IsZero() || reason != "raise" {
		t.Fatalf("gate state after concurrent starts: down=%v since=%v reason=%q", down, since, reason)
	}

	// A later start must not overwrite the recorded state.
	first := since
	g.Start("second raise")
	_, since, reason = g.Status()
	if !since.Equal(first) || reason != "raise" {
		t.Fatalf("second start overwrote state: since=%v reason=%q", since, reason)
	}

	g.Stop()
	down, since, reason = g.Status()
	if down || !since.IsZero() || reason != "" {
		t.Fatalf("gate not cleared after stop: down=%v since=%v reason=%q", down, since, reason)
	}
}

func TestDoRetriesConnectivityFailures(t *testing.T) {
	g := New(time.Millisecond, isConn, nil)

	calls := 0
	observedDown := false
	err := g.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errConn
		}
		observedDown = g.IsDown()
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !observedDown {
		t.Fatal("gate should be open while the operation keeps failing")
	}
	if g.IsDown() {
		t.Fatal("gate should close on success")
	}
}

func TestDoPropagatesLogicFailures(t *testing.T) {
	g := New(time.Millisecond, isConn, nil)
	errLogic := errors.New("constraint violation")

	err := g.Do(context.Background(), "op", func(context.Context) error { return errLogic })
	if !errors.Is(err, errLogic) {
		t.Fatalf("err = %v, want the logic error back", err)
	}
	if g.IsDown() {
		t.Fatal("logic failures must not open the gate")
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	g := New(time.Millisecond, isConn, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, "op", func(context.Context) error { return errConn })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCallReturnsValue(t *testing.T) {
	g := New(time.Millisecond, isConn, nil)

	calls := 0
	got, err := Call(context.Background(), g, "op", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errConn
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got %d err %v, want 42", got, err)
	}
}
