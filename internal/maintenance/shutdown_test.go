package maintenance_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/watchdog/internal/maintenance"
)

// TestShutdown_DrainBound implements testable property #9 scaled down
// by 100x for test speed: max_wait 300ms with 10 permanently stuck
// in-flight requests must return within [300ms, 300ms + 4*pollInterval].
func TestShutdown_DrainBound(t *testing.T) {
	maxWait := 300 * time.Millisecond
	poll := 20 * time.Millisecond
	s := maintenance.NewShutdownController(maxWait, zap.NewNop(), maintenance.WithPollInterval(poll))

	for i := 0; i < 10; i++ {
		s.BeginRequest(fmt.Sprintf("req-%d", i))
	}

	var stopped int32
	s.RegisterComponent("core", func(context.Context) error {
		atomic.AddInt32(&stopped, 1)
		return nil
	})

	start := time.Now()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < maxWait {
		t.Fatalf("shutdown returned too early: %v (max_wait %v)", elapsed, maxWait)
	}
	if elapsed > maxWait+4*poll {
		t.Fatalf("shutdown exceeded its bound: %v (max_wait %v)", elapsed, maxWait)
	}
	if atomic.LoadInt32(&stopped) != 1 {
		t.Fatal("expected component to be stopped after the forced drain timeout")
	}
}

func TestShutdown_ReturnsImmediatelyWhenDrained(t *testing.T) {
	s := maintenance.NewShutdownController(5*time.Second, zap.NewNop(), maintenance.WithPollInterval(10*time.Millisecond))
	s.BeginRequest("req-1")
	s.EndRequest("req-1")

	start := time.Now()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected immediate return once in-flight work has drained")
	}
}

func TestShutdown_StopsComponentsInReverseRegistrationOrder(t *testing.T) {
	s := maintenance.NewShutdownController(time.Second, zap.NewNop(), maintenance.WithPollInterval(10*time.Millisecond))
	var order []string
	s.RegisterComponent("db", func(context.Context) error { order = append(order, "db"); return nil })
	s.RegisterComponent("server", func(context.Context) error { order = append(order, "server"); return nil })

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "server" || order[1] != "db" {
		t.Fatalf("expected reverse-registration stop order [server db], got %v", order)
	}
}

func TestShutdown_ContinuesPastComponentFailure(t *testing.T) {
	s := maintenance.NewShutdownController(time.Second, zap.NewNop(), maintenance.WithPollInterval(10*time.Millisecond))
	var secondRan bool
	s.RegisterComponent("first", func(context.Context) error { return fmt.Errorf("boom") })
	s.RegisterComponent("second", func(context.Context) error { secondRan = true; return nil })

	err := s.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected the first encountered component error to be returned")
	}
	if !secondRan {
		t.Fatal("expected shutdown to continue past a failing component")
	}
}

func TestListenForSignals_StaysOpenWithoutSignal(t *testing.T) {
	// Exercises the channel-wiring path without sending a real OS
	// signal: ListenForSignals returns a channel that closes once a
	// value arrives on the underlying signal.Notify channel, which
	// here we never trigger, so we only assert it stays open.
	done := maintenance.ListenForSignals()
	select {
	case <-done:
		t.Fatal("expected the signal channel to remain open with no signal delivered")
	case <-time.After(20 * time.Millisecond):
	}
}
