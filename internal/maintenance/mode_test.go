package maintenance_test

import (
	"testing"

	"github.com/octoreflex/watchdog/internal/maintenance"
)

func TestModeMachine_HappyPath(t *testing.T) {
	m := maintenance.NewModeMachine()
	if m.Current() != maintenance.ModeNormal {
		t.Fatalf("expected NORMAL start, got %s", m.Current())
	}

	if _, ok := m.Enter(false); !ok {
		t.Fatal("expected Enter to succeed from NORMAL")
	}
	if m.Current() != maintenance.ModeEntering {
		t.Fatalf("expected ENTERING, got %s", m.Current())
	}

	if _, ok := m.Activate(); !ok {
		t.Fatal("expected Activate to succeed from ENTERING")
	}
	if m.Current() != maintenance.ModeMaintenance {
		t.Fatalf("expected MAINTENANCE, got %s", m.Current())
	}

	if _, ok := m.BeginExit(); !ok {
		t.Fatal("expected BeginExit to succeed from MAINTENANCE")
	}
	if _, ok := m.Complete(); !ok {
		t.Fatal("expected Complete to succeed from EXITING")
	}
	if m.Current() != maintenance.ModeNormal {
		t.Fatalf("expected round trip back to NORMAL, got %s", m.Current())
	}
}

func TestModeMachine_EmergencyPath(t *testing.T) {
	m := maintenance.NewModeMachine()
	if _, ok := m.Enter(true); !ok {
		t.Fatal("expected emergency Enter to succeed")
	}
	if m.Current() != maintenance.ModeEmergency {
		t.Fatalf("expected EMERGENCY, got %s", m.Current())
	}
	if _, ok := m.Activate(); !ok {
		t.Fatal("expected Activate to succeed from EMERGENCY")
	}
	if m.Current() != maintenance.ModeMaintenance {
		t.Fatalf("expected MAINTENANCE, got %s", m.Current())
	}
}

func TestModeMachine_RejectsInvalidTransitions(t *testing.T) {
	m := maintenance.NewModeMachine()
	if _, ok := m.Activate(); ok {
		t.Fatal("Activate should fail from NORMAL")
	}
	if _, ok := m.BeginExit(); ok {
		t.Fatal("BeginExit should fail from NORMAL")
	}
	if _, ok := m.Complete(); ok {
		t.Fatal("Complete should fail from NORMAL")
	}

	m.Enter(false)
	if _, ok := m.Enter(false); ok {
		t.Fatal("Enter should fail when already ENTERING")
	}
}

func TestModeMachine_AbortResetsFromAnyNonNormalMode(t *testing.T) {
	for _, setup := range []func(*maintenance.ModeMachine){
		func(m *maintenance.ModeMachine) { m.Enter(false) },
		func(m *maintenance.ModeMachine) { m.Enter(false); m.Activate() },
		func(m *maintenance.ModeMachine) { m.Enter(false); m.Activate(); m.BeginExit() },
		func(m *maintenance.ModeMachine) { m.Enter(true) },
	} {
		m := maintenance.NewModeMachine()
		setup(m)
		if _, ok := m.Abort(); !ok {
			t.Fatalf("expected Abort to succeed from %s", m.Current())
		}
		if m.Current() != maintenance.ModeNormal {
			t.Fatalf("expected Abort to reset to NORMAL, got %s", m.Current())
		}
	}
}

func TestModeMachine_TimeInMode(t *testing.T) {
	m := maintenance.NewModeMachine()
	if m.TimeInMode() < 0 {
		t.Fatal("expected non-negative time in mode")
	}
}
