package update

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestDepSync_PreferredSucceeds(t *testing.T) {
	spec := Spec{
		ProjectDir:       t.TempDir(),
		PreferredManager: ManagerSpec{Name: "ok", Command: "true"},
		FallbackManager:  ManagerSpec{Name: "fallback", Command: "false"},
	}
	d := newDepSyncer(spec, zap.NewNop())
	result := d.Sync(context.Background())
	if !result.Success || result.Method != "ok" {
		t.Fatalf("expected preferred manager to succeed, got %+v", result)
	}
}

func TestDepSync_FallsBackWhenPreferredFails(t *testing.T) {
	spec := Spec{
		ProjectDir:       t.TempDir(),
		PreferredManager: ManagerSpec{Name: "broken", Command: "false"},
		FallbackManager:  ManagerSpec{Name: "ok", Command: "true"},
	}
	d := newDepSyncer(spec, zap.NewNop())
	result := d.Sync(context.Background())
	if !result.Success || result.Method != "ok" {
		t.Fatalf("expected fallback manager to succeed, got %+v", result)
	}
}

func TestDepSync_BothFail(t *testing.T) {
	spec := Spec{
		ProjectDir:       t.TempDir(),
		PreferredManager: ManagerSpec{Name: "broken", Command: "false"},
		FallbackManager:  ManagerSpec{Name: "alsobroken", Command: "false"},
	}
	d := newDepSyncer(spec, zap.NewNop())
	result := d.Sync(context.Background())
	if result.Success {
		t.Fatal("expected sync to fail when both managers fail")
	}
}

func TestDepSync_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	spec := Spec{
		ProjectDir:       t.TempDir(),
		PreferredManager: ManagerSpec{Name: "broken", Command: "false"},
		FallbackManager:  ManagerSpec{Name: "ok", Command: "true"},
	}
	d := newDepSyncer(spec, zap.NewNop())

	for i := 0; i < 3; i++ {
		result := d.Sync(context.Background())
		if !result.Success {
			t.Fatalf("fallback should keep the overall sync succeeding, attempt %d: %+v", i, result)
		}
	}

	if d.preferred.State().String() != "open" {
		t.Fatalf("expected preferred breaker to be open after repeated failures, got %s", d.preferred.State().String())
	}
}
