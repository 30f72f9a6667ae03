package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func mustParseWait(t *testing.T, decl map[string]any) Strategy {
	t.Helper()
	strategy, err := ParseWait(decl)
	if err != nil {
		t.Fatalf("ParseWait(%v) returned error: %v", decl, err)
	}
	return strategy
}

func TestParseWait_EmptyUsesDefault(t *testing.T) {
	strategy := mustParseWait(t, nil)
	if got := strategy.Get(0); got != DefaultWait {
		t.Fatalf("Expected default wait %v, got %v", DefaultWait, got)
	}
	if got := strategy.Get(50); got != DefaultWait {
		t.Fatalf("Expected default wait to ignore run count, got %v", got)
	}
}

func TestParseWait_Static(t *testing.T) {
	strategy := mustParseWait(t, map[string]any{
		"static": map[string]any{"wait_in_seconds": 5},
	})
	for _, runCount := range []int{0, 1, 10} {
		if got := strategy.Get(runCount); got != 5*time.Second {
			t.Errorf("Run %d: expected 5s, got %v", runCount, got)
		}
	}
}

func TestParseWait_StaticZeroIsValid(t *testing.T) {
	strategy := mustParseWait(t, map[string]any{
		"static": map[string]any{"wait_in_seconds": 0},
	})
	if got := strategy.Get(0); got != 0 {
		t.Fatalf("Expected zero wait, got %v", got)
	}
}

func TestParseWait_RandomStaysInRange(t *testing.T) {
	strategy := mustParseWait(t, map[string]any{
		"random": map[string]any{"min_value": 1, "max_value": 3},
	})
	for i := 0; i < 100; i++ {
		got := strategy.Get(i)
		if got < time.Second || got > 3*time.Second {
			t.Fatalf("Draw %d out of [1s, 3s]: %v", i, got)
		}
	}
}

func TestParseWait_RandomDegenerateRange(t *testing.T) {
	strategy := mustParseWait(t, map[string]any{
		"random": map[string]any{"min_value": 2, "max_value": 2},
	})
	if got := strategy.Get(0); got != 2*time.Second {
		t.Fatalf("Expected 2s from a collapsed range, got %v", got)
	}
}

func TestParseWait_ExponentialGrowth(t *testing.T) {
	strategy := mustParseWait(t, map[string]any{
		"exponential": map[string]any{"wait_in_seconds": 2, "multiplier": 10},
	})
	want := []time.Duration{2 * time.Second, 20 * time.Second, 200 * time.Second}
	for runCount, expect := range want {
		if got := strategy.Get(runCount); got != expect {
			t.Errorf("Run %d: expected %v, got %v", runCount, expect, got)
		}
	}
}

func TestParseWait_InvalidDeclarations(t *testing.T) {
	tests := []struct {
		name string
		decl map[string]any
	}{
		{
			name: "unknown algorithm",
			decl: map[string]any{"fibonacci": map[string]any{"wait_in_seconds": 1}},
		},
		{
			name: "two algorithms",
			decl: map[string]any{
				"static": map[string]any{"wait_in_seconds": 1},
				"random": map[string]any{"min_value": 1, "max_value": 2},
			},
		},
		{
			name: "parameters not a map",
			decl: map[string]any{"static": 5},
		},
		{
			name: "static missing wait",
			decl: map[string]any{"static": map[string]any{}},
		},
		{
			name: "static negative wait",
			decl: map[string]any{"static": map[string]any{"wait_in_seconds": -1}},
		},
		{
			name: "random inverted range",
			decl: map[string]any{"random": map[string]any{"min_value": 5, "max_value": 1}},
		},
		{
			name: "exponential missing multiplier",
			decl: map[string]any{"exponential": map[string]any{"wait_in_seconds": 2}},
		},
		{
			name: "exponential zero multiplier",
			decl: map[string]any{"exponential": map[string]any{"wait_in_seconds": 2, "multiplier": 0}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseWait(tc.decl)
			if err == nil {
				t.Fatalf("Expected an error for %v", tc.decl)
			}
			if !state.IsStructural(err) {
				t.Errorf("Expected a structural error, got %v", err)
			}
			var re *state.RunError
			if !errors.As(err, &re) || re.Code != state.ErrCodeBadWait {
				t.Errorf("Expected code %s, got %v", state.ErrCodeBadWait, err)
			}
		})
	}
}
