package reconcile

import (
	"context"
	"testing"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// newPendingRegistry registers the builtin test provider, which carries
// an is_pending hook, and a plain provider without one.
func newPendingRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register(provider.Test()); err != nil {
		t.Fatalf("Register test provider: %v", err)
	}
	plain := &provider.Provider{
		State: "plain",
		Funcs: map[string]provider.Func{
			"present": func(context.Context, *provider.Context, string, map[string]any) *state.Return {
				return &state.Return{Result: state.Bool(true)}
			},
		},
	}
	if err := reg.Register(plain); err != nil {
		t.Fatalf("Register plain provider: %v", err)
	}
	return reg
}

func TestDefaultPending_WithoutProviderHook(t *testing.T) {
	reg := newPendingRegistry(t)
	budget := provider.PendingArgs{MaxPendingReruns: DefaultMaxPendingReruns}

	tests := []struct {
		name string
		res  *state.Result
		args provider.PendingArgs
		want bool
	}{
		{
			name: "clean success settles",
			res:  &state.Result{Result: state.Bool(true)},
			args: budget,
			want: false,
		},
		{
			name: "failure keeps retrying",
			res:  &state.Result{Result: state.Bool(false)},
			args: budget,
			want: true,
		},
		{
			name: "success with changes keeps converging",
			res:  &state.Result{Result: state.Bool(true), Changes: map[string]any{"new": map[string]any{"size": 1}}},
			args: budget,
			want: true,
		},
		{
			name: "success with rerun data keeps converging",
			res:  &state.Result{Result: state.Bool(true), RerunData: map[string]any{"attempt": 1}},
			args: budget,
			want: true,
		},
		{
			name: "recreation flow waits for success only",
			res: &state.Result{
				Result:         state.Bool(true),
				RecreationFlow: true,
				Changes:        map[string]any{"new": map[string]any{"size": 1}},
			},
			args: budget,
			want: false,
		},
		{
			name: "recreation flow retries failures",
			res:  &state.Result{Result: state.Bool(false), RecreationFlow: true},
			args: budget,
			want: true,
		},
		{
			name: "stagnant reruns stop",
			res:  &state.Result{Result: state.Bool(false)},
			args: provider.PendingArgs{RerunsWithoutChange: MaxRerunsWithoutChange, MaxPendingReruns: DefaultMaxPendingReruns},
			want: false,
		},
		{
			name: "exhausted budget stops",
			res:  &state.Result{Result: state.Bool(false)},
			args: provider.PendingArgs{Reruns: DefaultMaxPendingReruns, MaxPendingReruns: DefaultMaxPendingReruns},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultPending(reg, tc.res, "plain", tc.args); got != tc.want {
				t.Errorf("Expected pending=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestDefaultPending_ProviderHookDecides(t *testing.T) {
	reg := newPendingRegistry(t)
	budget := provider.PendingArgs{MaxPendingReruns: DefaultMaxPendingReruns}

	// The test provider's hook keys off rerun data, so changes alone do
	// not keep a successful result pending.
	settled := &state.Result{
		Result:  state.Bool(true),
		Changes: map[string]any{"new": map[string]any{"size": 1}},
	}
	if DefaultPending(reg, settled, "test", budget) {
		t.Error("Expected the provider hook to settle a successful result despite changes")
	}

	waiting := &state.Result{Result: state.Bool(true), RerunData: 2}
	if !DefaultPending(reg, waiting, "test", budget) {
		t.Error("Expected the provider hook to keep a result with pending runs left")
	}
}

func TestDefaultPending_ProviderHookGuards(t *testing.T) {
	reg := newPendingRegistry(t)
	failing := &state.Result{Result: state.Bool(false), RerunData: 5}

	stagnant := provider.PendingArgs{
		RerunsWithoutChange: MaxRerunsWithoutChange,
		MaxPendingReruns:    DefaultMaxPendingReruns,
	}
	if DefaultPending(reg, failing, "test", stagnant) {
		t.Error("Expected stagnant failures to stop even when the hook says pending")
	}

	exhausted := provider.PendingArgs{
		Reruns:           DefaultMaxPendingReruns,
		MaxPendingReruns: DefaultMaxPendingReruns,
	}
	if DefaultPending(reg, failing, "test", exhausted) {
		t.Error("Expected the rerun budget to stop even when the hook says pending")
	}
}
