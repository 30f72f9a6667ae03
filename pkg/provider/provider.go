// Package provider defines the state-function contract and the registry
// the engine resolves chunks against. A provider owns one state ref and
// maps function names to implementations; hosts for WASM bundles and
// Starlark scripts adapt foreign code to the same contract.
package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Context carries the per-invocation engine context into a state
// function. OldState is the enforced state recorded for the resource by a
// previous run, nil on first creation.
type Context struct {
	// Run is the run name.
	Run string

	// Tag is the chunk tag being executed.
	Tag string

	// Test requests a dry run: report what would change, change nothing.
	Test bool

	// InvertState marks a teardown run.
	InvertState bool

	// OldState is the resource state from the enforced state store.
	OldState map[string]any

	// RerunData is the opaque value the previous reconciliation re-run
	// returned for this resource.
	RerunData any

	// Log is scoped to the run and chunk.
	Log zerolog.Logger
}

// Func is one state function. It returns what happened; a nil return is
// treated as a failure by the engine. Implementations must honor
// ctx cancellation on blocking work.
type Func func(ctx context.Context, pctx *Context, name string, args map[string]any) *state.Return

// PendingArgs carries reconciliation counters into IsPending hooks.
type PendingArgs struct {
	// RerunsWithoutChange counts consecutive re-runs that produced the
	// same result and changes.
	RerunsWithoutChange int

	// Reruns counts all reconciliation re-runs so far.
	Reruns int

	// MaxPendingReruns is the configured re-run budget.
	MaxPendingReruns int
}

// IsPendingFunc decides whether a resource still needs reconciliation
// re-runs given its last recorded result.
type IsPendingFunc func(ret *state.Result, args PendingArgs) bool

// Provider owns one state ref.
type Provider struct {
	// State is the state ref the provider serves, e.g. "test" or
	// "remote.file".
	State string

	// Funcs maps function names to implementations.
	Funcs map[string]Func

	// Params declares the argument names each function accepts. The
	// engine uses them to backfill required arguments from the enforced
	// state and to scope recreate comparisons to declared parameters.
	Params map[string][]string

	// SkipESM marks providers that manage their own state: the engine
	// neither persists their results nor serves their requisites from
	// the enforced state store.
	SkipESM bool

	// IsPending overrides the default reconciliation pending check.
	IsPending IsPendingFunc

	// ReconcileWait declares the wait strategy between reconciliation
	// re-runs, e.g. {"exponential": {"wait_in_seconds": 2, "multiplier": 10}}.
	ReconcileWait map[string]any

	// Treq declares transparent requisites applied to every chunk of
	// this state ref at compile time.
	Treq *state.Treq
}

// Lookup returns the named function.
func (p *Provider) Lookup(fun string) (Func, bool) {
	fn, ok := p.Funcs[fun]
	return fn, ok
}

// ParamsFor returns the declared argument names for fun, nil when the
// provider declares none.
func (p *Provider) ParamsFor(fun string) []string {
	if p.Params == nil {
		return nil
	}
	return p.Params[fun]
}
