package reconcile

import (
	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// MaxRerunsWithoutChange stops reconciliation after this many consecutive
// re-runs that produced the same result and changes, so failures that
// re-running cannot fix do not retry forever.
const MaxRerunsWithoutChange = 3

// PendingFunc decides whether a result still needs reconciliation
// re-runs. stateRef is the state the tag belongs to.
type PendingFunc func(reg *provider.Registry, res *state.Result, stateRef string, args provider.PendingArgs) bool

// DefaultPending is the default pending predicate.
//
// When the state's provider implements IsPending, its answer wins, with
// two guards: a false result with MaxRerunsWithoutChange stagnant re-runs
// stops, and the re-run budget always stops. Without a provider hook a
// result is pending while it reports changes, carries rerun data, or is
// not yet true; recreation flows wait only for a true result.
func DefaultPending(reg *provider.Registry, res *state.Result, stateRef string, args provider.PendingArgs) bool {
	if hook := reg.IsPending(stateRef); hook != nil {
		// Stop a custom is_pending loop once execution errors stop
		// changing anything.
		if res.Failed() && args.RerunsWithoutChange >= MaxRerunsWithoutChange {
			return false
		}
		if args.Reruns >= args.MaxPendingReruns {
			return false
		}
		return hook(res, args)
	}

	if args.RerunsWithoutChange >= MaxRerunsWithoutChange || args.Reruns >= args.MaxPendingReruns {
		return false
	}

	if res.RecreationFlow {
		return !res.Succeeded()
	}

	if len(res.Changes) > 0 || truthy(res.RerunData) {
		return true
	}
	return !res.Succeeded()
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
