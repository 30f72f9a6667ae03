package requisite

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Built-in resolver names.
const (
	ResolverAll = "all"
	ResolverAny = "any"
)

// Resolver aggregates the error lists of every rule outcome for one
// requisite kind into the errors that block execution. An empty return
// means the requisite is satisfied.
type Resolver func(outcomes [][]string) []string

// Resolvers is a named resolver registry bound to a requisite map.
type Resolvers struct {
	mu     sync.RWMutex
	byName map[string]Resolver
	defs   map[state.ReqKind]Def
}

// NewResolvers returns a registry seeded with the all and any resolvers.
// defs decides which resolver each requisite kind uses; nil selects the
// default requisite map.
func NewResolvers(defs map[state.ReqKind]Def) *Resolvers {
	if defs == nil {
		defs = Defs()
	}
	return &Resolvers{
		byName: map[string]Resolver{
			ResolverAll: resolveAll,
			ResolverAny: resolveAny,
		},
		defs: defs,
	}
}

// Register adds or replaces a named resolver.
func (r *Resolvers) Register(name string, fn Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = fn
}

// Resolve runs the named resolver over the outcomes. An unknown name
// means the requisite map references a resolver that was never
// registered; that is a structural error, not a chunk failure.
func (r *Resolvers) Resolve(name string, outcomes [][]string) ([]string, error) {
	r.mu.RLock()
	fn, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, state.NewStructuralError(
			fmt.Sprintf("unknown requisite resolver %q", name), nil,
		).WithCode(state.ErrCodeBadResolver)
	}
	return fn(outcomes), nil
}

// ResolveKinds resolves each kind's outcomes with the kind's configured
// resolver and returns the union of blocking errors across kinds. Kinds
// missing from the requisite map resolve with all.
func (r *Resolvers) ResolveKinds(outcomes map[state.ReqKind][][]string) ([]string, error) {
	kinds := make([]state.ReqKind, 0, len(outcomes))
	for kind := range outcomes {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var errs []string
	for _, kind := range kinds {
		name := ResolverAll
		if def, ok := r.defs[kind]; ok && def.Resolver != "" {
			name = def.Resolver
		}
		got, err := r.Resolve(name, outcomes[kind])
		if err != nil {
			return nil, err
		}
		errs = append(errs, got...)
	}
	return errs, nil
}

// resolveAll passes only when no outcome carries errors. The result is
// the union of every outcome's errors, so zero outcomes pass vacuously.
func resolveAll(outcomes [][]string) []string {
	var errs []string
	for _, o := range outcomes {
		errs = append(errs, o...)
	}
	return errs
}

// resolveAny passes when at least one outcome carries no errors.
// Otherwise the union of every outcome's errors is returned.
func resolveAny(outcomes [][]string) []string {
	if len(outcomes) == 0 {
		return nil
	}
	for _, o := range outcomes {
		if len(o) == 0 {
			return nil
		}
	}
	return resolveAll(outcomes)
}
