package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Registry resolves state refs to providers. There are no ambient
// globals: every engine carries its own registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds a provider. Registering the same state ref twice is an
// error; replacing a provider mid-run would leave chunks half-resolved.
func (r *Registry) Register(p *Provider) error {
	if p == nil || p.State == "" {
		return fmt.Errorf("provider must declare a state ref")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.State]; ok {
		return fmt.Errorf("provider %q is already registered", p.State)
	}
	r.providers[p.State] = p
	return nil
}

// Provider returns the provider serving a state ref.
func (r *Registry) Provider(stateRef string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[stateRef]
	return p, ok
}

// Lookup returns the function enforcing fun on a state ref.
func (r *Registry) Lookup(stateRef, fun string) (Func, bool) {
	p, ok := r.Provider(stateRef)
	if !ok {
		return nil, false
	}
	return p.Lookup(fun)
}

// LookupRef resolves a "state.fun" path. State refs may contain dots, so
// the longest registered ref wins.
func (r *Registry) LookupRef(ref string) (Func, bool) {
	r.mu.RLock()
	refs := make([]string, 0, len(r.providers))
	for s := range r.providers {
		refs = append(refs, s)
	}
	r.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return len(refs[i]) > len(refs[j]) })

	for _, s := range refs {
		if !strings.HasPrefix(ref, s+".") {
			continue
		}
		fun := ref[len(s)+1:]
		if fn, ok := r.Lookup(s, fun); ok {
			return fn, true
		}
	}
	return nil, false
}

// Params returns the declared argument names for a state function.
func (r *Registry) Params(stateRef, fun string) []string {
	p, ok := r.Provider(stateRef)
	if !ok {
		return nil
	}
	return p.ParamsFor(fun)
}

// SkipESM reports whether a state ref's provider bypasses the enforced
// state store. Unknown refs do not skip; their requisites may still be
// served from state recorded by another engine build.
func (r *Registry) SkipESM(stateRef string) bool {
	p, ok := r.Provider(stateRef)
	return ok && p.SkipESM
}

// IsPending returns the pending override for a state ref, nil when the
// provider declares none.
func (r *Registry) IsPending(stateRef string) IsPendingFunc {
	p, ok := r.Provider(stateRef)
	if !ok {
		return nil
	}
	return p.IsPending
}

// ReconcileWait returns the wait strategy declaration for a state ref.
func (r *Registry) ReconcileWait(stateRef string) map[string]any {
	p, ok := r.Provider(stateRef)
	if !ok {
		return nil
	}
	return p.ReconcileWait
}

// Treq returns the transparent requisite declaration for a state ref.
// The compiler consumes this through its TreqSource seam.
func (r *Registry) Treq(stateRef string) *state.Treq {
	p, ok := r.Provider(stateRef)
	if !ok {
		return nil
	}
	return p.Treq
}

// States returns every registered state ref in sorted order.
func (r *Registry) States() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
