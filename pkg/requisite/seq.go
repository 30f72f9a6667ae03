package requisite

import (
	"fmt"
	"path"
	"sort"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Reqret carries one satisfied requisite reference: the dependency's
// chunk, its recorded result, and the bind pairs when the reference came
// from arg_bind.
type Reqret struct {
	Kind  state.ReqKind
	State string
	Name  string
	Tag   string
	Ret   *state.Result
	Chunk *state.Chunk
	Binds []state.Bind
}

// Entry is one sequence slot: a chunk that has not run yet, the satisfied
// references its rules are checked against, the tags it still waits on,
// and any reference errors found while sequencing.
type Entry struct {
	Chunk   *state.Chunk
	Tag     string
	Reqrets map[state.ReqKind][]Reqret
	Unmet   map[string]bool
	Errors  []string
}

// Blocked reports whether the entry still waits on unmet dependencies.
func (e *Entry) Blocked() bool {
	return len(e.Unmet) > 0
}

// Options adjusts sequencing behavior.
type Options struct {
	// SkipESM reports whether a state ref's provider bypasses the
	// enforced state store. References to such providers must resolve
	// within the current run.
	SkipESM func(stateRef string) bool
}

// Seq builds the execution sequence for one pass. Every chunk whose tag
// is not yet in running becomes an entry keyed by its low index, with
// requisite references expanded against the run and, for require and
// arg_bind, against the enforced state.
func Seq(low []*state.Chunk, running map[string]*state.Result, managed map[string]map[string]any, opts Options) map[int]*Entry {
	seq := straight(low, running, opts)
	esmFallback(seq, low, managed, opts)
	uniqueEdges(seq)
	return seq
}

// straight expands edge-forming requisite references against the current
// low data. A referenced chunk already in running yields a reqret, one
// not yet run an unmet edge. References matching nothing are errors
// unless require or arg_bind can still satisfy them from the enforced
// state.
func straight(low []*state.Chunk, running map[string]*state.Result, opts Options) map[int]*Entry {
	seq := make(map[int]*Entry)
	for ind, chunk := range low {
		tag := state.MakeTag(chunk)
		if _, ok := running[tag]; ok {
			continue
		}
		e := &Entry{
			Chunk:   chunk,
			Tag:     tag,
			Reqrets: make(map[state.ReqKind][]Reqret),
			Unmet:   make(map[string]bool),
		}
		seq[ind] = e
		for _, kind := range EdgeKinds() {
			for _, ref := range chunk.Requires[kind] {
				matches := state.FindChunks(low, ref.State, ref.Name)
				if len(matches) == 0 {
					if opts.SkipESM != nil && opts.SkipESM(ref.State) {
						e.Errors = append(e.Errors, fmt.Sprintf(
							"Requisite '%s %s:%s' not found in current run. Verify the syntax.",
							kind, ref.State, ref.Name))
					}
					if kind != state.ReqArgBind && kind != state.ReqRequire {
						e.Errors = append(e.Errors, fmt.Sprintf(
							"Invalid requisite '%s %s:%s'. Expected 'arg_bind' or 'require'.",
							kind, ref.State, ref.Name))
					}
				}
				for _, rc := range matches {
					rTag := state.MakeTag(rc)
					if ret, ok := running[rTag]; ok {
						e.Reqrets[kind] = append(e.Reqrets[kind], Reqret{
							Kind:  kind,
							State: ref.State,
							Name:  ref.Name,
							Tag:   rTag,
							Ret:   ret,
							Chunk: rc,
							Binds: ref.Binds,
						})
					} else {
						e.Unmet[rTag] = true
					}
				}
			}
		}
	}
	return seq
}

// esmFallback satisfies require and arg_bind references naming no chunk
// in the current run from the enforced state: a resource applied by an
// earlier run stands in for its chunk with a synthetic passing result.
// The store is only read; nothing lands in running.
func esmFallback(seq map[int]*Entry, low []*state.Chunk, managed map[string]map[string]any, opts Options) {
	for _, ind := range sortedIndexes(seq) {
		e := seq[ind]
		for _, kind := range []state.ReqKind{state.ReqArgBind, state.ReqRequire} {
			for _, ref := range e.Chunk.Requires[kind] {
				if opts.SkipESM != nil && opts.SkipESM(ref.State) {
					continue
				}
				if len(state.FindChunks(low, ref.State, ref.Name)) > 0 {
					continue
				}
				matches := managedRefs(managed, ref.State, ref.Name)
				if len(matches) == 0 {
					e.Errors = append(e.Errors, fmt.Sprintf(
						"Requisite %s %s:%s not found in ESM.", kind, ref.State, ref.Name))
					continue
				}
				for _, m := range matches {
					rTag := state.MakeTag(m.chunk)
					e.Reqrets[kind] = append(e.Reqrets[kind], Reqret{
						Kind:  kind,
						State: ref.State,
						Name:  ref.Name,
						Tag:   rTag,
						Ret: &state.Result{
							Tag:      rTag,
							Name:     m.chunk.Name,
							ID:       m.chunk.ID,
							ESMTag:   state.ESMTag(m.chunk),
							Result:   state.Bool(true),
							NewState: m.data,
						},
						Chunk: m.chunk,
						Binds: ref.Binds,
					})
				}
			}
		}
	}
}

// managedRef is one enforced-state entry matched by a requisite
// reference, with a chunk reconstructed from its ESM tag.
type managedRef struct {
	chunk *state.Chunk
	data  map[string]any
}

func managedRefs(managed map[string]map[string]any, stateRef, pattern string) []managedRef {
	keys := make([]string, 0, len(managed))
	for key := range managed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []managedRef
	for _, key := range keys {
		entryState, id, name, _ := state.SplitTag(key)
		if entryState != stateRef {
			continue
		}
		if !globMatch(name, pattern) && !globMatch(id, pattern) {
			continue
		}
		out = append(out, managedRef{
			chunk: &state.Chunk{State: entryState, ID: id, Name: name},
			data:  managed[key],
		})
	}
	return out
}

// uniqueEdges serializes chunks marked unique: per state function group,
// the entry fittest to run next is picked and every other member gains it
// as an unmet edge. This pass runs last so the ordering edges it adds
// cannot mask real requisite errors.
func uniqueEdges(seq map[int]*Entry) {
	groups := make(map[string][]string)
	var order []string
	for _, ind := range sortedIndexes(seq) {
		e := seq[ind]
		if e.Chunk.Unique == "" {
			continue
		}
		funRef := e.Chunk.State + "." + e.Chunk.Fun
		if _, ok := groups[funRef]; !ok {
			order = append(order, funRef)
		}
		groups[funRef] = append(groups[funRef], e.Tag)
	}
	if len(groups) == 0 {
		return
	}

	byTag := make(map[string]*Entry, len(seq))
	for _, e := range seq {
		byTag[e.Tag] = e
	}
	for _, funRef := range order {
		tags := groups[funRef]
		if len(tags) <= 1 {
			continue
		}
		next := nextUniqueTag(tags, byTag)
		for _, tag := range tags {
			if tag == next {
				continue
			}
			byTag[tag].Unmet[next] = true
		}
	}
}

// nextUniqueTag picks the group member to run next: prefer entries with
// no unmet edges or none inside the group, then the shallowest dependency
// chain, ties broken by group order.
func nextUniqueTag(tags []string, byTag map[string]*Entry) string {
	candidates := independentTags(tags, byTag)
	if len(candidates) == 1 {
		return candidates[0]
	}
	if len(candidates) == 0 {
		candidates = tags
	}

	depths := make(map[string]int, len(candidates))
	for _, tag := range candidates {
		depths[tag] = dependencyDepth(tag, byTag, 0, make(map[string]bool))
	}
	next := append([]string(nil), candidates...)
	sort.SliceStable(next, func(i, j int) bool { return depths[next[i]] < depths[next[j]] })
	return next[0]
}

// independentTags returns the group members with no unmet edges at all or
// none pointing at another member of the group.
func independentTags(tags []string, byTag map[string]*Entry) []string {
	if len(tags) == 1 {
		return tags
	}
	var out []string
	for _, tag := range tags {
		unmet := byTag[tag].Unmet
		if len(unmet) == 0 {
			out = append(out, tag)
			continue
		}
		inGroup := false
		for _, other := range tags {
			if unmet[other] {
				inGroup = true
				break
			}
		}
		if !inGroup {
			out = append(out, tag)
		}
	}
	return out
}

// dependencyDepth is the longest unmet chain below tag. A cycle
// terminates at the revisited tag; the stalled sequence is reported by
// the runtime, not here.
func dependencyDepth(tag string, byTag map[string]*Entry, depth int, onPath map[string]bool) int {
	e, ok := byTag[tag]
	if !ok || len(e.Unmet) == 0 || onPath[tag] {
		return depth
	}
	onPath[tag] = true
	deepest := depth
	for _, dep := range sortedSet(e.Unmet) {
		if d := dependencyDepth(dep, byTag, depth+1, onPath); d > deepest {
			deepest = d
		}
	}
	delete(onPath, tag)
	return deepest
}

func sortedIndexes(seq map[int]*Entry) []int {
	out := make([]int, 0, len(seq))
	for ind := range seq {
		out = append(out, ind)
	}
	sort.Ints(out)
	return out
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func globMatch(s, pattern string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
