package compiler

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// lowEntry pairs a chunk with its declared order value until the ordering
// pass assigns the final float.
type lowEntry struct {
	chunk     *state.Chunk
	order     any
	nameOrder int
}

// compileLow flattens high data into the executable chunk list. Every
// (id, state, name, fun) combination becomes one chunk; requisite keywords
// are parsed into typed edges and runtime keywords into chunk fields.
func (c *Compiler) compileLow(rs *state.RunState) error {
	var entries []*lowEntry
	for _, id := range rs.High.OrderedIDs() {
		body := rs.High.Declarations[id]
		for _, stateRef := range sortedKeys(body) {
			tmpl := &lowEntry{chunk: &state.Chunk{
				State: stateRef,
				Name:  id,
				ID:    id,
				SLS:   slsOf(rs, id),
			}}
			var funcs []string
			var names []any
			for _, arg := range body[stateRef] {
				switch a := arg.(type) {
				case string:
					if !slices.Contains(funcs, a) {
						funcs = append(funcs, a)
					}
				case map[string]any:
					for _, key := range sortedAnyKeys(a) {
						if key == "names" {
							list, _ := a[key].([]any)
							for _, n := range list {
								if !slices.ContainsFunc(names, func(e any) bool {
									return nameKeyOf(e) == nameKeyOf(n)
								}) {
									names = append(names, n)
								}
							}
							continue
						}
						applyChunkArg(tmpl, key, a[key], id)
					}
				}
			}
			if len(names) > 0 {
				for i, entry := range names {
					live := cloneEntry(tmpl)
					live.nameOrder = i + 1
					switch n := entry.(type) {
					case string:
						live.chunk.Name = n
					case map[string]any:
						lowName := firstKey(n)
						live.chunk.Name = lowName
						if args, ok := n[lowName].([]any); ok {
							for _, ad := range args {
								if m, ok := ad.(map[string]any); ok {
									for _, k := range sortedAnyKeys(m) {
										applyChunkArg(live, k, m[k], id)
									}
								}
							}
						}
					}
					entries = appendPerFun(entries, live, funcs)
				}
			} else {
				entries = appendPerFun(entries, tmpl, funcs)
			}
		}
	}
	for _, add := range rs.AddLow {
		e := &lowEntry{chunk: add}
		if add.Order != 0 {
			e.order = add.Order
		}
		entries = append(entries, e)
	}
	rs.Low = orderChunks(entries)
	return nil
}

func appendPerFun(entries []*lowEntry, e *lowEntry, funcs []string) []*lowEntry {
	for _, fun := range funcs {
		live := cloneEntry(e)
		live.chunk.Fun = fun
		entries = append(entries, live)
	}
	return entries
}

func cloneEntry(e *lowEntry) *lowEntry {
	return &lowEntry{chunk: e.chunk.Copy(), order: e.order, nameOrder: e.nameOrder}
}

// nameKeyOf returns the name string an entry of a names list declares.
func nameKeyOf(entry any) string {
	switch n := entry.(type) {
	case string:
		return n
	case map[string]any:
		return firstKey(n)
	}
	return fmt.Sprint(entry)
}

// applyChunkArg routes one declaration key into the chunk being built.
func applyChunkArg(e *lowEntry, key string, val any, id string) {
	switch key {
	case "state":
		// A state override never passes down.
		return
	case "name":
		if s, ok := val.(string); ok {
			e.chunk.Name = s
		} else {
			e.chunk.Name = id
		}
		return
	case "name_prefix":
		if e.chunk.Name == id {
			if s, ok := val.(string); ok {
				e.chunk.Name = fmt.Sprintf("%s%.6f", s, float64(time.Now().UnixMicro())/1e6)
			}
		}
	case "order":
		e.order = val
		return
	case "rerun_data":
		e.chunk.RerunData = val
		return
	case "ignore_changes":
		e.chunk.IgnoreChanges = toStringSlice(val)
		return
	case "sensitive":
		e.chunk.Sensitive = toStringSlice(val)
		return
	case "recreate_on_update":
		e.chunk.RecreateOnUpdate = val
		return
	case "parallel":
		b, _ := val.(bool)
		e.chunk.Parallel = b
		return
	case "unique":
		if s, ok := val.(string); ok {
			e.chunk.Unique = s
		}
		return
	}
	if kind, ok := state.RequisiteKeyword(key); ok {
		for _, ref := range parseRefs(val) {
			addRefOnce(e.chunk, kind, ref)
		}
		return
	}
	if state.RequisiteInKeyword(key) {
		// Consumed by the inversion stage.
		return
	}
	if e.chunk.Args == nil {
		e.chunk.Args = make(map[string]any)
	}
	e.chunk.Args[key] = val
}

// parseRefs reads a requisite value into typed refs. Both declaration
// forms are accepted: {state: name} and {state: [{name: [{src: tgt}]}]}.
func parseRefs(val any) []state.Ref {
	list, ok := val.([]any)
	if !ok {
		return nil
	}
	var refs []state.Ref
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, refState := range sortedAnyKeys(m) {
			switch v := m[refState].(type) {
			case string:
				refs = append(refs, state.Ref{State: refState, Name: v})
			case []any:
				for _, nd := range v {
					nm, ok := nd.(map[string]any)
					if !ok {
						continue
					}
					for _, name := range sortedAnyKeys(nm) {
						ref := state.Ref{State: refState, Name: name}
						if binds, ok := nm[name].([]any); ok {
							for _, bd := range binds {
								bm, ok := bd.(map[string]any)
								if !ok {
									continue
								}
								for _, src := range sortedAnyKeys(bm) {
									if tgt, ok := bm[src].(string); ok {
										ref.Binds = append(ref.Binds, state.Bind{Source: src, Target: tgt})
									}
								}
							}
						}
						refs = append(refs, ref)
					}
				}
			}
		}
	}
	return refs
}

// addRefOnce appends a requisite edge unless an identical one exists.
// Recompiles replay the inversion stages, so duplicates are expected.
func addRefOnce(c *state.Chunk, kind state.ReqKind, ref state.Ref) {
	for _, have := range c.Requires[kind] {
		if have.State == ref.State && have.Name == ref.Name && slices.Equal(have.Binds, ref.Binds) {
			return
		}
	}
	c.AddRequire(kind, ref)
}

func toStringSlice(val any) []string {
	switch v := val.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	}
	return nil
}

// orderChunks assigns final execution order and sorts the chunk list.
// Explicit integer orders raise the cap for everything undeclared; "last"
// lands past one million, "first" at zero, and negative orders count back
// from the million mark. Fractions break ties between names of one ID.
func orderChunks(entries []*lowEntry) []*state.Chunk {
	ceiling := 1
	for _, e := range entries {
		if o, ok := toOrderInt(e.order); ok {
			if o > ceiling-1 && o > 0 {
				ceiling = o + 100
			}
		}
	}
	for _, e := range entries {
		if e.order == nil {
			e.chunk.Order = float64(ceiling)
			ceiling++
			continue
		}
		var order float64
		if f, ok := toOrderFloat(e.order); ok {
			order = f
		} else {
			switch e.order {
			case "last":
				order = float64(ceiling + 1000000)
			case "first":
				order = 0
			default:
				order = float64(ceiling)
				ceiling++
			}
		}
		if e.nameOrder > 0 {
			order += float64(e.nameOrder) / 10000.0
		}
		if order < 0 {
			order = float64(ceiling+1000000) + order
		}
		e.chunk.Order = order
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].chunk.Order != entries[j].chunk.Order {
			return entries[i].chunk.Order < entries[j].chunk.Order
		}
		return chunkSortKey(entries[i].chunk) < chunkSortKey(entries[j].chunk)
	})
	out := make([]*state.Chunk, len(entries))
	for i, e := range entries {
		out[i] = e.chunk
	}
	return out
}

func chunkSortKey(c *state.Chunk) string {
	return c.State + c.Name + c.Fun
}

// toOrderInt reads integer order declarations, including integral floats
// left behind by a previous ordering pass.
func toOrderInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

func toOrderFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
