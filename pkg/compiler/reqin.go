package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// reqInKeys are the inverted requisite forms this stage consumes.
var reqInKeys = map[string]bool{
	"require_in":   true,
	"watch_in":     true,
	"onfail_in":    true,
	"onchanges_in": true,
	"use":          true,
	"use_in":       true,
}

// reqInSkip holds keys never copied by use and use_in, on top of the
// target's own arguments.
var reqInSkip = map[string]bool{
	"require_in":   true,
	"watch_in":     true,
	"onfail_in":    true,
	"onchanges_in": true,
	"use":          true,
	"use_in":       true,
	"require":      true,
	"watch":        true,
	"onfail":       true,
	"onchanges":    true,
	"name":         true,
	"names":        true,
}

// reqIn rewrites inverted requisites into forward ones on the referenced
// declaration, then folds the generated extend blocks back into high data
// through the extend stage.
func (c *Compiler) reqIn(rs *state.RunState) error {
	high := rs.High
	ext := newExtendSet()

	for _, id := range high.OrderedIDs() {
		body := high.Declarations[id]
		for _, stateRef := range sortedKeys(body) {
			for _, arg := range body[stateRef] {
				m, ok := arg.(map[string]any)
				if !ok || len(m) == 0 {
					continue
				}
				key := firstKey(m)
				if !reqInKeys[key] {
					continue
				}
				rkey := strings.SplitN(key, "_", 2)[0]
				switch items := m[key].(type) {
				case map[string]any:
					for _, refState := range sortedAnyKeys(items) {
						refName, _ := items[refState].(string)
						cleanState := refState
						if dot := strings.Index(refState, "."); dot >= 0 {
							rs.AddError(fmt.Sprintf(
								"Invalid requisite in %s: %s for %s, in SLS %q. "+
									"Requisites must not contain dots, did you mean %q?",
								rkey, refState, refName, slsOf(rs, id), refState[:dot]))
							cleanState = refState[:dot]
						}
						ext.addRequisite(refName, cleanState, slsOf(rs, id), rkey, stateRef, id)
					}
				case []any:
					for _, item := range items {
						c.reqInItem(rs, ext, item, key, rkey, id, stateRef)
					}
				}
			}
		}
	}

	// Drop the consumed keys so recompiles do not invert them again.
	for _, id := range high.OrderedIDs() {
		body := high.Declarations[id]
		for _, stateRef := range sortedKeys(body) {
			body[stateRef] = slices.DeleteFunc(body[stateRef], func(arg any) bool {
				m, ok := arg.(map[string]any)
				return ok && len(m) > 0 && reqInKeys[firstKey(m)]
			})
		}
	}

	high.Extend = append(high.Extend, ext.entries()...)
	return c.extend(rs)
}

// reqInItem processes one entry of a list-form inverted requisite.
func (c *Compiler) reqInItem(rs *state.RunState, ext *extendSet, item any, key, rkey, id, stateRef string) {
	high := rs.High

	ref, ok := item.(map[string]any)
	if !ok {
		// A bare string names a declaration ID or a resource name.
		name, isStr := item.(string)
		if !isStr {
			return
		}
		if body, exists := high.Declarations[name]; exists {
			ref = map[string]any{firstStateRef(body): name}
		} else {
			found := false
			for _, nid := range high.OrderedIDs() {
				nb := high.Declarations[nid]
				for _, ns := range sortedKeys(nb) {
					for _, narg := range nb[ns] {
						nm, ok := narg.(map[string]any)
						if !ok {
							continue
						}
						if v, ok := nm["name"].(string); ok && v == name {
							ref = map[string]any{ns: nid}
							found = true
						}
					}
				}
			}
			if !found {
				return
			}
		}
	}
	if len(ref) == 0 {
		return
	}

	pstate := firstKey(ref)
	pname, _ := ref[pstate].(string)

	var hinges []idMatch
	if pstate == "sls" {
		for _, nid := range high.OrderedIDs() {
			if rs.Meta[nid].File == pname {
				hinges = append(hinges, idMatch{id: nid, stateRef: firstStateRef(high.Declarations[nid])})
			}
		}
	} else {
		hinges = []idMatch{{id: pname, stateRef: pstate}}
	}

	for _, hinge := range hinges {
		switch key {
		case "use_in":
			// Push this declaration's args onto the referenced states.
			for _, match := range findName(rs, hinge.id, hinge.stateRef) {
				copyUseArgs(high, ext, id, stateRef, match.id, match.stateRef)
			}
		case "use":
			// Pull the referenced state's args into this declaration.
			for _, match := range findName(rs, hinge.id, hinge.stateRef) {
				copyUseArgs(high, ext, match.id, match.stateRef, id, stateRef)
			}
		default:
			ext.addRequisite(hinge.id, hinge.stateRef, slsOf(rs, id), rkey, stateRef, id)
		}
	}
}

// copyUseArgs stages the source state's plain arguments onto the target,
// skipping requisite keys, name and names, and anything the target already
// sets.
func copyUseArgs(high *state.High, ext *extendSet, srcID, srcState, dstID, dstState string) {
	srcBody, ok := high.Declarations[srcID]
	if !ok {
		return
	}
	existing := map[string]bool{}
	if dstBody, ok := high.Declarations[dstID]; ok {
		for _, arg := range dstBody[dstState] {
			if m, ok := arg.(map[string]any); ok && len(m) == 1 {
				existing[firstKey(m)] = true
			}
		}
	}
	for _, arg := range srcBody[srcState] {
		m, ok := arg.(map[string]any)
		if !ok || len(m) != 1 {
			continue
		}
		key := firstKey(m)
		if reqInSkip[key] || existing[key] {
			continue
		}
		ext.addArg(dstID, dstState, m)
	}
}

// extendSet accumulates generated extend bodies in first-touch order.
type extendSet struct {
	order  []string
	bodies map[string]*state.ExtendEntry
}

func newExtendSet() *extendSet {
	return &extendSet{bodies: make(map[string]*state.ExtendEntry)}
}

func (e *extendSet) body(id, sls string) *state.ExtendEntry {
	entry, ok := e.bodies[id]
	if !ok {
		entry = &state.ExtendEntry{ID: id, SLS: sls, Body: state.Declaration{}}
		e.bodies[id] = entry
		e.order = append(e.order, id)
	}
	return entry
}

// addRequisite appends {srcState: srcID} under rkey for the target,
// extending an existing rkey entry in place when present.
func (e *extendSet) addRequisite(targetID, targetState, sls, rkey, srcState, srcID string) {
	entry := e.body(targetID, sls)
	run := entry.Body[targetState]
	for _, arg := range run {
		if m, ok := arg.(map[string]any); ok && firstKey(m) == rkey {
			refs, _ := m[rkey].([]any)
			m[rkey] = append(refs, map[string]any{srcState: srcID})
			return
		}
	}
	entry.Body[targetState] = append(run, map[string]any{
		rkey: []any{map[string]any{srcState: srcID}},
	})
}

// addArg appends a plain argument entry for the target.
func (e *extendSet) addArg(targetID, targetState string, arg map[string]any) {
	entry := e.body(targetID, "")
	entry.Body[targetState] = append(entry.Body[targetState], arg)
}

func (e *extendSet) entries() []state.ExtendEntry {
	out := make([]state.ExtendEntry, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.bodies[id])
	}
	return out
}
