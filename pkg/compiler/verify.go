package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// requisite kinds whose declaration shape verify checks strictly.
var verifiedReqKinds = map[string]bool{
	"require":   true,
	"watch":     true,
	"prereq":    true,
	"onchanges": true,
	"onfail":    true,
	"arg_bind":  true,
}

// verify checks that the high data is structurally viable: every state
// entry names exactly one function, requisite declarations are lists of
// single-key maps, and no two declarations require each other directly.
func (c *Compiler) verify(rs *state.RunState) error {
	type reqEntry struct {
		stateRef string
		refs     map[string]string
	}
	reqs := make(map[string]*reqEntry)

	for _, id := range rs.High.OrderedIDs() {
		body := rs.High.Declarations[id]
		sls := slsOf(rs, id)
		if id == "" {
			rs.AddError(fmt.Sprintf("Empty ID declared in SLS %q", sls))
			continue
		}
		if body == nil {
			rs.AddError(fmt.Sprintf("ID %q in SLS %q is not formed as a dict", id, sls))
			continue
		}
		for _, stateRef := range sortedKeys(body) {
			run := body[stateRef]
			if run == nil {
				rs.AddError(fmt.Sprintf("State %q in SLS %q is not formed as a list", id, sls))
				continue
			}
			funs := 0
			for _, arg := range run {
				switch a := arg.(type) {
				case string:
					funs++
					if strings.Contains(strings.TrimSpace(a), " ") {
						rs.AddError(fmt.Sprintf(
							"The function %q in state %q in SLS %q has whitespace, "+
								"a function with whitespace is not supported, perhaps "+
								"this is an argument that is missing a %q", a, id, sls, ":"))
					}
				case map[string]any:
					if len(a) == 0 {
						continue
					}
					argKey := firstKey(a)
					if !verifiedReqKinds[argKey] {
						continue
					}
					if len(a) != 1 {
						rs.AddError(fmt.Sprintf(
							"Multiple dictionaries defined in argument of state %q in SLS %q", id, sls))
					}
					items, ok := a[argKey].([]any)
					if !ok {
						rs.AddError(fmt.Sprintf(
							"The %s statement in state %q in SLS %q needs to be formed as a list", argKey, id, sls))
						continue
					}
					entry := reqs[id]
					if entry == nil {
						entry = &reqEntry{stateRef: stateRef, refs: make(map[string]string)}
						reqs[id] = entry
					}
					for _, item := range items {
						ref, ok := item.(map[string]any)
						if !ok || len(ref) != 1 {
							rs.AddError(fmt.Sprintf(
								"Requisite declaration %v in SLS %q is not formed as a single key dictionary", item, sls))
							continue
						}
						refState := firstKey(ref)
						refName, nameOK := refNameOf(ref[refState])
						if refState == "" || !nameOK {
							rs.AddError(fmt.Sprintf("Illegal requisite %q in SLS %q", fmt.Sprint(ref[refState]), sls))
							continue
						}
						entry.refs[refName] = refState
						if other, ok := reqs[refName]; ok {
							if backState, ok := other.refs[id]; ok &&
								backState == stateRef && other.stateRef == refState {
								rs.AddError(fmt.Sprintf(
									"A recursive requisite was found, SLS %q ID %q ID %q", sls, id, refName))
							}
						}
					}
				default:
					rs.AddError(fmt.Sprintf(
						"Argument %v in state %q in SLS %q is not formed as a dictionary", arg, id, sls))
				}
			}
			if funs == 0 {
				rs.AddError(fmt.Sprintf("No function declared in state %q in SLS %q", stateRef, sls))
			} else if funs > 1 {
				rs.AddError(fmt.Sprintf("Too many functions declared in state %q in SLS %q", stateRef, sls))
			}
		}
	}
	return nil
}

// refNameOf extracts the referenced name from a requisite value: either a
// plain name or the arg_bind nested list form.
func refNameOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		// arg_bind form: - state: - name: - source: target
		for _, item := range t {
			if m, ok := item.(map[string]any); ok && len(m) == 1 {
				return firstKey(m), true
			}
		}
		return "", false
	default:
		return "", false
	}
}

func firstKey(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func sortedKeys(d state.Declaration) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
