package compiler

import (
	"fmt"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// extend merges extend blocks back into the declarations they target.
// Requisite entries append to the target's list, everything else replaces
// the matching entry or is added. Unknown IDs fall back to a name lookup
// before erroring.
func (c *Compiler) extend(rs *state.RunState) error {
	high := rs.High
	if len(high.Extend) == 0 {
		return nil
	}
	ext := high.Extend
	high.Extend = nil
	for _, entry := range ext {
		id := entry.ID
		if _, ok := high.Declarations[id]; !ok {
			stateType := firstStateRef(entry.Body)
			matches := findName(rs, id, stateType)
			if len(matches) != 1 {
				sls := entry.SLS
				if sls == "" {
					sls = "base"
				}
				rs.AddError(fmt.Sprintf(
					"Cannot extend ID '%s' in 'base:%s'. It is not part of the high state.\n"+
						"This is likely due to a missing include statement or an incorrectly typed ID.\n"+
						"Ensure that a state with an ID of '%s' is available\nin environment 'base' and to SLS '%s'",
					id, sls, id, sls))
				continue
			}
			id = matches[0].id
		}
		target := high.Declarations[id]
		for _, stateRef := range sortedKeys(entry.Body) {
			run := entry.Body[stateRef]
			if _, ok := target[stateRef]; !ok {
				target[stateRef] = run
				continue
			}
			for _, arg := range run {
				target[stateRef] = mergeExtendArg(target[stateRef], arg)
			}
		}
	}
	return nil
}

// mergeExtendArg folds one extend entry into an existing entry list.
func mergeExtendArg(existing []any, arg any) []any {
	updated := false
	for i := range existing {
		switch a := arg.(type) {
		case string:
			if _, ok := existing[i].(string); ok {
				// Replacing the function name keeps its position.
				existing[i] = a
				updated = true
			}
		case map[string]any:
			h, ok := existing[i].(map[string]any)
			if !ok {
				continue
			}
			argFirst := firstKey(a)
			haveFirst := firstKey(h)
			if argFirst == haveFirst {
				if _, isReq := state.RequisiteKeyword(argFirst); isReq {
					have, _ := h[argFirst].([]any)
					add, _ := a[argFirst].([]any)
					h[argFirst] = append(have, add...)
				} else {
					existing[i] = a
				}
				updated = true
			} else if argFirst == "name" && haveFirst == "names" {
				// A name override beats the expanded names list.
				existing[i] = a
				updated = true
			}
		}
	}
	if !updated {
		existing = append(existing, arg)
	}
	return existing
}
