package compiler

import (
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// exclude drops declarations named by the high data's exclude refs before
// low compilation. A ref either names a declaration ID, a source file
// (state "sls"), or a state:name pair located through the usual name
// lookup.
func (c *Compiler) exclude(rs *state.RunState) error {
	high := rs.High
	if len(high.Exclude) == 0 {
		return nil
	}
	refs := high.Exclude
	high.Exclude = nil

	drop := make(map[string]bool)
	dropEntry := make(map[string]map[string]bool)
	for _, ref := range refs {
		switch {
		case ref.ID != "":
			drop[ref.ID] = true
		case ref.State == "sls":
			for _, id := range high.OrderedIDs() {
				if rs.Meta[id].File == ref.Name {
					drop[id] = true
				}
			}
		case ref.State != "":
			for _, match := range findName(rs, ref.Name, ref.State) {
				if dropEntry[match.id] == nil {
					dropEntry[match.id] = make(map[string]bool)
				}
				dropEntry[match.id][match.stateRef] = true
			}
		}
	}

	for id := range drop {
		delete(high.Declarations, id)
	}
	for id, states := range dropEntry {
		body, ok := high.Declarations[id]
		if !ok {
			continue
		}
		for stateRef := range states {
			delete(body, stateRef)
		}
		if len(body) == 0 {
			delete(high.Declarations, id)
		}
	}
	return nil
}
