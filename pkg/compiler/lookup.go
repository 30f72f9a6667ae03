package compiler

import (
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// idMatch is one declaration located by findName.
type idMatch struct {
	id       string
	stateRef string
}

// findName scans high data for declarations matching name under the given
// state ref. A direct ID hit wins; the ref "sls" matches every declaration
// from that source file; otherwise any declaration of that state whose
// single-key argument value equals name matches.
func findName(rs *state.RunState, name, stateRef string) []idMatch {
	high := rs.High
	if _, ok := high.Declarations[name]; ok {
		return []idMatch{{id: name, stateRef: stateRef}}
	}
	var out []idMatch
	if stateRef == "sls" {
		for _, id := range high.OrderedIDs() {
			if rs.Meta[id].File == name {
				out = append(out, idMatch{id: id, stateRef: firstStateRef(high.Declarations[id])})
			}
		}
		return out
	}
	for _, id := range high.OrderedIDs() {
		run, ok := high.Declarations[id][stateRef]
		if !ok {
			continue
		}
		for _, arg := range run {
			m, ok := arg.(map[string]any)
			if !ok || len(m) != 1 {
				continue
			}
			if v, ok := m[firstKey(m)].(string); ok && v == name {
				out = append(out, idMatch{id: id, stateRef: stateRef})
			}
		}
	}
	return out
}

// firstStateRef returns the lexicographically first state ref of a body.
func firstStateRef(body state.Declaration) string {
	keys := sortedKeys(body)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
