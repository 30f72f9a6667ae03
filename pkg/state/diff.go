package state

import (
	"reflect"
)

// DeepDiff compares two nested maps and returns the differing subtrees
// under "old" and "new" keys. Equal branches are pruned recursively; keys
// present on only one side appear on that side only. An empty result map
// means the inputs are equal.
func DeepDiff(old, new map[string]any) map[string]any {
	prunedOld, prunedNew := diffMaps(old, new)
	out := make(map[string]any)
	if len(prunedOld) > 0 {
		out["old"] = prunedOld
	}
	if len(prunedNew) > 0 {
		out["new"] = prunedNew
	}
	return out
}

func diffMaps(old, new map[string]any) (map[string]any, map[string]any) {
	retOld := make(map[string]any)
	retNew := make(map[string]any)
	for key, ov := range old {
		nv, ok := new[key]
		if !ok {
			retOld[key] = ov
			continue
		}
		if reflect.DeepEqual(ov, nv) {
			continue
		}
		om, oIsMap := ov.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap {
			po, pn := diffMaps(om, nm)
			if len(po) > 0 {
				retOld[key] = po
			}
			if len(pn) > 0 {
				retNew[key] = pn
			}
			continue
		}
		retOld[key] = ov
		retNew[key] = nv
	}
	for key, nv := range new {
		if _, ok := old[key]; !ok {
			retNew[key] = nv
		}
	}
	return retOld, retNew
}
