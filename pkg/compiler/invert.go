package compiler

import (
	"sort"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// invert rewrites the chunk list for a teardown run: present and absent
// functions swap, orders negate, and the list re-sorts so resources come
// down in reverse creation order. Applying invert twice restores the
// original functions and order signs.
func (c *Compiler) invert(rs *state.RunState) error {
	if !rs.InvertState {
		return nil
	}
	for _, chunk := range rs.Low {
		switch chunk.Fun {
		case "present":
			chunk.Fun = "absent"
		case "absent":
			chunk.Fun = "present"
		}
		chunk.Order = -chunk.Order
	}
	sort.SliceStable(rs.Low, func(i, j int) bool {
		if rs.Low[i].Order != rs.Low[j].Order {
			return rs.Low[i].Order < rs.Low[j].Order
		}
		return chunkSortKey(rs.Low[i]) < chunkSortKey(rs.Low[j])
	})
	return nil
}
