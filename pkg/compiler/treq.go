package compiler

import (
	"slices"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// applyTreq injects transparent requisites declared by providers: every
// chunk invoking a listed function gains edges to all chunks matching the
// declared "state.fun" paths, and functions in the unique set mark their
// chunks for serialized execution.
func (c *Compiler) applyTreq(rs *state.RunState) error {
	if c.treqs == nil {
		return nil
	}
	for _, chunk := range rs.Low {
		treq := c.treqs.Treq(chunk.State)
		if treq == nil {
			continue
		}
		if rule, ok := treq.Funcs[chunk.Fun]; ok {
			for kind, refs := range rule {
				for _, ref := range refs {
					for _, req := range rs.Low {
						if req.State+"."+req.Fun == ref {
							addRefOnce(chunk, kind, state.Ref{State: req.State, Name: req.ID})
						}
					}
				}
			}
		}
		if slices.Contains(treq.Unique, chunk.Fun) {
			chunk.Unique = chunk.Fun
		}
	}
	return nil
}
