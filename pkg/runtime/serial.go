package runtime

import (
	"context"

	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// serial executes one pass over the sequence in index order. Entries
// still waiting on unmet dependencies are skipped; a later pass offers
// them again once their dependencies have results.
func (r *Runtime) serial(ctx context.Context, rs *state.RunState, seq map[int]*requisite.Entry) error {
	for _, ind := range sortedIndexes(seq) {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := seq[ind]
		if entry.Blocked() {
			continue
		}
		res, err := r.engine.Run(ctx, rs, entry, seq)
		if err != nil {
			return err
		}
		r.result(rs.Name, res)
	}
	return nil
}
