package rules

import (
	"context"
	"fmt"

	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// prereqRule speculatively executes the referenced chunks in test mode
// and passes only when the dry run reports pending changes. The probe
// results are discarded; the referenced chunks still run at their own
// position in the sequence.
func prereqRule(e *Engine) Rule {
	return func(ctx context.Context, rctx *RuleContext, condition any, _ *requisite.Reqret) Check {
		if s, ok := condition.(string); !ok || s != "changes" {
			return Check{Errors: []string{fmt.Sprintf("\"%v\" is not a supported prereq condition.", condition)}}
		}
		var errs []string
		for _, ref := range rctx.Chunk.Requires[state.ReqPrereq] {
			matches := state.FindChunks(rctx.Run.Low, ref.State, ref.Name)
			if len(matches) == 0 {
				errs = append(errs, fmt.Sprintf(
					"Requisite 'prereq %s:%s' not found in current run. Verify the syntax.",
					ref.State, ref.Name))
				continue
			}
			for _, dep := range matches {
				ret := e.dryRun(ctx, rctx.Run, dep)
				if ret == nil || (ret.Result != nil && !*ret.Result) {
					errs = append(errs, fmt.Sprintf("prereq %s: %s failed", dep.State, dep.Name))
					continue
				}
				if len(ret.Changes) == 0 {
					errs = append(errs, fmt.Sprintf("prereq %s: %s has no changes", dep.State, dep.Name))
				}
			}
		}
		return Check{Errors: errs}
	}
}

// sensitiveRule registers the chunk's sensitive argument names so change
// reporting redacts them. It never blocks execution.
func sensitiveRule(_ context.Context, rctx *RuleContext, _ any, _ *requisite.Reqret) Check {
	if len(rctx.Chunk.Sensitive) > 0 {
		if rctx.Run.Sensitive == nil {
			rctx.Run.Sensitive = make(map[string][]string)
		}
		rctx.Run.Sensitive[rctx.Tag] = append([]string(nil), rctx.Chunk.Sensitive...)
	}
	return Check{}
}
