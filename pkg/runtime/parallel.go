package runtime

import (
	"context"
	"sync"

	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// parallel fans one pass over the sequence out to a worker pool. Only
// entries with every dependency already resolved are eligible; the rest
// wait for a later pass, as in serial. The engine's guard keeps run
// state mutation serialized while state functions overlap.
func (r *Runtime) parallel(ctx context.Context, rs *state.RunState, seq map[int]*requisite.Entry) error {
	eligible := make([]*requisite.Entry, 0, len(seq))
	for _, ind := range sortedIndexes(seq) {
		entry := seq[ind]
		if entry.Blocked() {
			continue
		}
		eligible = append(eligible, entry)
	}
	if len(eligible) == 0 {
		return nil
	}

	workers := r.workers
	if len(eligible) < workers {
		workers = len(eligible)
	}

	queue := make(chan *requisite.Entry, len(eligible))
	for _, entry := range eligible {
		queue <- entry
	}
	close(queue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(eligible))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range queue {
				select {
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				default:
				}
				res, err := r.engine.Run(ctx, rs, entry, seq)
				if err != nil {
					errChan <- err
					continue
				}
				r.result(rs.Name, res)
			}
		}()
	}
	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
