// Package reconcile drives the bounded retry loop for resources that
// report an asynchronous pending status. After the initial run it keeps
// re-running the pending chunks through the runtime, sleeping between
// attempts per each state's declared wait strategy, until every resource
// converges or the re-run budget is exhausted.
package reconcile

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/runtime"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// DefaultMaxPendingReruns bounds the reconciliation loop. Resources that
// keep reporting pending stop re-running at this count.
const DefaultMaxPendingReruns = 600

// Events receives reconciliation progress notifications. A nil Events
// drops everything.
type Events interface {
	// Rerun reports one reconciliation re-run about to start: its number,
	// the pending tag count, and the computed sleep.
	Rerun(run string, rerun, pending int, wait time.Duration)

	// Result reports one merged final result once its tag finished
	// reconciling.
	Result(run string, res *state.Result)
}

// Options configures a Loop.
type Options struct {
	// Runtime re-runs pending chunks. Required.
	Runtime *runtime.Runtime

	// Registry supplies per-state pending hooks and wait declarations.
	// Required.
	Registry *provider.Registry

	// Pending overrides the pending predicate, DefaultPending when nil.
	Pending PendingFunc

	// MaxPendingReruns bounds the loop, DefaultMaxPendingReruns when
	// unset.
	MaxPendingReruns int

	// Events receives progress notifications. Optional.
	Events Events

	Logger zerolog.Logger
}

// Loop re-runs pending chunks until convergence or budget exhaustion.
type Loop struct {
	runtime   *runtime.Runtime
	registry  *provider.Registry
	pending   PendingFunc
	maxReruns int
	events    Events
	log       zerolog.Logger

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Loop for the given options.
func New(opts Options) *Loop {
	pending := opts.Pending
	if pending == nil {
		pending = DefaultPending
	}
	maxReruns := opts.MaxPendingReruns
	if maxReruns <= 0 {
		maxReruns = DefaultMaxPendingReruns
	}
	return &Loop{
		runtime:   opts.Runtime,
		registry:  opts.Registry,
		pending:   pending,
		maxReruns: maxReruns,
		events:    opts.Events,
		log:       opts.Logger,
		sleep:     sleepCtx,
	}
}

// Run reconciles a finished run until no tags are pending. It returns
// the number of re-runs performed. On return rs.Running holds the first
// run's results merged with the final reconciled outcomes: changes
// recomputed across the whole reconciliation and comments accumulated
// over every attempt. A non-empty pending set at the budget boundary is
// not an error.
func (l *Loop) Run(ctx context.Context, rs *state.RunState) (int, error) {
	// The re-runs overwrite running with pending subsets; keep the full
	// first run to merge the final outcomes into.
	firstRun := copyRunning(rs.Running)
	waits := l.populateWaits(firstRun)
	comments := populateComments(rs.Running, nil)
	noChange := make(map[string]int)

	currentRun := rs.Running
	count := 0
	for {
		pendingTags := l.pendingTags(currentRun, noChange, count)
		if len(pendingTags) == 0 {
			l.merge(rs.Name, firstRun, currentRun, comments)
			rs.Running = firstRun
			l.log.Debug().Str("run", rs.Name).Int("reruns", count).
				Msg("reconciliation loop finished")
			return count, nil
		}

		// Tags that finished reconciling merge early so observers see
		// their final state while the rest keep re-running.
		if count > 0 && len(pendingTags) < len(currentRun) {
			done := make(map[string]*state.Result)
			pendingSet := make(map[string]bool, len(pendingTags))
			for _, tag := range pendingTags {
				pendingSet[tag] = true
			}
			for tag, res := range currentRun {
				if !pendingSet[tag] {
					done[tag] = res.Copy()
				}
			}
			l.merge(rs.Name, firstRun, done, comments)
		}

		wait := l.maxWait(waits, pendingTags, count)
		l.rerunEvent(rs.Name, count+1, len(pendingTags), wait)
		l.log.Debug().Str("run", rs.Name).Int("pending", len(pendingTags)).
			Dur("wait", wait).Msg("sleeping before reconciliation re-run")
		if err := l.sleep(ctx, wait); err != nil {
			return count, err
		}

		count++
		carryRerunData(rs, currentRun, pendingTags)
		lastRun := currentRun

		if err := l.runtime.Run(ctx, rs, pendingTags, ""); err != nil {
			return count, err
		}

		currentRun = rs.Running
		comments = populateComments(currentRun, comments)
		populateNoChange(lastRun, currentRun, noChange)
	}
}

// pendingTags returns the tags of currentRun still pending, sorted by
// nothing in particular but stable for a given map iteration per run.
func (l *Loop) pendingTags(run map[string]*state.Result, noChange map[string]int, count int) []string {
	var pending []string
	for tag, res := range run {
		args := provider.PendingArgs{
			RerunsWithoutChange: noChange[tag],
			Reruns:              count,
			MaxPendingReruns:    l.maxReruns,
		}
		if l.pending(l.registry, res, state.StateOfTag(tag), args) {
			pending = append(pending, tag)
		}
	}
	return pending
}

// populateWaits resolves each state's declared wait strategy once. A
// strategy that fails to parse degrades to the default with a logged
// error rather than failing a run that already executed.
func (l *Loop) populateWaits(run map[string]*state.Result) map[string]Strategy {
	waits := make(map[string]Strategy)
	for tag := range run {
		stateRef := state.StateOfTag(tag)
		if _, ok := waits[stateRef]; ok {
			continue
		}
		strategy, err := ParseWait(l.registry.ReconcileWait(stateRef))
		if err != nil {
			l.log.Error().Err(err).Str("state", stateRef).
				Msg("failed to parse reconcile wait, using default")
			strategy = DefaultStrategy()
		}
		waits[stateRef] = strategy
	}
	return waits
}

// maxWait returns the longest wait among the pending tags' states.
func (l *Loop) maxWait(waits map[string]Strategy, pendingTags []string, runCount int) time.Duration {
	var max time.Duration
	for _, tag := range pendingTags {
		d := DefaultWait
		if strategy, ok := waits[state.StateOfTag(tag)]; ok {
			d = strategy.Get(runCount)
		}
		if d > max {
			max = d
		}
	}
	return max
}

// merge folds lastRun outcomes into firstRun. The merged entry keeps the
// first run's start time and old state, takes everything else from the
// last attempt, recomputes changes across the whole reconciliation, and
// replaces comments with the accumulated set. Tags first seen during
// reconciliation are added as-is.
func (l *Loop) merge(run string, firstRun, lastRun map[string]*state.Result, comments map[string][]string) {
	for tag, last := range lastRun {
		first, ok := firstRun[tag]
		if !ok {
			l.log.Debug().Str("tag", tag).Msg("tag joined the run during reconciliation")
			firstRun[tag] = last
			l.resultEvent(run, last)
			continue
		}
		first.Result = last.Result
		first.NewState = last.NewState
		first.RerunData = last.RerunData
		first.RunNum = last.RunNum
		first.RecreationFlow = last.RecreationFlow
		first.Changes = state.DeepDiff(first.OldState, last.NewState)
		if acc := comments[tag]; len(acc) > 0 {
			first.Comment = acc
		} else {
			first.Comment = last.Comment
		}
		if !first.StartTime.IsZero() {
			first.Duration = time.Since(first.StartTime)
		}
		l.resultEvent(run, first)
	}
}

// carryRerunData copies each pending result's rerun data onto its chunk
// so the next attempt's provider call sees it.
func carryRerunData(rs *state.RunState, run map[string]*state.Result, pendingTags []string) {
	data := make(map[string]any, len(pendingTags))
	for _, tag := range pendingTags {
		if res, ok := run[tag]; ok && res.RerunData != nil {
			data[tag] = res.RerunData
		}
	}
	if len(data) == 0 {
		return
	}
	for _, chunk := range rs.Low {
		if v, ok := data[state.MakeTag(chunk)]; ok {
			chunk.RerunData = v
		}
	}
}

// populateComments accumulates per-tag comments across attempts,
// skipping consecutive duplicates.
func populateComments(run map[string]*state.Result, acc map[string][]string) map[string][]string {
	if acc == nil {
		acc = make(map[string][]string)
	}
	for tag, res := range run {
		if len(res.Comment) == 0 {
			continue
		}
		existing := acc[tag]
		if len(existing) > 0 && contains(existing, res.Comment[0]) {
			continue
		}
		acc[tag] = append(existing, res.Comment...)
	}
	return acc
}

// populateNoChange counts consecutive re-runs that left a tag's result
// and changes identical.
func populateNoChange(lastRun, currentRun map[string]*state.Result, counts map[string]int) {
	for tag, cur := range currentRun {
		last, ok := lastRun[tag]
		if !ok {
			continue
		}
		sameResult := (last.Result == nil) == (cur.Result == nil) &&
			(last.Result == nil || *last.Result == *cur.Result)
		if sameResult && reflect.DeepEqual(last.Changes, cur.Changes) {
			counts[tag]++
		} else {
			counts[tag] = 0
		}
	}
}

func copyRunning(run map[string]*state.Result) map[string]*state.Result {
	out := make(map[string]*state.Result, len(run))
	for tag, res := range run {
		out[tag] = res.Copy()
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) rerunEvent(run string, rerun, pending int, wait time.Duration) {
	if l.events != nil {
		l.events.Rerun(run, rerun, pending, wait)
	}
}

func (l *Loop) resultEvent(run string, res *state.Result) {
	if l.events != nil && res != nil {
		l.events.Result(run, res)
	}
}
