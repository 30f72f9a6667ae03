// Package runtime drives a compiled run to completion. It sequences the
// low chunks, hands eligible entries to an executor, recompiles between
// passes so chunks added mid-run are picked up, and stops once every
// chunk has a result or the sequence stops making progress.
package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/compiler"
	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/rules"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Execution modes.
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

// DefaultWorkers bounds the parallel executor when Options leave the
// worker count unset.
const DefaultWorkers = 10

// Events receives run progress notifications. Implementations must be
// safe for concurrent use and must treat the payloads as read-only; a
// nil Events drops everything.
type Events interface {
	// LowData reports the working chunk set at the start of the run and
	// after every recompilation.
	LowData(run string, low []*state.Chunk)

	// Result reports one chunk result as its executor pass completes.
	Result(run string, res *state.Result)
}

// Options configures a Runtime.
type Options struct {
	// Engine executes sequence entries. Required.
	Engine *rules.Engine

	// Compiler recompiles the run between passes so chunks scheduled
	// mid-run (replacement deletes, listeners) are ordered in. Required.
	Compiler *compiler.Compiler

	// Registry supplies provider traits to the sequencer. Required.
	Registry *provider.Registry

	// Events receives progress notifications. Optional.
	Events Events

	// Mode selects the executor, ModeSerial when empty.
	Mode string

	// Workers bounds the parallel executor, DefaultWorkers when unset.
	Workers int

	Logger zerolog.Logger
}

// Runtime owns the outer execution loop for one or more runs. In
// parallel mode it installs a shared mutex on the engine so sweeps may
// fan out across workers.
type Runtime struct {
	engine   *rules.Engine
	compiler *compiler.Compiler
	registry *provider.Registry
	events   Events
	mode     string
	workers  int
	log      zerolog.Logger
}

// New returns a Runtime for the given options.
func New(opts Options) *Runtime {
	mode := opts.Mode
	if mode == "" {
		mode = ModeSerial
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if mode == ModeParallel {
		opts.Engine.SetLocker(&sync.Mutex{})
	}
	return &Runtime{
		engine:   opts.Engine,
		compiler: opts.Compiler,
		registry: opts.Registry,
		events:   opts.Events,
		mode:     mode,
		workers:  workers,
		log:      opts.Logger,
	}
}

// Run executes the sequence loop for a compiled run until every chunk
// has a result. pendingTags restricts execution to those chunks and
// their requisites; reconciliation passes it when re-running pending
// states. target restricts the run to one declaration ID and the chunks
// it depends on.
func (r *Runtime) Run(ctx context.Context, rs *state.RunState, pendingTags []string, target string) error {
	if len(rs.Low) == 0 {
		return state.NewRuntimeError(fmt.Sprintf("No low data for '%s' in RUNS", rs.Name), nil).
			WithCode(state.ErrCodeNoLowData).WithRun(rs.Name)
	}
	r.lowData(rs.Name, rs.Low)

	low := rs.Low
	seen := make(map[string]bool, len(low))
	for _, chunk := range low {
		seen[chunk.ID] = true
	}

	if len(pendingTags) > 0 {
		low = gatherPending(rs, low, pendingTags)
	}
	if target != "" {
		items := state.GatherLowItems(low, []string{target})
		if len(items) == 0 {
			return state.NewRuntimeError(fmt.Sprintf(
				"Invalid 'target' for run '%s': %s. 'target' should be a declaration ID.",
				rs.Name, target), nil).
				WithCode(state.ErrCodeBadTarget).WithRun(rs.Name)
		}
		keep := make(map[string]bool, len(items))
		for _, chunk := range items {
			keep[chunk.ID] = true
		}
		for id := range rs.High.Declarations {
			if !keep[id] {
				delete(rs.High.Declarations, id)
			}
		}
		low = items
	}

	oldSeq := map[int]*requisite.Entry{}
	oldSeqLen := -1
	needsPostLow := true
	opts := requisite.Options{SkipESM: r.registry.SkipESM}

	for {
		seq := requisite.Seq(low, rs.Running, rs.Managed, opts)
		if reflect.DeepEqual(seq, oldSeq) {
			if len(seq) == 0 {
				r.log.Debug().Str("run", rs.Name).Msg("no sequence to process")
				break
			}
			return r.stuck(rs.Name, seq)
		}

		if err := r.sweep(ctx, rs, seq); err != nil {
			return err
		}
		if err := r.compiler.Compile(ctx, rs); err != nil {
			return err
		}
		extendLow(rs, &low, seen)
		r.lowData(rs.Name, low)

		if len(low) <= len(rs.Running) {
			// Listener chunks join the run exactly once, after every
			// declared chunk has a result.
			if len(rs.PostLow) > 0 && needsPostLow {
				rs.Low = append(rs.Low, rs.PostLow...)
				needsPostLow = false
				extendLow(rs, &low, seen)
				continue
			}
			break
		}
		if len(seq) == oldSeqLen && coveredBy(oldSeq, seq) {
			return state.NewRuntimeError(fmt.Sprintf(
				"No progress made on '%s', Recursive Requisite!", rs.Name), nil).
				WithCode(state.ErrCodeRecursive).WithRun(rs.Name)
		}
		oldSeq = seq
		oldSeqLen = len(seq)
	}
	return nil
}

// sweep runs one pass over the sequence with the configured executor
// and advances the pass counter.
func (r *Runtime) sweep(ctx context.Context, rs *state.RunState, seq map[int]*requisite.Entry) error {
	var err error
	switch r.mode {
	case ModeParallel:
		err = r.parallel(ctx, rs, seq)
	default:
		err = r.serial(ctx, rs, seq)
	}
	if err != nil {
		return err
	}
	rs.RunNum++
	return nil
}

// stuck reports an unchanged non-empty sequence. With no unmet edges
// anywhere the run is stalled on identical declarations; with unmet
// edges the chunks wait on each other.
func (r *Runtime) stuck(run string, seq map[int]*requisite.Entry) error {
	tags := make([]string, 0, len(seq))
	unmet := make(map[string][]string, len(seq))
	edges := 0
	for _, ind := range sortedIndexes(seq) {
		entry := seq[ind]
		tags = append(tags, entry.Tag)
		waits := make([]string, 0, len(entry.Unmet))
		for tag := range entry.Unmet {
			waits = append(waits, tag)
		}
		sort.Strings(waits)
		unmet[entry.Tag] = waits
		edges += len(waits)
	}
	if edges == 0 {
		return state.NewRuntimeError(fmt.Sprintf(
			"Invalid syntax for '%s'. Sequence hasn't changed for: %v.", run, tags), nil).
			WithCode(state.ErrCodeStaleSequence).WithRun(run)
	}
	return state.NewRuntimeError(fmt.Sprintf(
		"No sequence changed for '%s'. Check for possible circular dependencies: %v", run, unmet), nil).
		WithCode(state.ErrCodeCircular).WithRun(run)
}

// gatherPending reduces low to the re-run set: the pending chunks plus
// their requisite closure. The pending tags are dropped from a rebuilt
// running map so the sequencer offers them again; requisites that
// already ran keep their results and resolve without re-running.
func gatherPending(rs *state.RunState, low []*state.Chunk, pendingTags []string) []*state.Chunk {
	set := make(map[string]bool, len(pendingTags))
	for _, tag := range pendingTags {
		set[tag] = true
	}
	ids := make([]string, 0, len(pendingTags))
	for _, chunk := range low {
		if set[state.MakeTag(chunk)] {
			ids = append(ids, chunk.ID)
		}
	}
	items := state.GatherLowItems(low, ids)

	next := make(map[string]*state.Result, len(rs.Running))
	for tag, res := range rs.Running {
		if !set[tag] {
			next[tag] = res
		}
	}
	rs.Running = next
	return items
}

// extendLow pulls chunks a recompile added to the run (replacement
// deletes, listeners) into the working set. Chunks rebuilt under an
// already-known declaration ID are skipped: the working set keeps the
// original pointers so in-place argument rewrites survive passes.
func extendLow(rs *state.RunState, low *[]*state.Chunk, seen map[string]bool) {
	var fresh []*state.Chunk
	for _, chunk := range rs.Low {
		if !seen[chunk.ID] {
			fresh = append(fresh, chunk)
		}
	}
	for _, chunk := range fresh {
		seen[chunk.ID] = true
	}
	*low = append(*low, fresh...)
}

// coveredBy reports whether every tag in prev still appears in cur. The
// recreate flow swaps a chunk for delete and create chunks, keeping the
// sequence length equal while the tag set moves on.
func coveredBy(prev, cur map[int]*requisite.Entry) bool {
	tags := make(map[string]bool, len(cur))
	for _, entry := range cur {
		tags[entry.Tag] = true
	}
	for _, entry := range prev {
		if !tags[entry.Tag] {
			return false
		}
	}
	return true
}

func sortedIndexes(seq map[int]*requisite.Entry) []int {
	inds := make([]int, 0, len(seq))
	for ind := range seq {
		inds = append(inds, ind)
	}
	sort.Ints(inds)
	return inds
}

func (r *Runtime) lowData(run string, low []*state.Chunk) {
	if r.events != nil {
		r.events.LowData(run, low)
	}
}

func (r *Runtime) result(run string, res *state.Result) {
	if r.events != nil && res != nil {
		r.events.Result(run, res)
	}
}
