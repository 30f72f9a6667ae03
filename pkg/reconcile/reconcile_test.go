package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/compiler"
	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/rules"
	"github.com/fixpoint-io/fixpoint/pkg/runtime"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

type loopHarness struct {
	registry *provider.Registry
	runtime  *runtime.Runtime
	sleeps   []time.Duration
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register(provider.Test()); err != nil {
		t.Fatalf("Register test provider: %v", err)
	}
	comp := compiler.New(compiler.Options{Logger: zerolog.Nop()})
	eng := rules.NewEngine(reg, zerolog.Nop())
	rt := runtime.New(runtime.Options{
		Engine:   eng,
		Compiler: comp,
		Registry: reg,
		Logger:   zerolog.Nop(),
	})
	return &loopHarness{registry: reg, runtime: rt}
}

// newLoop builds a Loop whose sleeps are recorded instead of slept.
func (h *loopHarness) newLoop(opts Options) *Loop {
	opts.Runtime = h.runtime
	opts.Registry = h.registry
	opts.Logger = zerolog.Nop()
	loop := New(opts)
	loop.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return loop
}

// firstRun compiles the declarations and executes the initial run.
func (h *loopHarness) firstRun(t *testing.T, rs *state.RunState) {
	t.Helper()
	comp := compiler.New(compiler.Options{Logger: zerolog.Nop()})
	if err := comp.Compile(context.Background(), rs); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := h.runtime.Run(context.Background(), rs, nil, ""); err != nil {
		t.Fatalf("Initial run: %v", err)
	}
}

func declareState(rs *state.RunState, id string, body state.Declaration) {
	rs.High.Declarations[id] = body
	rs.High.DeclOrder = append(rs.High.DeclOrder, id)
}

func singleResult(t *testing.T, rs *state.RunState) *state.Result {
	t.Helper()
	if len(rs.Running) != 1 {
		t.Fatalf("Expected exactly one result, got %d: %v", len(rs.Running), rs.Running)
	}
	for _, res := range rs.Running {
		return res
	}
	return nil
}

type recordedEvents struct {
	reruns  []int
	pending []int
	waits   []time.Duration
	results []*state.Result
}

func (r *recordedEvents) Rerun(_ string, rerun, pending int, wait time.Duration) {
	r.reruns = append(r.reruns, rerun)
	r.pending = append(r.pending, pending)
	r.waits = append(r.waits, wait)
}

func (r *recordedEvents) Result(_ string, res *state.Result) {
	r.results = append(r.results, res)
}

func TestLoop_Run_SettledRunNeedsNoReruns(t *testing.T) {
	h := newLoopHarness(t)
	rs := state.NewRunState("settled")
	declareState(rs, "alpha", state.Declaration{"test": []any{"present"}})
	h.firstRun(t, rs)

	count, err := h.newLoop(Options{}).Run(context.Background(), rs)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 reruns, got %d", count)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("Expected no sleeps, got %v", h.sleeps)
	}
	if res := singleResult(t, rs); !res.Succeeded() {
		t.Errorf("Expected the settled result to survive, got %v", res.Result)
	}
}

func TestLoop_Run_ConvergesAfterPendingRuns(t *testing.T) {
	h := newLoopHarness(t)
	events := &recordedEvents{}
	rs := state.NewRunState("pending")
	declareState(rs, "alpha", state.Declaration{"test": []any{
		"present",
		map[string]any{"pending_runs": 2},
	}})
	h.firstRun(t, rs)

	if res := singleResult(t, rs); res.RerunData != 2 {
		t.Fatalf("Expected rerun data 2 after the first run, got %v", res.RerunData)
	}

	count, err := h.newLoop(Options{Events: events}).Run(context.Background(), rs)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 reruns, got %d", count)
	}

	res := singleResult(t, rs)
	if !res.Succeeded() {
		t.Errorf("Expected success after convergence, got %v", res.Result)
	}
	if res.RerunData != nil {
		t.Errorf("Expected rerun data cleared once converged, got %v", res.RerunData)
	}
	newSide, _ := res.Changes["new"].(map[string]any)
	if newSide == nil || newSide["name"] != "alpha" {
		t.Errorf("Expected changes recomputed across the reconciliation, got %v", res.Changes)
	}

	// Each attempt's progress comment accumulates onto the merged result.
	if len(res.Comment) != 2 {
		t.Fatalf("Expected 2 accumulated comments, got %v", res.Comment)
	}
	if !strings.Contains(res.Comment[0], "2 pending runs") || !strings.Contains(res.Comment[1], "1 pending runs") {
		t.Errorf("Expected progress comments in order, got %v", res.Comment)
	}

	// The test provider declares a zero wait, so the loop never really
	// sleeps between attempts.
	if len(h.sleeps) != 2 || h.sleeps[0] != 0 || h.sleeps[1] != 0 {
		t.Errorf("Expected two zero sleeps, got %v", h.sleeps)
	}
	if len(events.reruns) != 2 || events.reruns[0] != 1 || events.reruns[1] != 2 {
		t.Errorf("Expected rerun events 1, 2, got %v", events.reruns)
	}
	if len(events.results) != 1 {
		t.Errorf("Expected one merged result event, got %d", len(events.results))
	}
}

func TestLoop_Run_StopsAtRerunBudget(t *testing.T) {
	h := newLoopHarness(t)
	rs := state.NewRunState("stuck")
	declareState(rs, "alpha", state.Declaration{"test": []any{
		"present",
		map[string]any{"pending_runs": 100},
	}})
	h.firstRun(t, rs)

	count, err := h.newLoop(Options{MaxPendingReruns: 3}).Run(context.Background(), rs)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected the loop to stop at 3 reruns, got %d", count)
	}
	res := singleResult(t, rs)
	if res.RerunData != 97 {
		t.Errorf("Expected 97 pending runs left at the budget boundary, got %v", res.RerunData)
	}
}

func TestLoop_Run_StagnantFailuresStop(t *testing.T) {
	h := newLoopHarness(t)
	rs := state.NewRunState("failing")
	declareState(rs, "alpha", state.Declaration{"test": []any{"fail"}})
	h.firstRun(t, rs)

	count, err := h.newLoop(Options{}).Run(context.Background(), rs)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if count != MaxRerunsWithoutChange {
		t.Errorf("Expected %d reruns before giving up, got %d", MaxRerunsWithoutChange, count)
	}
	res := singleResult(t, rs)
	if !res.Failed() {
		t.Errorf("Expected the failure to survive the merge, got %v", res.Result)
	}
	// Identical comments across attempts collapse to one.
	if len(res.Comment) != 1 || res.Comment[0] != "test:alpha failed" {
		t.Errorf("Expected a single deduplicated comment, got %v", res.Comment)
	}
}

func TestLoop_Run_CanceledContextAbortsSleep(t *testing.T) {
	h := newLoopHarness(t)
	rs := state.NewRunState("canceled")
	declareState(rs, "alpha", state.Declaration{"test": []any{
		"present",
		map[string]any{"pending_runs": 2},
	}})
	h.firstRun(t, rs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := New(Options{Runtime: h.runtime, Registry: h.registry, Logger: zerolog.Nop()})
	count, err := loop.Run(ctx, rs)
	if err == nil {
		t.Fatal("Expected a context error")
	}
	if count != 0 {
		t.Errorf("Expected no reruns after cancellation, got %d", count)
	}
}
