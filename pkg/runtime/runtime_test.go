package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/compiler"
	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/rules"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register(provider.Test()); err != nil {
		t.Fatalf("Register test provider: %v", err)
	}
	opts.Engine = rules.NewEngine(reg, zerolog.Nop())
	opts.Compiler = compiler.New(compiler.Options{Logger: zerolog.Nop()})
	opts.Registry = reg
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func declareState(rs *state.RunState, id string, body state.Declaration) {
	rs.High.Declarations[id] = body
	rs.High.DeclOrder = append(rs.High.DeclOrder, id)
}

func compileRun(t *testing.T, rs *state.RunState) {
	t.Helper()
	comp := compiler.New(compiler.Options{Logger: zerolog.Nop()})
	if err := comp.Compile(context.Background(), rs); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

// orderedEvents records result tags in completion order.
type orderedEvents struct {
	mu   sync.Mutex
	lows [][]*state.Chunk
	tags []string
}

func (o *orderedEvents) LowData(_ string, low []*state.Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lows = append(o.lows, low)
}

func (o *orderedEvents) Result(_ string, res *state.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tags = append(o.tags, res.Tag)
}

func TestRuntime_Run_NoLowDataIsError(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rs := state.NewRunState("empty")

	err := rt.Run(context.Background(), rs, nil, "")
	if err == nil {
		t.Fatal("Expected an error for a run with no low data")
	}
	var re *state.RunError
	if !errors.As(err, &re) || re.Code != state.ErrCodeNoLowData {
		t.Errorf("Expected code %s, got %v", state.ErrCodeNoLowData, err)
	}
}

func TestRuntime_Run_RequisiteOrdersExecution(t *testing.T) {
	events := &orderedEvents{}
	rt := newTestRuntime(t, Options{Events: events})
	rs := state.NewRunState("ordered")

	// web is declared after db but db requires it, so web must run
	// first.
	declareState(rs, "db", state.Declaration{"test": []any{
		"present",
		map[string]any{"require": []any{map[string]any{"test": "web"}}},
	}})
	declareState(rs, "web", state.Declaration{"test": []any{"present"}})
	compileRun(t, rs)

	if err := rt.Run(context.Background(), rs, nil, ""); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(rs.Running) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(rs.Running))
	}
	for tag, res := range rs.Running {
		if !res.Succeeded() {
			t.Errorf("Expected %s to succeed, got %v", tag, res.Result)
		}
	}
	if len(events.tags) != 2 || !strings.Contains(events.tags[0], "_|-web_|-") {
		t.Errorf("Expected web to run before db, got %v", events.tags)
	}
	if len(events.lows) == 0 || len(events.lows[0]) != 2 {
		t.Errorf("Expected the initial low data event with 2 chunks, got %d events", len(events.lows))
	}
}

func TestRuntime_Run_TargetRestrictsToClosure(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rs := state.NewRunState("targeted")

	declareState(rs, "web", state.Declaration{"test": []any{"present"}})
	declareState(rs, "db", state.Declaration{"test": []any{
		"present",
		map[string]any{"require": []any{map[string]any{"test": "web"}}},
	}})
	declareState(rs, "cache", state.Declaration{"test": []any{"present"}})
	compileRun(t, rs)

	if err := rt.Run(context.Background(), rs, nil, "db"); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// db and its requisite web run, cache does not.
	if len(rs.Running) != 2 {
		t.Fatalf("Expected 2 results for the target closure, got %d: %v", len(rs.Running), rs.Running)
	}
	for tag := range rs.Running {
		if strings.Contains(tag, "_|-cache_|-") {
			t.Errorf("Expected cache excluded from the targeted run, got %v", rs.Running)
		}
	}
}

func TestRuntime_Run_UnknownTargetIsError(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rs := state.NewRunState("targeted")
	declareState(rs, "web", state.Declaration{"test": []any{"present"}})
	compileRun(t, rs)

	err := rt.Run(context.Background(), rs, nil, "ghost")
	if err == nil {
		t.Fatal("Expected an error for an unknown target")
	}
	var re *state.RunError
	if !errors.As(err, &re) || re.Code != state.ErrCodeBadTarget {
		t.Errorf("Expected code %s, got %v", state.ErrCodeBadTarget, err)
	}
}

func TestRuntime_Run_CircularRequisitesFail(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rs := state.NewRunState("circular")

	declareState(rs, "a", state.Declaration{"test": []any{
		"present",
		map[string]any{"require": []any{map[string]any{"test": "b"}}},
	}})
	declareState(rs, "b", state.Declaration{"test": []any{
		"present",
		map[string]any{"require": []any{map[string]any{"test": "a"}}},
	}})
	compileRun(t, rs)

	err := rt.Run(context.Background(), rs, nil, "")
	if err == nil {
		t.Fatal("Expected an error for circular requisites")
	}
	var re *state.RunError
	if !errors.As(err, &re) || re.Code != state.ErrCodeCircular {
		t.Errorf("Expected code %s, got %v", state.ErrCodeCircular, err)
	}
}

func TestRuntime_Run_ParallelModeRunsEverything(t *testing.T) {
	rt := newTestRuntime(t, Options{Mode: ModeParallel, Workers: 4})
	rs := state.NewRunState("parallel")

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		declareState(rs, id, state.Declaration{"test": []any{"present"}})
	}
	compileRun(t, rs)

	if err := rt.Run(context.Background(), rs, nil, ""); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(rs.Running) != 5 {
		t.Fatalf("Expected 5 results, got %d", len(rs.Running))
	}
	for tag, res := range rs.Running {
		if !res.Succeeded() {
			t.Errorf("Expected %s to succeed, got %v", tag, res.Result)
		}
	}
}

func TestRuntime_Run_PendingTagsRerunOnlyPending(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rs := state.NewRunState("pending")

	declareState(rs, "web", state.Declaration{"test": []any{"present"}})
	declareState(rs, "db", state.Declaration{"test": []any{
		"present",
		map[string]any{"pending_runs": 1},
	}})
	compileRun(t, rs)

	if err := rt.Run(context.Background(), rs, nil, ""); err != nil {
		t.Fatalf("Initial run: %v", err)
	}

	var pendingTag, webTag string
	for tag, res := range rs.Running {
		if res.RerunData != nil {
			pendingTag = tag
		} else {
			webTag = tag
		}
	}
	if pendingTag == "" {
		t.Fatal("Expected one pending result after the initial run")
	}
	webRuns := rs.Running[webTag].RunNum

	if err := rt.Run(context.Background(), rs, []string{pendingTag}, ""); err != nil {
		t.Fatalf("Pending rerun: %v", err)
	}
	if res := rs.Running[pendingTag]; res.RerunData != nil {
		t.Errorf("Expected the pending state to converge, got rerun data %v", res.RerunData)
	}
	if rs.Running[webTag].RunNum != webRuns {
		t.Error("Expected the settled state to keep its original result")
	}
}
