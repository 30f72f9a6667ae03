package rules

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register(provider.Test()); err != nil {
		t.Fatalf("Register test provider: %v", err)
	}
	return NewEngine(reg, zerolog.Nop())
}

func presentChunk(id string) *state.Chunk {
	return &state.Chunk{State: "test", Name: id, ID: id, Fun: "present", Args: map[string]any{}}
}

func entryFor(chunk *state.Chunk) *requisite.Entry {
	return &requisite.Entry{
		Chunk:   chunk,
		Tag:     state.MakeTag(chunk),
		Reqrets: make(map[state.ReqKind][]requisite.Reqret),
		Unmet:   make(map[string]bool),
	}
}

func reqretFor(kind state.ReqKind, dep *state.Chunk, res *state.Result) requisite.Reqret {
	return requisite.Reqret{
		Kind:  kind,
		State: dep.State,
		Name:  dep.Name,
		Tag:   state.MakeTag(dep),
		Ret:   res,
		Chunk: dep,
	}
}

func mustRun(t *testing.T, e *Engine, rs *state.RunState, entry *requisite.Entry) *state.Result {
	t.Helper()
	res, err := e.Run(context.Background(), rs, entry, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res == nil {
		t.Fatalf("Expected a result under %s, got none", entry.Tag)
	}
	if rs.Running[entry.Tag] != res {
		t.Fatalf("Expected the returned result to be recorded under %s", entry.Tag)
	}
	return res
}

func TestEngine_Run_RecordsSuccess(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	entry := entryFor(presentChunk("alpha"))

	res := mustRun(t, e, rs, entry)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got result %v comment %v", res.Result, res.Comment)
	}
	if res.NewState == nil || res.NewState["resource_id"] != "alpha-id" {
		t.Fatalf("Expected new state with generated resource_id, got %v", res.NewState)
	}
	if res.RunNum != rs.RunNum {
		t.Fatalf("Expected run number %d, got %d", rs.RunNum, res.RunNum)
	}
	esm := rs.Managed[res.ESMTag]
	if esm == nil || esm["name"] != "alpha" {
		t.Fatalf("Expected enforced state under %s, got %v", res.ESMTag, esm)
	}
	newSide, _ := res.Changes["new"].(map[string]any)
	if newSide == nil || newSide["name"] != "alpha" {
		t.Fatalf("Expected creation changes, got %v", res.Changes)
	}
}

func TestEngine_Run_EntryErrorsBlockExecution(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	entry := entryFor(presentChunk("alpha"))
	entry.Errors = []string{"Requisite 'require test:ghost' not found in current run. Verify the syntax."}

	res := mustRun(t, e, rs, entry)
	if !res.Failed() {
		t.Fatalf("Expected failure, got result %v", res.Result)
	}
	if len(res.Comment) != 1 || res.Comment[0] != entry.Errors[0] {
		t.Fatalf("Expected the entry error as comment, got %v", res.Comment)
	}
	if res.NewState != nil {
		t.Fatalf("Expected the state function to be skipped, got new state %v", res.NewState)
	}
	if len(rs.Managed) != 0 {
		t.Fatalf("Expected no enforced state updates, got %v", rs.Managed)
	}
}

func TestEngine_Run_RequireFailedDependencyBlocks(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	entry.Reqrets[state.ReqRequire] = []requisite.Reqret{reqretFor(state.ReqRequire, dep, &state.Result{
		Tag:     state.MakeTag(dep),
		Result:  state.Bool(false),
		Comment: []string{"boom"},
	})}

	res := mustRun(t, e, rs, entry)
	if !res.Failed() {
		t.Fatalf("Expected failure, got result %v", res.Result)
	}
	want := "require test: dep failed: boom"
	if len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got %v", want, res.Comment)
	}
}

func TestEngine_Run_OnFailPassesAfterFailure(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	entry.Reqrets[state.ReqOnFail] = []requisite.Reqret{reqretFor(state.ReqOnFail, dep, &state.Result{
		Tag:    state.MakeTag(dep),
		Result: state.Bool(false),
	})}

	res := mustRun(t, e, rs, entry)
	if !res.Succeeded() {
		t.Fatalf("Expected the onfail chunk to run, got result %v comment %v", res.Result, res.Comment)
	}
}

func TestEngine_Run_OnFailBlocksOnSuccess(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	entry.Reqrets[state.ReqOnFail] = []requisite.Reqret{reqretFor(state.ReqOnFail, dep, &state.Result{
		Tag:    state.MakeTag(dep),
		Result: state.Bool(true),
	})}

	res := mustRun(t, e, rs, entry)
	if !res.Failed() {
		t.Fatalf("Expected failure, got result %v", res.Result)
	}
	want := "onfail test: dep did not fail"
	if len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got %v", want, res.Comment)
	}
}

func TestEngine_Run_OnChangesRequiresChanges(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	entry.Reqrets[state.ReqOnChanges] = []requisite.Reqret{reqretFor(state.ReqOnChanges, dep, &state.Result{
		Tag:     state.MakeTag(dep),
		Result:  state.Bool(true),
		Changes: map[string]any{},
	})}

	res := mustRun(t, e, rs, entry)
	want := "onchanges test: dep has no changes"
	if !res.Failed() || len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q failure, got result %v comment %v", want, res.Result, res.Comment)
	}
}

func TestEngine_Run_WatchReplacesReturnWithModWatch(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	chunk := presentChunk("alpha")
	rs.Managed[state.ESMTag(chunk)] = map[string]any{"name": "alpha", "resource_id": "a-0"}

	dep := presentChunk("dep")
	entry := entryFor(chunk)
	entry.Reqrets[state.ReqWatch] = []requisite.Reqret{reqretFor(state.ReqWatch, dep, &state.Result{
		Tag:     state.MakeTag(dep),
		Result:  state.Bool(true),
		Changes: map[string]any{"new": map[string]any{"size": 2}},
	})}

	res := mustRun(t, e, rs, entry)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got result %v comment %v", res.Result, res.Comment)
	}
	want := "mod_watch triggered for test:alpha"
	if len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected mod_watch to replace the return, got %v", res.Comment)
	}
	if res.NewState == nil || res.NewState["resource_id"] != "a-0" {
		t.Fatalf("Expected mod_watch to keep the existing state, got %v", res.NewState)
	}
}

func TestEngine_Run_WatchWithoutModWatchDowngrades(t *testing.T) {
	reg := provider.NewRegistry()
	if err := reg.Register(provider.Test()); err != nil {
		t.Fatalf("Register test provider: %v", err)
	}
	err := reg.Register(&provider.Provider{
		State: "bare",
		Funcs: map[string]provider.Func{
			"present": func(_ context.Context, _ *provider.Context, name string, _ map[string]any) *state.Return {
				return &state.Return{
					Result:   state.Bool(true),
					Comment:  []string{"enforced bare:" + name},
					NewState: map[string]any{"name": name},
				}
			},
		},
		Params: map[string][]string{"present": {"name"}},
	})
	if err != nil {
		t.Fatalf("Register bare provider: %v", err)
	}
	e := NewEngine(reg, zerolog.Nop())
	rs := state.NewRunState("unit")

	dep := presentChunk("dep")
	chunk := &state.Chunk{State: "bare", Name: "alpha", ID: "alpha", Fun: "present"}
	entry := entryFor(chunk)
	entry.Reqrets[state.ReqWatch] = []requisite.Reqret{reqretFor(state.ReqWatch, dep, &state.Result{
		Tag:     state.MakeTag(dep),
		Result:  state.Bool(true),
		Changes: map[string]any{"new": map[string]any{"size": 2}},
	})}

	res := mustRun(t, e, rs, entry)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got result %v comment %v", res.Result, res.Comment)
	}
	want := "bare does not implement mod_watch; watch acted as require"
	if len(res.Comment) != 2 || res.Comment[1] != want {
		t.Fatalf("Expected downgrade comment %q, got %v", want, res.Comment)
	}
}

func TestEngine_Run_ListenSchedulesListenerOnce(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	entry.Reqrets[state.ReqListen] = []requisite.Reqret{reqretFor(state.ReqListen, dep, &state.Result{
		Tag:     state.MakeTag(dep),
		Result:  state.Bool(true),
		Changes: map[string]any{"new": map[string]any{"size": 2}},
	})}

	mustRun(t, e, rs, entry)
	mustRun(t, e, rs, entry)
	if len(rs.PostLow) != 1 {
		t.Fatalf("Expected exactly one listener chunk, got %d", len(rs.PostLow))
	}
	listener := rs.PostLow[0]
	if listener.ID != "alpha_listen" || listener.Fun != "mod_watch" || listener.Order != -1 {
		t.Fatalf("Unexpected listener chunk: %+v", listener)
	}
}

func TestEngine_Run_TestModeSkipsESM(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	rs.Test = true
	entry := entryFor(presentChunk("alpha"))

	res := mustRun(t, e, rs, entry)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got result %v comment %v", res.Result, res.Comment)
	}
	if len(res.Comment) != 1 || res.Comment[0] != "Would enforce test:alpha" {
		t.Fatalf("Expected dry-run comment, got %v", res.Comment)
	}
	if len(rs.Managed) != 0 {
		t.Fatalf("Expected the enforced state to stay untouched, got %v", rs.Managed)
	}
}

func TestEngine_Run_RefreshPersistsDryRunState(t *testing.T) {
	reg := provider.NewRegistry()
	err := reg.Register(&provider.Provider{
		State: "probe",
		Funcs: map[string]provider.Func{
			"present": func(_ context.Context, _ *provider.Context, name string, _ map[string]any) *state.Return {
				return &state.Return{
					Result:   state.Bool(true),
					NewState: map[string]any{"name": name, "resource_id": name + "-live"},
				}
			},
		},
		Params: map[string][]string{"present": {"name"}},
	})
	if err != nil {
		t.Fatalf("Register probe provider: %v", err)
	}
	e := NewEngine(reg, zerolog.Nop())
	rs := state.NewRunState("unit")
	rs.Test = true
	rs.Refresh = true

	chunk := &state.Chunk{State: "probe", Name: "alpha", ID: "alpha", Fun: "present"}
	res := mustRun(t, e, rs, entryFor(chunk))
	esm := rs.Managed[res.ESMTag]
	if esm == nil || esm["resource_id"] != "alpha-live" {
		t.Fatalf("Expected refresh to persist the discovered state, got %v", esm)
	}
}

func TestEngine_Run_ForceSavePersistsFailedState(t *testing.T) {
	reg := provider.NewRegistry()
	err := reg.Register(&provider.Provider{
		State: "flaky",
		Funcs: map[string]provider.Func{
			"present": func(_ context.Context, _ *provider.Context, name string, _ map[string]any) *state.Return {
				return &state.Return{
					Result:    state.Bool(false),
					Comment:   []string{"partial apply"},
					OldState:  map[string]any{"name": name, "size": 1},
					NewState:  map[string]any{"name": name, "size": 2},
					ForceSave: true,
				}
			},
		},
		Params: map[string][]string{"present": {"name"}},
	})
	if err != nil {
		t.Fatalf("Register flaky provider: %v", err)
	}
	e := NewEngine(reg, zerolog.Nop())
	rs := state.NewRunState("unit")

	chunk := &state.Chunk{State: "flaky", Name: "alpha", ID: "alpha", Fun: "present"}
	res := mustRun(t, e, rs, entryFor(chunk))
	if !res.Failed() {
		t.Fatalf("Expected failure, got result %v", res.Result)
	}
	esm := rs.Managed[res.ESMTag]
	if esm == nil || esm["size"] != 2 {
		t.Fatalf("Expected force_save to persist the partial state, got %v", esm)
	}
}

func TestEngine_Run_MissingFunctionComment(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	chunk := presentChunk("alpha")
	chunk.Fun = "explode"

	res := mustRun(t, e, rs, entryFor(chunk))
	want := "Could not find function to enforce test. Please make sure that the corresponding plugin is loaded."
	if !res.Failed() || len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got result %v comment %v", want, res.Result, res.Comment)
	}
}

func TestEngine_Run_HaltedChunkReportsRecreation(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	chunk := presentChunk("alpha")
	chunk.HaltExecution = true

	res := mustRun(t, e, rs, entryFor(chunk))
	if !res.Succeeded() {
		t.Fatalf("Expected a halted chunk to report success, got %v", res.Result)
	}
	want := "The resource alpha will be recreated."
	if len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got %v", want, res.Comment)
	}
	if res.NewState != nil || len(rs.Managed) != 0 {
		t.Fatal("Expected a halted chunk to skip the state function")
	}
}

func TestEngine_Run_SensitiveRedactsChanges(t *testing.T) {
	reg := provider.NewRegistry()
	err := reg.Register(&provider.Provider{
		State: "vault",
		Funcs: map[string]provider.Func{
			"present": func(_ context.Context, _ *provider.Context, name string, _ map[string]any) *state.Return {
				return &state.Return{
					Result:   state.Bool(true),
					OldState: map[string]any{"name": name, "password": "old1", "size": 1},
					NewState: map[string]any{"name": name, "password": "new1", "size": 2},
				}
			},
		},
		Params: map[string][]string{"present": {"name"}},
	})
	if err != nil {
		t.Fatalf("Register vault provider: %v", err)
	}
	e := NewEngine(reg, zerolog.Nop())
	rs := state.NewRunState("unit")

	chunk := &state.Chunk{State: "vault", Name: "alpha", ID: "alpha", Fun: "present", Sensitive: []string{"password"}}
	res := mustRun(t, e, rs, entryFor(chunk))

	newSide, _ := res.Changes["new"].(map[string]any)
	oldSide, _ := res.Changes["old"].(map[string]any)
	if newSide == nil || oldSide == nil {
		t.Fatalf("Expected changes on both sides, got %v", res.Changes)
	}
	if _, leaked := newSide["password"]; leaked {
		t.Fatalf("Expected password redacted from new changes, got %v", newSide)
	}
	if _, leaked := oldSide["password"]; leaked {
		t.Fatalf("Expected password redacted from old changes, got %v", oldSide)
	}
	if newSide["size"] != 2 || oldSide["size"] != 1 {
		t.Fatalf("Expected size changes preserved, got %v", res.Changes)
	}
	if got := rs.Sensitive[entryTag(chunk)]; len(got) != 1 || got[0] != "password" {
		t.Fatalf("Expected sensitive registration, got %v", got)
	}
}

func entryTag(chunk *state.Chunk) string {
	return state.MakeTag(chunk)
}

func TestEngine_Run_ArgBindRewritesArguments(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	chunk := presentChunk("alpha")
	chunk.Args["vpc"] = "${test:dep:vpc_id}"

	entry := entryFor(chunk)
	reqret := reqretFor(state.ReqArgBind, dep, &state.Result{
		Tag:      state.MakeTag(dep),
		Result:   state.Bool(true),
		NewState: map[string]any{"vpc_id": "vpc-9"},
	})
	reqret.Binds = []state.Bind{{Source: "vpc_id", Target: "vpc"}}
	entry.Reqrets[state.ReqArgBind] = []requisite.Reqret{reqret}

	res := mustRun(t, e, rs, entry)
	if !res.Succeeded() {
		t.Fatalf("Expected success, got result %v comment %v", res.Result, res.Comment)
	}
	if chunk.Args["vpc"] != "vpc-9" {
		t.Fatalf("Expected the argument rewritten, got %v", chunk.Args["vpc"])
	}
	if res.NewState["vpc"] != "vpc-9" {
		t.Fatalf("Expected the bound value in the new state, got %v", res.NewState)
	}
}

func TestEngine_Run_ArgBindWithoutNewStateBlocks(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	reqret := reqretFor(state.ReqArgBind, dep, &state.Result{
		Tag:    state.MakeTag(dep),
		Result: state.Bool(true),
	})
	reqret.Binds = []state.Bind{{Source: "vpc_id", Target: "vpc"}}
	entry.Reqrets[state.ReqArgBind] = []requisite.Reqret{reqret}

	res := mustRun(t, e, rs, entry)
	want := `"test:dep" state does not have "new_state" in the state returns.`
	if !res.Failed() || len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got result %v comment %v", want, res.Result, res.Comment)
	}
}

func TestEngine_Run_PrereqBlocksWithoutChanges(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	rs.Low = []*state.Chunk{dep}

	chunk := presentChunk("alpha")
	chunk.AddRequire(state.ReqPrereq, state.Ref{State: "test", Name: "dep"})

	res := mustRun(t, e, rs, entryFor(chunk))
	want := "prereq test: dep has no changes"
	if !res.Failed() || len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got result %v comment %v", want, res.Result, res.Comment)
	}
}

func TestEngine_Run_PrereqPassesWithPendingChanges(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	dep.Args["changes"] = map[string]any{"new": map[string]any{"size": 1}}
	rs.Low = []*state.Chunk{dep}

	chunk := presentChunk("alpha")
	chunk.AddRequire(state.ReqPrereq, state.Ref{State: "test", Name: "dep"})

	res := mustRun(t, e, rs, entryFor(chunk))
	if !res.Succeeded() {
		t.Fatalf("Expected success, got result %v comment %v", res.Result, res.Comment)
	}
	if _, ran := rs.Running[state.MakeTag(dep)]; ran {
		t.Fatal("Expected the dry run to leave no result for the dependency")
	}
}

func TestEngine_Run_PrereqMissingReference(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	chunk := presentChunk("alpha")
	chunk.AddRequire(state.ReqPrereq, state.Ref{State: "test", Name: "ghost"})

	res := mustRun(t, e, rs, entryFor(chunk))
	want := "Requisite 'prereq test:ghost' not found in current run. Verify the syntax."
	if !res.Failed() || len(res.Comment) != 1 || res.Comment[0] != want {
		t.Fatalf("Expected %q, got result %v comment %v", want, res.Result, res.Comment)
	}
}

func TestEngine_Run_PendingRunsCarryRerunData(t *testing.T) {
	e := newTestEngine(t)
	rs := state.NewRunState("unit")
	chunk := presentChunk("alpha")
	chunk.Args["pending_runs"] = 2

	res := mustRun(t, e, rs, entryFor(chunk))
	if res.RerunData != 2 {
		t.Fatalf("Expected rerun data 2, got %v", res.RerunData)
	}
}

func TestEngine_Run_UnknownResolverIsStructural(t *testing.T) {
	e := newTestEngine(t)
	e.rmap[state.ReqRequire] = requisite.Def{
		Kind:     state.ReqRequire,
		Rules:    []requisite.RuleRef{{Name: "result", Condition: true}},
		Resolver: "bogus",
	}
	rs := state.NewRunState("unit")
	dep := presentChunk("dep")
	entry := entryFor(presentChunk("alpha"))
	entry.Reqrets[state.ReqRequire] = []requisite.Reqret{reqretFor(state.ReqRequire, dep, &state.Result{
		Tag:    state.MakeTag(dep),
		Result: state.Bool(true),
	})}

	_, err := e.Run(context.Background(), rs, entry, nil)
	if err == nil {
		t.Fatal("Expected a structural error for the unknown resolver")
	}
	if !state.IsStructural(err) {
		t.Fatalf("Expected a structural error, got %v", err)
	}
}
