package provider

import (
	"context"
	"fmt"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// controlArgs are test-provider arguments that steer the returned result
// instead of describing the resource.
var controlArgs = map[string]bool{
	"result":       true,
	"changes":      true,
	"comment":      true,
	"force_save":   true,
	"pending_runs": true,
}

// Test returns the built-in test provider. Its states are deterministic
// and honor their arguments, which makes them the workhorse for engine
// tests and demo runs.
func Test() *Provider {
	return &Provider{
		State: "test",
		Funcs: map[string]Func{
			"present":   testPresent,
			"absent":    testAbsent,
			"fail":      testFail,
			"mod_watch": testModWatch,
		},
		Params: map[string][]string{
			"present":   {"name", "resource_id", "result", "changes", "comment", "force_save", "pending_runs", "size", "value"},
			"absent":    {"name", "resource_id"},
			"fail":      {"name"},
			"mod_watch": {"name"},
		},
		IsPending: testIsPending,
		ReconcileWait: map[string]any{
			"static": map[string]any{"wait_in_seconds": 0},
		},
	}
}

func testPresent(_ context.Context, pctx *Context, name string, args map[string]any) *state.Return {
	ret := &state.Return{
		Result:   state.Bool(boolArg(args, "result", true)),
		OldState: pctx.OldState,
	}
	if c, ok := args["comment"].(string); ok {
		ret.Comment = append(ret.Comment, c)
	}
	if ch, ok := args["changes"].(map[string]any); ok {
		ret.Changes = ch
	}
	ret.ForceSave = boolArg(args, "force_save", false)

	if pctx.Test {
		ret.Comment = append(ret.Comment, fmt.Sprintf("Would enforce test:%s", name))
		return ret
	}

	newState := map[string]any{"name": name}
	if pctx.OldState != nil {
		if id, ok := pctx.OldState["resource_id"]; ok {
			newState["resource_id"] = id
		}
	}
	if _, ok := newState["resource_id"]; !ok {
		newState["resource_id"] = name + "-id"
	}
	for k, v := range args {
		if controlArgs[k] {
			continue
		}
		newState[k] = v
	}
	ret.NewState = newState

	if runs := intArg(args, "pending_runs", 0); runs > 0 {
		remaining := runs
		if prev, ok := pctx.RerunData.(int); ok {
			remaining = prev - 1
		}
		if remaining > 0 {
			ret.RerunData = remaining
			ret.Comment = append(ret.Comment, fmt.Sprintf("test:%s has %d pending runs left", name, remaining))
		}
	}
	return ret
}

func testAbsent(_ context.Context, pctx *Context, name string, args map[string]any) *state.Return {
	ret := &state.Return{
		Result:   state.Bool(boolArg(args, "result", true)),
		OldState: pctx.OldState,
	}
	if pctx.OldState == nil {
		ret.Comment = append(ret.Comment, fmt.Sprintf("test:%s is already absent", name))
		return ret
	}
	if pctx.Test {
		ret.Comment = append(ret.Comment, fmt.Sprintf("Would remove test:%s", name))
		ret.NewState = pctx.OldState
		return ret
	}
	return ret
}

func testFail(_ context.Context, pctx *Context, name string, _ map[string]any) *state.Return {
	return &state.Return{
		Result:   state.Bool(false),
		OldState: pctx.OldState,
		Comment:  []string{fmt.Sprintf("test:%s failed", name)},
	}
}

func testModWatch(_ context.Context, pctx *Context, name string, _ map[string]any) *state.Return {
	return &state.Return{
		Result:   state.Bool(true),
		OldState: pctx.OldState,
		NewState: pctx.OldState,
		Comment:  []string{fmt.Sprintf("mod_watch triggered for test:%s", name)},
	}
}

// testIsPending keeps reconciling while the last run left pending runs in
// its rerun data.
func testIsPending(ret *state.Result, _ PendingArgs) bool {
	if remaining, ok := ret.RerunData.(int); ok {
		return remaining > 0
	}
	return ret.Result == nil || !*ret.Result
}

// Data returns the built-in data provider: write stores literal values so
// runs can pipe computed values through arg_bind. It manages no real
// resource, so it bypasses the enforced state store and never reconciles.
func Data() *Provider {
	return &Provider{
		State: "data",
		Funcs: map[string]Func{
			"write": dataWrite,
		},
		Params: map[string][]string{
			"write": {"name", "value"},
		},
		SkipESM:   true,
		IsPending: func(*state.Result, PendingArgs) bool { return false },
	}
}

func dataWrite(_ context.Context, pctx *Context, name string, args map[string]any) *state.Return {
	newState := map[string]any{"name": name}
	for k, v := range args {
		newState[k] = v
	}
	comment := fmt.Sprintf("Wrote data:%s", name)
	if pctx.Test {
		comment = fmt.Sprintf("Would write data:%s", name)
	}
	return &state.Return{
		Result:   state.Bool(true),
		NewState: newState,
		Comment:  []string{comment},
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
