// Package rules executes sequence entries: it checks every satisfied
// requisite against the requisite map's rules, aggregates the outcomes
// through the configured resolvers, invokes the state function, applies
// the enforced-state update policy, and records the result.
package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Check is the outcome of one rule evaluation: errors block the chunk,
// Pre runs before the state function, Post after it with the return
// available.
type Check struct {
	Errors []string
	Pre    PreFunc
	Post   PostFunc
}

// Call is the prepared state-function invocation handed to Pre and Post
// hooks.
type Call struct {
	Ctx  *provider.Context
	Name string
	Args map[string]any
}

// PreFunc runs before the state function. An error fails the chunk.
type PreFunc func(ctx context.Context, call *Call) error

// PostFunc runs after the state function. A non-nil return replaces the
// chunk's return, which is how watch swaps in the mod_watch result.
type PostFunc func(ctx context.Context, call *Call, ret *state.Return) (*state.Return, error)

// RuleContext is the evaluation context shared by every rule checked for
// one chunk.
type RuleContext struct {
	Run      *state.RunState
	Chunk    *state.Chunk
	Tag      string
	Seq      map[int]*requisite.Entry
	Registry *provider.Registry
	Log      zerolog.Logger
}

// Rule checks one satisfied requisite reference against its condition.
type Rule func(ctx context.Context, rctx *RuleContext, condition any, reqret *requisite.Reqret) Check

// refLabel names the dependency a rule error talks about.
func refLabel(reqret *requisite.Reqret) string {
	return fmt.Sprintf("%s %s: %s", reqret.Kind, reqret.State, reqret.Name)
}

// resultRule requires the dependency's result to match the condition:
// true for require-style edges, false for onfail.
func resultRule(_ context.Context, _ *RuleContext, condition any, reqret *requisite.Reqret) Check {
	want, _ := condition.(bool)
	got := reqret.Ret != nil && reqret.Ret.Result != nil && *reqret.Ret.Result
	if got == want {
		return Check{}
	}
	if !want {
		return Check{Errors: []string{refLabel(reqret) + " did not fail"}}
	}
	msg := refLabel(reqret) + " failed"
	if reqret.Ret != nil && len(reqret.Ret.Comment) > 0 {
		msg += ": " + strings.Join(reqret.Ret.Comment, "\n")
	}
	return Check{Errors: []string{msg}}
}

// changesRule requires the dependency to have reported changes.
func changesRule(_ context.Context, _ *RuleContext, condition any, reqret *requisite.Reqret) Check {
	want, _ := condition.(bool)
	got := reqret.Ret != nil && len(reqret.Ret.Changes) > 0
	if got == want {
		return Check{}
	}
	if want {
		return Check{Errors: []string{refLabel(reqret) + " has no changes"}}
	}
	return Check{Errors: []string{refLabel(reqret) + " has changes"}}
}

// changesPostRule arms watch: when the dependency reported changes, the
// chunk's own function runs first and the named function (mod_watch)
// runs after it, replacing the return. A provider without the function
// downgrades to a comment.
func changesPostRule(e *Engine) Rule {
	return func(_ context.Context, rctx *RuleContext, condition any, reqret *requisite.Reqret) Check {
		if reqret.Ret == nil || len(reqret.Ret.Changes) == 0 {
			return Check{}
		}
		fun, _ := condition.(string)
		if fun == "" {
			fun = "mod_watch"
		}
		chunk := rctx.Chunk
		return Check{Post: func(ctx context.Context, call *Call, ret *state.Return) (*state.Return, error) {
			fn, ok := rctx.Registry.Lookup(chunk.State, fun)
			if !ok {
				if ret != nil {
					ret.Comment = append(ret.Comment, fmt.Sprintf(
						"%s does not implement %s; watch acted as require", chunk.State, fun))
				}
				return nil, nil
			}
			return e.invoke(ctx, fn, call.Ctx, chunk.Name, call.Args), nil
		}}
	}
}

// postLowRule arms listen: when the dependency reported changes, a
// listener chunk running the current chunk's mod_watch is scheduled once
// for the end of the run.
func postLowRule(_ context.Context, rctx *RuleContext, _ any, reqret *requisite.Reqret) Check {
	if reqret.Ret == nil || len(reqret.Ret.Changes) == 0 {
		return Check{}
	}
	chunk := rctx.Chunk
	listener := &state.Chunk{
		State: chunk.State,
		Name:  chunk.Name,
		ID:    chunk.ID + "_listen",
		Fun:   "mod_watch",
		Order: -1,
		SLS:   chunk.SLS,
		Args:  copyArgs(chunk.Args),
	}
	tag := state.MakeTag(listener)
	for _, existing := range rctx.Run.PostLow {
		if state.MakeTag(existing) == tag {
			return Check{}
		}
	}
	rctx.Run.PostLow = append(rctx.Run.PostLow, listener)
	return Check{}
}

func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
