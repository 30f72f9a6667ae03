// Package requisite sequences compiled low chunks for execution. It
// expands each chunk's requisite references against the current run,
// falls back to the enforced state for references satisfied by an earlier
// run, serializes chunks marked unique, and aggregates per-dependency
// rule outcomes into a pass or a set of blocking errors.
package requisite

import "github.com/fixpoint-io/fixpoint/pkg/state"

// RuleRef names a rule together with the condition the rule checks a
// dependency's result against. The rule engine resolves the name in its
// rule registry.
type RuleRef struct {
	Name      string
	Condition any
}

// Def describes how one requisite keyword behaves: the rules every
// satisfied reference is checked with, and the resolver that aggregates
// the outcomes. RuntimeOnly keywords never form sequence edges; their
// rules fire during chunk execution instead.
type Def struct {
	Kind        state.ReqKind
	Rules       []RuleRef
	Resolver    string
	RuntimeOnly bool
}

var defs = map[state.ReqKind]Def{
	state.ReqRequire: {
		Kind:     state.ReqRequire,
		Rules:    []RuleRef{{Name: "result", Condition: true}},
		Resolver: ResolverAll,
	},
	state.ReqWatch: {
		Kind: state.ReqWatch,
		Rules: []RuleRef{
			{Name: "result", Condition: true},
			{Name: "changes_post", Condition: "mod_watch"},
		},
		Resolver: ResolverAll,
	},
	state.ReqOnChanges: {
		Kind:     state.ReqOnChanges,
		Rules:    []RuleRef{{Name: "changes", Condition: true}},
		Resolver: ResolverAll,
	},
	state.ReqOnFail: {
		Kind:     state.ReqOnFail,
		Rules:    []RuleRef{{Name: "result", Condition: false}},
		Resolver: ResolverAny,
	},
	state.ReqArgBind: {
		Kind: state.ReqArgBind,
		Rules: []RuleRef{
			{Name: "result", Condition: true},
			{Name: "arg_resolver", Condition: "arg_bind"},
		},
		Resolver: ResolverAll,
	},
	state.ReqListen: {
		Kind:     state.ReqListen,
		Rules:    []RuleRef{{Name: "post_low", Condition: true}},
		Resolver: ResolverAll,
	},
	state.ReqPrereq: {
		Kind:        state.ReqPrereq,
		Rules:       []RuleRef{{Name: "prereq", Condition: "changes"}},
		Resolver:    ResolverAll,
		RuntimeOnly: true,
	},
	state.ReqSensitive: {
		Kind:        state.ReqSensitive,
		Rules:       []RuleRef{{Name: "sensitive", Condition: true}},
		Resolver:    ResolverAll,
		RuntimeOnly: true,
	},
	state.ReqRecreateOnUpdate: {
		Kind:        state.ReqRecreateOnUpdate,
		Rules:       []RuleRef{{Name: "recreate_on_update", Condition: "recreate_on_update"}},
		Resolver:    ResolverAll,
		RuntimeOnly: true,
	},
}

// Defs returns the requisite map. The result is a fresh copy, so one
// engine overriding a resolver name does not affect another.
func Defs() map[state.ReqKind]Def {
	out := make(map[state.ReqKind]Def, len(defs))
	for kind, def := range defs {
		def.Rules = append([]RuleRef(nil), def.Rules...)
		out[kind] = def
	}
	return out
}

// Kinds returns every requisite keyword in declaration order.
func Kinds() []state.ReqKind {
	return []state.ReqKind{
		state.ReqRequire,
		state.ReqWatch,
		state.ReqOnChanges,
		state.ReqOnFail,
		state.ReqArgBind,
		state.ReqListen,
		state.ReqPrereq,
		state.ReqSensitive,
		state.ReqRecreateOnUpdate,
	}
}

// EdgeKinds returns the keywords whose references form sequence edges.
func EdgeKinds() []state.ReqKind {
	out := make([]state.ReqKind, 0, len(defs))
	for _, kind := range Kinds() {
		if !defs[kind].RuntimeOnly {
			out = append(out, kind)
		}
	}
	return out
}
