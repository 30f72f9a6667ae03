// Package policy is the admission gate between compilation and
// execution.
//
// Policies are Rego modules whose deny ruleset is evaluated over the
// compiled low chunks (input.chunks, plus the run name and test flag).
// Each denial carries a message and a severity: error denials abort the
// run before the runtime starts, warn and info denials surface as run
// warnings. The engine ships two builtin policies and loads custom
// .rego or .json policy files from the run configuration's policy
// paths.
package policy
