// Package state defines the core data model for fixpoint runs: high-level
// declarations, compiled low chunks, chunk tags, execution results, and the
// per-run context that every phase of the engine operates on.
package state

import (
	"sort"
	"time"
)

// Declaration is the body of one declaration ID: a map from state ref
// (e.g. "cloud.instance") to its entry list. Entries mix exactly one
// function name (a string) with argument maps, including requisite
// keyword entries.
type Declaration map[string][]any

// ExcludeRef names high data to drop before low compilation. Either ID is
// set (drop a whole declaration) or State and Name are set (drop a single
// state entry).
type ExcludeRef struct {
	ID    string `json:"id,omitempty"`
	State string `json:"state,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ExtendEntry is one extend block targeting a declaration ID. Separate
// source files extending the same ID produce separate entries, applied in
// load order. SLS names the file the block came from for error reporting.
type ExtendEntry struct {
	ID   string      `json:"id"`
	SLS  string      `json:"sls,omitempty"`
	Body Declaration `json:"body"`
}

// High is the declaration tree produced by the loader. The special
// "extend" and "__exclude__" sections are lifted out of the declaration
// map so compiler stages do not have to special-case keys.
type High struct {
	// Declarations maps declaration ID to its body.
	Declarations map[string]Declaration `json:"declarations"`

	// Extend holds bodies merged into other declarations by the extend
	// stage. Requisite keys append, other keys replace.
	Extend []ExtendEntry `json:"extend,omitempty"`

	// Exclude lists declarations or state entries dropped before low
	// compilation.
	Exclude []ExcludeRef `json:"exclude,omitempty"`

	// DeclOrder preserves source order of declaration IDs. Unordered
	// chunks execute in this order; IDs missing from the list sort
	// lexicographically after it.
	DeclOrder []string `json:"-"`
}

// OrderedIDs returns declaration IDs in source order, appending any IDs
// not tracked in DeclOrder in lexicographic order.
func (h *High) OrderedIDs() []string {
	out := make([]string, 0, len(h.Declarations))
	seen := make(map[string]bool, len(h.Declarations))
	for _, id := range h.DeclOrder {
		if _, ok := h.Declarations[id]; ok && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range h.Declarations {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// NewHigh returns an empty High with initialized maps.
func NewHigh() *High {
	return &High{
		Declarations: make(map[string]Declaration),
	}
}

// ReqKind identifies a requisite keyword.
type ReqKind string

const (
	// ReqRequire gates execution on the dependency having succeeded.
	ReqRequire ReqKind = "require"

	// ReqWatch behaves like require and additionally triggers the watched
	// chunk's mod_watch function when the dependency reported changes.
	ReqWatch ReqKind = "watch"

	// ReqOnChanges gates execution on the dependency reporting changes.
	ReqOnChanges ReqKind = "onchanges"

	// ReqOnFail gates execution on at least one dependency having failed.
	ReqOnFail ReqKind = "onfail"

	// ReqArgBind binds values out of a dependency's new state into the
	// current chunk's arguments at execution time.
	ReqArgBind ReqKind = "arg_bind"

	// ReqListen schedules a listener invocation at the end of the run when
	// the dependency reported changes.
	ReqListen ReqKind = "listen"

	// ReqPrereq dry-runs the dependency and gates on it reporting changes.
	ReqPrereq ReqKind = "prereq"

	// ReqSensitive marks argument paths whose values are redacted from
	// reports and events.
	ReqSensitive ReqKind = "sensitive"

	// ReqRecreateOnUpdate replaces an in-place update with an absent plus
	// present pair of chunks.
	ReqRecreateOnUpdate ReqKind = "recreate_on_update"
)

// requisiteKeywords are declaration keys that define dependency edges.
var requisiteKeywords = map[string]ReqKind{
	"require":            ReqRequire,
	"watch":              ReqWatch,
	"onchanges":          ReqOnChanges,
	"onfail":             ReqOnFail,
	"arg_bind":           ReqArgBind,
	"listen":             ReqListen,
	"prereq":             ReqPrereq,
	"sensitive":          ReqSensitive,
	"recreate_on_update": ReqRecreateOnUpdate,
}

// requisiteInKeywords are declaration keys inverted into forward
// requisites on the referenced declaration by the compiler.
var requisiteInKeywords = map[string]bool{
	"require_in":   true,
	"watch_in":     true,
	"onchanges_in": true,
	"onfail_in":    true,
	"listen_in":    true,
	"prereq_in":    true,
	"use":          true,
	"use_in":       true,
}

// runtimeKeywords are declaration keys consumed by the engine itself and
// never passed to state functions.
var runtimeKeywords = map[string]bool{
	"order":          true,
	"fun":            true,
	"state":          true,
	"name":           true,
	"names":          true,
	"rerun_data":     true,
	"ignore_changes": true,
	"unique":         true,
	"parallel":       true,
}

// RequisiteKeyword reports whether key declares a requisite edge and
// returns its kind.
func RequisiteKeyword(key string) (ReqKind, bool) {
	k, ok := requisiteKeywords[key]
	return k, ok
}

// RequisiteInKeyword reports whether key is an inverted requisite form.
func RequisiteInKeyword(key string) bool {
	return requisiteInKeywords[key]
}

// InternalKeyword reports whether key is consumed by the engine and must
// not reach a state function.
func InternalKeyword(key string) bool {
	if _, ok := requisiteKeywords[key]; ok {
		return true
	}
	return requisiteInKeywords[key] || runtimeKeywords[key]
}

// Bind is one arg_bind path pair. Source is a colon-delimited path into
// the dependency's new state, Target the path in the current chunk's args
// that receives the value. Path segments may carry [n] or [*] indexes.
type Bind struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Ref is one requisite reference. Name matches against chunk names or
// declaration IDs with glob semantics.
type Ref struct {
	State string `json:"state"`
	Name  string `json:"name"`
	Binds []Bind `json:"binds,omitempty"`
}

// Chunk is a single executable unit compiled from high data.
type Chunk struct {
	// State is the state ref, e.g. "cloud.instance".
	State string `json:"state"`

	// Name is the resource name passed to the state function.
	Name string `json:"name"`

	// ID is the declaration ID this chunk was compiled from.
	ID string `json:"__id__"`

	// Fun is the state function to invoke.
	Fun string `json:"fun"`

	// Order is the execution priority. The fractional part breaks ties
	// between multiple names declared under one ID.
	Order float64 `json:"order"`

	// SLS names the source file the declaration came from.
	SLS string `json:"sls,omitempty"`

	// Args holds the declaration arguments passed to the state function.
	Args map[string]any `json:"args,omitempty"`

	// Requires holds requisite edges keyed by kind.
	Requires map[ReqKind][]Ref `json:"requires,omitempty"`

	// Unique, when non-empty, serializes this chunk against every other
	// chunk of the same state ref carrying the same value.
	Unique string `json:"unique,omitempty"`

	// IgnoreChanges lists argument paths excluded from change detection.
	IgnoreChanges []string `json:"ignore_changes,omitempty"`

	// Sensitive lists argument names redacted from reported changes.
	Sensitive []string `json:"sensitive,omitempty"`

	// RecreateOnUpdate carries the recreate requisite's parameter map. The
	// recreate rule validates the shape at execution time.
	RecreateOnUpdate any `json:"recreate_on_update,omitempty"`

	// Parallel marks the chunk eligible for the parallel executor.
	Parallel bool `json:"parallel,omitempty"`

	// RerunData carries opaque state between reconciliation re-runs.
	RerunData any `json:"rerun_data,omitempty"`

	// HaltExecution is set by the recreate flow: the chunk's function is
	// not invoked and a recreation comment is recorded instead.
	HaltExecution bool `json:"-"`

	// RecreationFlow marks chunks that belong to a recreate sequence.
	RecreationFlow bool `json:"-"`
}

// AddRequire appends a requisite edge of the given kind.
func (c *Chunk) AddRequire(kind ReqKind, ref Ref) {
	if c.Requires == nil {
		c.Requires = make(map[ReqKind][]Ref)
	}
	c.Requires[kind] = append(c.Requires[kind], ref)
}

// Copy returns a deep copy of the chunk.
func (c *Chunk) Copy() *Chunk {
	out := *c
	out.Args = copyMap(c.Args)
	if c.Requires != nil {
		out.Requires = make(map[ReqKind][]Ref, len(c.Requires))
		for kind, refs := range c.Requires {
			out.Requires[kind] = append([]Ref(nil), refs...)
		}
	}
	out.IgnoreChanges = append([]string(nil), c.IgnoreChanges...)
	out.Sensitive = append([]string(nil), c.Sensitive...)
	out.RecreateOnUpdate = copyValue(c.RecreateOnUpdate)
	return &out
}

// Return is what a state function reports back to the engine.
type Return struct {
	// Result is tri-state: nil means not evaluated, otherwise pass/fail.
	Result *bool `json:"result"`

	// Comment holds human-readable notes about what happened.
	Comment []string `json:"comment,omitempty"`

	// OldState is the resource state before the operation.
	OldState map[string]any `json:"old_state"`

	// NewState is the resource state after the operation. A nil new state
	// on success removes the resource from the enforced state.
	NewState map[string]any `json:"new_state"`

	// Changes describes what changed, usually a DeepDiff of old and new.
	Changes map[string]any `json:"changes,omitempty"`

	// RerunData is carried into the next reconciliation re-run.
	RerunData any `json:"rerun_data,omitempty"`

	// ForceSave persists NewState even when Result is not true. It is
	// consumed by the engine and never surfaced in results.
	ForceSave bool `json:"force_save,omitempty"`

	// RecreationFlow marks this return as part of a recreate sequence.
	RecreationFlow bool `json:"recreation_flow,omitempty"`
}

// Result is one entry of the running map.
type Result struct {
	Tag            string         `json:"tag"`
	Name           string         `json:"name"`
	ID             string         `json:"__id__"`
	Ref            string         `json:"ref,omitempty"`
	Result         *bool          `json:"result"`
	Comment        []string       `json:"comment,omitempty"`
	Changes        map[string]any `json:"changes"`
	OldState       map[string]any `json:"old_state,omitempty"`
	NewState       map[string]any `json:"new_state,omitempty"`
	RerunData      any            `json:"rerun_data,omitempty"`
	ESMTag         string         `json:"esm_tag"`
	RunNum         int            `json:"run_num"`
	RecreationFlow bool           `json:"recreation_flow,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	Duration       time.Duration  `json:"total_seconds"`
}

// Succeeded reports whether the result is explicitly true.
func (r *Result) Succeeded() bool {
	return r.Result != nil && *r.Result
}

// Failed reports whether the result is explicitly false.
func (r *Result) Failed() bool {
	return r.Result != nil && !*r.Result
}

// Copy returns a deep copy of the result.
func (r *Result) Copy() *Result {
	out := *r
	out.Comment = append([]string(nil), r.Comment...)
	out.Changes = copyMap(r.Changes)
	out.OldState = copyMap(r.OldState)
	out.NewState = copyMap(r.NewState)
	return &out
}

// Bool returns a pointer to v for tri-state results.
func Bool(v bool) *bool {
	return &v
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusCreated          Status = "created"
	StatusGathering        Status = "gathering"
	StatusCompiling        Status = "compiling"
	StatusRunning          Status = "running"
	StatusFinished         Status = "finished"
	StatusCompilationError Status = "compilation_error"
	StatusGatherError      Status = "gather_error"
	StatusRuntimeError     Status = "runtime_error"
	StatusUndefined        Status = "undefined"
)

// IsError reports whether the status is one of the error terminals.
func (s Status) IsError() bool {
	switch s {
	case StatusCompilationError, StatusGatherError, StatusRuntimeError:
		return true
	}
	return false
}

// Terminal reports whether the run reached a final status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s.IsError()
}

// SourceMeta records where a declaration came from.
type SourceMeta struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
}

// Treq declares transparent requisites for a state ref. Providers attach
// one to make every chunk of theirs depend on other states without the
// declaration spelling it out.
type Treq struct {
	// Funcs maps a function name to requisite kinds and "state.fun" paths
	// every chunk invoking that function depends on.
	Funcs map[string]map[ReqKind][]string

	// Unique lists functions serialized per state ref: at most one chunk
	// of the group executes per pass.
	Unique []string
}

// RunState is the explicit per-run context threaded through every engine
// phase. Nothing engine-global hides behind it: two runs with distinct
// RunStates never share mutable state.
type RunState struct {
	// Name identifies the run; the ESM lock and cache are keyed by it.
	Name string `json:"name"`

	// RunID is a unique identifier for this invocation of the run.
	RunID string `json:"run_id"`

	// High is the declaration tree being compiled.
	High *High `json:"-"`

	// Low is the compiled, ordered chunk list.
	Low []*Chunk `json:"low"`

	// Running maps chunk tag to its execution result.
	Running map[string]*Result `json:"running"`

	// Errors accumulates declaration errors. They do not abort
	// compilation individually; a non-empty list fails the run before
	// execution starts.
	Errors []string `json:"errors,omitempty"`

	// Managed is the enforced state cache view, keyed by ESM tag.
	Managed map[string]map[string]any `json:"-"`

	// RunNum counts executor passes, starting at 1.
	RunNum int `json:"run_num"`

	// PostLow holds listener chunks appended once near the end of a run.
	PostLow []*Chunk `json:"-"`

	// AddLow holds chunks appended mid-run by the recreate flow.
	AddLow []*Chunk `json:"-"`

	// Sensitive maps chunk tag to argument paths redacted from output.
	Sensitive map[string][]string `json:"-"`

	// Meta maps declaration ID to its source location.
	Meta map[string]SourceMeta `json:"-"`

	// Test runs every state function in dry-run mode.
	Test bool `json:"test"`

	// Refresh persists dry-run states to the enforced state store. Used
	// to rebuild the store from live resources without changing them.
	Refresh bool `json:"refresh,omitempty"`

	// InvertState compiles a teardown run: present and absent functions
	// swap and ordering reverses.
	InvertState bool `json:"invert_state"`

	// Status is the run lifecycle state.
	Status Status `json:"status"`
}

// NewRunState returns a RunState in the created status with initialized
// collections. RunNum starts at 1.
func NewRunState(name string) *RunState {
	return &RunState{
		Name:      name,
		High:      NewHigh(),
		Running:   make(map[string]*Result),
		Managed:   make(map[string]map[string]any),
		RunNum:    1,
		Sensitive: make(map[string][]string),
		Meta:      make(map[string]SourceMeta),
		Status:    StatusCreated,
	}
}

// AddError appends a declaration error.
func (rs *RunState) AddError(msg string) {
	rs.Errors = append(rs.Errors, msg)
}

// copyMap deep-copies nested map[string]any and []any values. Scalars and
// other types are shared.
func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
