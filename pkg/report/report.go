// Package report turns a finished run into a serializable summary for
// the CLI and for machine consumers.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Outcome classifies what one state execution did to its resource.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeNoop       Outcome = "no-op"
	OutcomeFailed     Outcome = "failed"
	OutcomeUnresolved Outcome = "unresolved"
)

// Entry is one state execution in the report.
type Entry struct {
	Tag      string         `json:"tag"`
	ID       string         `json:"id"`
	State    string         `json:"state"`
	Name     string         `json:"name"`
	Fun      string         `json:"fun"`
	Result   *bool          `json:"result"`
	Outcome  Outcome        `json:"outcome"`
	Comment  []string       `json:"comment,omitempty"`
	Changes  map[string]any `json:"changes,omitempty"`
	Duration time.Duration  `json:"duration"`
	Started  time.Time      `json:"started"`

	// Count is set only on the synthetic no_changes entry.
	Count int `json:"count,omitempty"`
}

// Report is the full run summary.
type Report struct {
	Run     string         `json:"run"`
	RunID   string         `json:"run_id,omitempty"`
	Status  state.Status   `json:"status"`
	Test    bool           `json:"test"`
	Entries []Entry        `json:"entries"`
	Errors  []string       `json:"errors,omitempty"`
	Pending []string       `json:"pending,omitempty"`
	Counts  map[Outcome]int `json:"counts"`
}

// Options controls report shaping.
type Options struct {
	// OmitNoop collapses result-true entries with no changes into one
	// synthetic counter entry.
	OmitNoop bool
}

// Build summarizes a finished run state. Sensitive argument paths are
// redacted from every entry's changes; counts classify each result by
// outcome; pending lists tags that still carried rerun data when the
// run ended.
func Build(rs *state.RunState, opts Options) *Report {
	rep := &Report{
		Run:    rs.Name,
		RunID:  rs.RunID,
		Status: rs.Status,
		Test:   rs.Test,
		Errors: append([]string(nil), rs.Errors...),
		Counts: make(map[Outcome]int),
	}

	noChanges := 0
	for _, tag := range orderedTags(rs) {
		res := rs.Running[tag]
		entry := buildEntry(rs, tag, res)
		rep.Counts[entry.Outcome]++

		if res.RerunData != nil {
			rep.Pending = append(rep.Pending, tag)
		}

		if opts.OmitNoop && res.Succeeded() && len(res.Changes) == 0 {
			noChanges++
			continue
		}
		rep.Entries = append(rep.Entries, entry)
	}

	if opts.OmitNoop && noChanges > 0 {
		rep.Entries = append(rep.Entries, Entry{
			Tag:     "no_changes",
			ID:      "no_changes",
			Outcome: OutcomeNoop,
			Comment: []string{fmt.Sprintf("%d states ran with no changes", noChanges)},
			Count:   noChanges,
		})
	}

	return rep
}

func buildEntry(rs *state.RunState, tag string, res *state.Result) Entry {
	stateRef, id, name, fun := state.SplitTag(tag)
	return Entry{
		Tag:      tag,
		ID:       id,
		State:    stateRef,
		Name:     name,
		Fun:      fun,
		Result:   res.Result,
		Outcome:  classify(fun, res),
		Comment:  append([]string(nil), res.Comment...),
		Changes:  Redact(res.Changes, rs.Sensitive[tag]),
		Duration: res.Duration,
		Started:  res.StartTime,
	}
}

// classify maps a result onto an outcome. A successful present with no
// prior state created the resource, with changes it updated it, and
// with neither it was a no-op; a successful absent deleted the resource
// only when there was something to delete.
func classify(fun string, res *state.Result) Outcome {
	switch {
	case res.Failed():
		return OutcomeFailed
	case res.Result == nil:
		return OutcomeUnresolved
	}

	switch fun {
	case "absent":
		if len(res.OldState) == 0 {
			return OutcomeNoop
		}
		return OutcomeDeleted
	default:
		if len(res.OldState) == 0 {
			return OutcomeCreated
		}
		if len(res.Changes) > 0 {
			return OutcomeUpdated
		}
		return OutcomeNoop
	}
}

// Redact returns a deep copy of value with every key named by paths
// replaced at any depth. The original maps are never modified.
func Redact(value map[string]any, paths []string) map[string]any {
	if len(value) == 0 {
		return value
	}
	hidden := make(map[string]bool, len(paths))
	for _, p := range paths {
		hidden[p] = true
	}
	out, _ := redactValue(value, hidden).(map[string]any)
	return out
}

const redactedPlaceholder = "<redacted>"

func redactValue(value any, hidden map[string]bool) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if hidden[key] {
				out[key] = redactedPlaceholder
				continue
			}
			out[key] = redactValue(item, hidden)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item, hidden)
		}
		return out
	}
	return value
}

// orderedTags walks the running map in low order first, then any tags
// the low no longer tracks (post-low listeners, recreation chunks) in
// lexicographic order.
func orderedTags(rs *state.RunState) []string {
	seen := make(map[string]bool, len(rs.Running))
	var tags []string
	for _, chunk := range rs.Low {
		tag := state.MakeTag(chunk)
		if _, ok := rs.Running[tag]; ok && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	var rest []string
	for tag := range rs.Running {
		if !seen[tag] {
			rest = append(rest, tag)
		}
	}
	sort.Strings(rest)
	return append(tags, rest...)
}
