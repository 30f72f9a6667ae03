package report

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func resultFor(rs *state.RunState, id, stateRef, name, fun string, res *state.Result) {
	chunk := &state.Chunk{ID: id, State: stateRef, Name: name, Fun: fun}
	tag := state.MakeTag(chunk)
	res.Tag = tag
	res.ID = id
	res.Name = name
	rs.Low = append(rs.Low, chunk)
	rs.Running[tag] = res
}

func TestBuild_OutcomeCounts(t *testing.T) {
	rs := state.NewRunState("deploy")
	rs.Status = state.StatusFinished

	resultFor(rs, "a", "cloud.instance", "a", "present", &state.Result{
		Result:   state.Bool(true),
		NewState: map[string]any{"name": "a"},
		Changes:  map[string]any{"new": map[string]any{"name": "a"}},
	})
	resultFor(rs, "b", "cloud.instance", "b", "present", &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"size": "small"},
		NewState: map[string]any{"size": "large"},
		Changes:  map[string]any{"new": map[string]any{"size": "large"}},
	})
	resultFor(rs, "c", "cloud.instance", "c", "present", &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"name": "c"},
		NewState: map[string]any{"name": "c"},
	})
	resultFor(rs, "d", "cloud.instance", "d", "absent", &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"name": "d"},
	})
	resultFor(rs, "e", "cloud.instance", "e", "absent", &state.Result{
		Result: state.Bool(true),
	})
	resultFor(rs, "f", "cloud.instance", "f", "present", &state.Result{
		Result:  state.Bool(false),
		Comment: []string{"boom"},
	})

	rep := Build(rs, Options{})

	want := map[Outcome]int{
		OutcomeCreated: 1,
		OutcomeUpdated: 1,
		OutcomeNoop:    2,
		OutcomeDeleted: 1,
		OutcomeFailed:  1,
	}
	for outcome, count := range want {
		if rep.Counts[outcome] != count {
			t.Errorf("Expected %d %s, got %d", count, outcome, rep.Counts[outcome])
		}
	}
	if len(rep.Entries) != 6 {
		t.Fatalf("Expected 6 entries, got %d", len(rep.Entries))
	}
	// Entries follow low order.
	if rep.Entries[0].ID != "a" || rep.Entries[5].ID != "f" {
		t.Errorf("Expected low order, got %s..%s", rep.Entries[0].ID, rep.Entries[5].ID)
	}
	if rep.Entries[0].Fun != "present" || rep.Entries[0].State != "cloud.instance" {
		t.Errorf("Expected the tag to split into state/fun, got %+v", rep.Entries[0])
	}
}

func TestBuild_OmitNoopCollapses(t *testing.T) {
	rs := state.NewRunState("deploy")
	rs.Status = state.StatusFinished

	resultFor(rs, "a", "test", "a", "present", &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"name": "a"},
	})
	resultFor(rs, "b", "test", "b", "present", &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"name": "b"},
	})
	resultFor(rs, "c", "test", "c", "present", &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"size": "small"},
		Changes:  map[string]any{"new": map[string]any{"size": "large"}},
	})
	resultFor(rs, "d", "test", "d", "present", &state.Result{
		Result: state.Bool(false),
	})

	rep := Build(rs, Options{OmitNoop: true})

	if len(rep.Entries) != 3 {
		t.Fatalf("Expected changed, failed, and counter entries, got %d: %+v",
			len(rep.Entries), rep.Entries)
	}
	last := rep.Entries[len(rep.Entries)-1]
	if last.Tag != "no_changes" || last.Count != 2 {
		t.Errorf("Expected a no_changes counter of 2, got %+v", last)
	}
	if !strings.Contains(last.Comment[0], "2 states") {
		t.Errorf("Expected the counter comment to carry the count, got %v", last.Comment)
	}
	// The counts still cover the collapsed entries.
	if rep.Counts[OutcomeNoop] != 2 {
		t.Errorf("Expected 2 no-ops counted, got %d", rep.Counts[OutcomeNoop])
	}
}

func TestBuild_RedactsSensitivePaths(t *testing.T) {
	rs := state.NewRunState("deploy")
	rs.Status = state.StatusFinished

	res := &state.Result{
		Result:   state.Bool(true),
		OldState: map[string]any{"password": "old"},
		Changes: map[string]any{
			"new": map[string]any{
				"password": "hunter2",
				"options":  []any{map[string]any{"api_key": "k-123", "region": "us-1"}},
			},
		},
	}
	resultFor(rs, "db", "cloud.database", "db", "present", res)
	rs.Sensitive[res.Tag] = []string{"password", "api_key"}

	rep := Build(rs, Options{})

	changes := rep.Entries[0].Changes["new"].(map[string]any)
	if changes["password"] != "<redacted>" {
		t.Errorf("Expected password redacted, got %v", changes["password"])
	}
	nested := changes["options"].([]any)[0].(map[string]any)
	if nested["api_key"] != "<redacted>" {
		t.Errorf("Expected nested api_key redacted, got %v", nested["api_key"])
	}
	if nested["region"] != "us-1" {
		t.Errorf("Expected region untouched, got %v", nested["region"])
	}
	// The run state itself is not modified.
	orig := res.Changes["new"].(map[string]any)
	if orig["password"] != "hunter2" {
		t.Errorf("Expected the source changes untouched, got %v", orig["password"])
	}
}

func TestBuild_PendingAndErrors(t *testing.T) {
	rs := state.NewRunState("deploy")
	rs.Status = state.StatusRuntimeError
	rs.AddError("Validation failed for 'web'")

	resultFor(rs, "slow", "cloud.instance", "slow", "present", &state.Result{
		Result:    state.Bool(false),
		RerunData: 3,
	})

	rep := Build(rs, Options{})

	if len(rep.Errors) != 1 {
		t.Fatalf("Expected the run error carried over, got %v", rep.Errors)
	}
	if len(rep.Pending) != 1 || !strings.Contains(rep.Pending[0], "slow") {
		t.Errorf("Expected the pending tag listed, got %v", rep.Pending)
	}
	if rep.Status != state.StatusRuntimeError {
		t.Errorf("Expected the run status carried over, got %s", rep.Status)
	}
}

func TestReport_JSONRoundTrip(t *testing.T) {
	rs := state.NewRunState("deploy")
	rs.Status = state.StatusFinished
	resultFor(rs, "a", "test", "a", "present", &state.Result{
		Result:   state.Bool(true),
		NewState: map[string]any{"name": "a"},
		Changes:  map[string]any{"new": map[string]any{"name": "a"}},
	})

	raw, err := json.Marshal(Build(rs, Options{}))
	if err != nil {
		t.Fatalf("Expected the report to marshal, got: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Expected the report to round-trip, got: %v", err)
	}
	if decoded.Run != "deploy" || decoded.Counts[OutcomeCreated] != 1 {
		t.Errorf("Expected the decoded report to match, got %+v", decoded)
	}
}
