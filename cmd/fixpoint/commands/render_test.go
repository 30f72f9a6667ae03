package commands

import (
	"strings"
	"testing"

	"github.com/fixpoint-io/fixpoint/pkg/report"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func TestRenderReport_TextSummary(t *testing.T) {
	rep := &report.Report{
		Run:    "deploy",
		Status: state.StatusFinished,
		Test:   true,
		Entries: []report.Entry{
			{
				Tag:     "test_|-web_|-web_|-present",
				ID:      "web",
				State:   "test",
				Fun:     "present",
				Result:  state.Bool(true),
				Outcome: report.OutcomeUpdated,
				Comment: []string{"Would update"},
				Changes: map[string]any{"size": "large"},
			},
		},
		Pending: []string{"test_|-db_|-db_|-present"},
		Counts:  map[report.Outcome]int{report.OutcomeUpdated: 1},
	}

	var sb strings.Builder
	if err := renderReport(&sb, rep); err != nil {
		t.Fatalf("renderReport: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"run: deploy  status: finished  (test)",
		"test.present  web  [updated]",
		"Would update",
		`"size": "large"`,
		"test_|-db_|-db_|-present",
		"summary: 1 updated",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderReport_JSON(t *testing.T) {
	jsonOutput = true
	defer func() { jsonOutput = false }()

	rep := &report.Report{
		Run:    "deploy",
		Status: state.StatusFinished,
		Counts: map[report.Outcome]int{},
	}

	var sb strings.Builder
	if err := renderReport(&sb, rep); err != nil {
		t.Fatalf("renderReport: %v", err)
	}
	if !strings.Contains(sb.String(), `"run": "deploy"`) {
		t.Errorf("Expected JSON output, got:\n%s", sb.String())
	}
}
