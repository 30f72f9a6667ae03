package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/report"
)

// renderReport writes the run report, as JSON under --json and as a
// readable summary otherwise.
func renderReport(w io.Writer, rep *report.Report) error {
	if rep == nil {
		return nil
	}
	if jsonOutput {
		raw, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}

	header := fmt.Sprintf("run: %s  status: %s", rep.Run, rep.Status)
	if rep.Test {
		header += "  (test)"
	}
	fmt.Fprintln(w, header)

	for _, entry := range rep.Entries {
		if entry.Count > 0 {
			fmt.Fprintf(w, "\n  %s\n", entry.Comment[0])
			continue
		}
		fmt.Fprintf(w, "\n  %s.%s  %s  [%s]  %s\n",
			entry.State, entry.Fun, entry.ID, entry.Outcome, entry.Duration)
		for _, line := range entry.Comment {
			fmt.Fprintf(w, "      %s\n", line)
		}
		renderChanges(w, entry.Changes)
	}

	if len(rep.Errors) > 0 {
		fmt.Fprintln(w, "\nerrors:")
		for _, msg := range rep.Errors {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
	if len(rep.Pending) > 0 {
		fmt.Fprintln(w, "\nstill pending:")
		for _, tag := range rep.Pending {
			fmt.Fprintf(w, "  - %s\n", tag)
		}
	}

	fmt.Fprintf(w, "\nsummary: %s\n", renderCounts(rep.Counts))
	return nil
}

func renderChanges(w io.Writer, changes map[string]any) {
	if len(changes) == 0 {
		return
	}
	raw, err := json.MarshalIndent(changes, "      ", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(w, "      changes: %s\n", string(raw))
}

func renderCounts(counts map[report.Outcome]int) string {
	keys := make([]string, 0, len(counts))
	for outcome := range counts {
		keys = append(keys, string(outcome))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[report.Outcome(key)], key))
	}
	if len(parts) == 0 {
		return "nothing ran"
	}
	return strings.Join(parts, ", ")
}
