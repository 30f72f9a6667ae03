package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected engine to build, got: %v", err)
	}
	return e
}

func lowChunk(id, stateRef, name, fun string) *state.Chunk {
	return &state.Chunk{
		ID:    id,
		State: stateRef,
		Name:  name,
		Fun:   fun,
		Args:  map[string]any{"name": name},
	}
}

func compiledRun(chunks ...*state.Chunk) *state.RunState {
	rs := state.NewRunState("deploy")
	rs.Low = chunks
	return rs
}

func TestEngine_Evaluate_CleanRunIsAllowed(t *testing.T) {
	rs := compiledRun(
		lowChunk("web", "cloud.instance", "web-1", "present"),
		lowChunk("db", "cloud.instance", "db-1", "present"),
	)

	result, err := newTestEngine(t).Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected a clean run to be allowed, got denials: %v", result.Denials)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got: %v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 2 {
		t.Errorf("Expected both builtin policies to run, got: %v", result.EvaluatedPolicies)
	}
}

func TestEngine_Evaluate_ConflictingLifecycleDenies(t *testing.T) {
	rs := compiledRun(
		lowChunk("web", "cloud.instance", "web-1", "present"),
		lowChunk("web_gone", "cloud.instance", "web-1", "absent"),
	)

	result, err := newTestEngine(t).Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected the conflicting lifecycle to deny the run")
	}
	if len(result.Denials) != 1 {
		t.Fatalf("Expected 1 denial, got: %v", result.Denials)
	}
	d := result.Denials[0]
	if d.Policy != "conflicting-lifecycle" || d.Severity != SeverityError {
		t.Errorf("Expected an error denial from conflicting-lifecycle, got %+v", d)
	}
	if !strings.Contains(d.Message, "cloud.instance:web-1") {
		t.Errorf("Expected the denial to name the resource, got: %q", d.Message)
	}
	if d.Tag == "" {
		t.Error("Expected the denial to carry the chunk tag")
	}
}

func TestEngine_Evaluate_DeclaredRecreationIsAllowed(t *testing.T) {
	present := lowChunk("web", "cloud.instance", "web-1", "present")
	present.RecreateOnUpdate = map[string]any{"create_before_destroy": true}
	rs := compiledRun(
		present,
		lowChunk("web_gone", "cloud.instance", "web-1", "absent"),
	)

	result, err := newTestEngine(t).Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected declared recreation to pass the gate, got denials: %v", result.Denials)
	}
}

func TestEngine_Evaluate_BadNameOnlyWarns(t *testing.T) {
	rs := compiledRun(lowChunk("web", "cloud.instance", "Web_One", "present"))

	result, err := newTestEngine(t).Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected a naming violation to stay advisory, got denials: %v", result.Denials)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got: %v", result.Warnings)
	}
	w := result.Warnings[0]
	if w.Policy != "resource-naming" || w.Severity != SeverityWarn {
		t.Errorf("Expected a warn from resource-naming, got %+v", w)
	}
	if !strings.Contains(w.Message, "Web_One") {
		t.Errorf("Expected the warning to name the resource, got: %q", w.Message)
	}
}

func TestEngine_Evaluate_DisabledPolicySkipped(t *testing.T) {
	e := newTestEngine(t)
	if err := e.DisablePolicy("resource-naming"); err != nil {
		t.Fatalf("Expected disable to succeed, got: %v", err)
	}

	rs := compiledRun(lowChunk("web", "cloud.instance", "Web_One", "present"))
	result, err := e.Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings with naming disabled, got: %v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 1 {
		t.Errorf("Expected only the lifecycle policy to run, got: %v", result.EvaluatedPolicies)
	}
}

func TestEngine_LoadPolicies_CustomRegoDenies(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "no-prod-deletes.rego")
	content := `# Forbids absent states in the deploy run.
# severity: error
package fixpoint.custom

import rego.v1

deny contains violation if {
	input.run == "deploy"
	some chunk in input.chunks
	chunk.fun == "absent"
	violation := {
		"message": sprintf("deletes are forbidden in run %s", [input.run]),
		"severity": "error",
		"tag": chunk.tag,
	}
}
`
	if err := os.WriteFile(policyFile, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Expected policies to load, got: %v", err)
	}

	p, err := e.GetPolicy("no-prod-deletes")
	if err != nil {
		t.Fatalf("Expected the custom policy to register, got: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected the severity comment to apply, got %q", p.Severity)
	}
	if !strings.Contains(p.Description, "Forbids absent states") {
		t.Errorf("Expected the comment block as description, got: %q", p.Description)
	}

	rs := compiledRun(lowChunk("web_gone", "cloud.instance", "web-1", "absent"))
	result, err := e.Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected the custom policy to deny the run")
	}
	found := false
	for _, d := range result.Denials {
		if d.Policy == "no-prod-deletes" {
			found = true
			if !strings.Contains(d.Message, "deploy") {
				t.Errorf("Expected the denial message to carry the run name, got: %q", d.Message)
			}
		}
	}
	if !found {
		t.Errorf("Expected a denial from no-prod-deletes, got: %v", result.Denials)
	}
}

func TestEngine_LoadPolicies_JSONPolicy(t *testing.T) {
	dir := t.TempDir()
	content := `{
  "name": "flag-test-states",
  "description": "Flags test states left in a run",
  "severity": "warn",
  "enabled": true,
  "rego": "package fixpoint.hygiene\n\nimport rego.v1\n\ndeny contains msg if {\n\tsome chunk in input.chunks\n\tchunk.state == \"test\"\n\tmsg := sprintf(\"test state %s left in run\", [chunk.name])\n}\n"
}`
	if err := os.WriteFile(filepath.Join(dir, "hygiene.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Expected policies to load, got: %v", err)
	}

	rs := compiledRun(lowChunk("leftover", "test", "alpha", "present"))
	result, err := e.Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected a warn policy not to block, got denials: %v", result.Denials)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Policy == "flag-test-states" && strings.Contains(w.Message, "alpha") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a warning from flag-test-states, got: %v", result.Warnings)
	}
}

func TestEngine_Evaluate_BrokenPolicyOnlyWarns(t *testing.T) {
	e := newTestEngine(t)
	// References a builtin that does not exist, so evaluation fails at
	// query time rather than parse time.
	err := e.compileAndStore(&Policy{
		Name:     "broken",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "package fixpoint.broken\n\nimport rego.v1\n\ndeny contains msg if {\n\tmsg := no_such_function(input.run)\n}\n",
	})
	if err != nil {
		t.Fatalf("Expected the module to parse, got: %v", err)
	}

	rs := compiledRun(lowChunk("web", "cloud.instance", "web-1", "present"))
	result, err := e.Evaluate(context.Background(), rs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected a broken policy not to block the run, got denials: %v", result.Denials)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Policy == "broken" && strings.Contains(w.Message, "evaluation failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an evaluation-failed warning, got: %v", result.Warnings)
	}
}
