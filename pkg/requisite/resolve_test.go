package requisite

import (
	"testing"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

func TestResolvers_Resolve_AllUnionsErrors(t *testing.T) {
	r := NewResolvers(nil)
	outcomes := [][]string{
		{"first failed"},
		nil,
		{"second failed", "third failed"},
	}

	errs, err := r.Resolve(ResolverAll, outcomes)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{"first failed", "second failed", "third failed"}
	if len(errs) != len(want) {
		t.Fatalf("Expected %d errors, got %d: %v", len(want), len(errs), errs)
	}
	for i := range want {
		if errs[i] != want[i] {
			t.Errorf("Expected error %q at index %d, got %q", want[i], i, errs[i])
		}
	}
}

func TestResolvers_Resolve_AllPassesOnEmpty(t *testing.T) {
	r := NewResolvers(nil)

	errs, err := r.Resolve(ResolverAll, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("Expected no errors for empty input, got %v", errs)
	}
}

func TestResolvers_Resolve_AnyPassesWithOneClean(t *testing.T) {
	r := NewResolvers(nil)
	outcomes := [][]string{
		{"first failed"},
		{},
		{"second failed"},
	}

	errs, err := r.Resolve(ResolverAny, outcomes)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("Expected no errors when one outcome is clean, got %v", errs)
	}
}

func TestResolvers_Resolve_AnyAllFailingUnions(t *testing.T) {
	r := NewResolvers(nil)
	outcomes := [][]string{
		{"first failed"},
		{"second failed"},
	}

	errs, err := r.Resolve(ResolverAny, outcomes)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("Expected union of 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0] != "first failed" || errs[1] != "second failed" {
		t.Errorf("Expected union in outcome order, got %v", errs)
	}
}

func TestResolvers_Resolve_UnknownName(t *testing.T) {
	r := NewResolvers(nil)

	_, err := r.Resolve("majority", nil)
	if err == nil {
		t.Fatal("Expected error for unknown resolver")
	}
	if !state.IsStructural(err) {
		t.Errorf("Expected structural error, got %v", err)
	}
}

func TestResolvers_Register_CustomResolver(t *testing.T) {
	r := NewResolvers(nil)
	r.Register("first", func(outcomes [][]string) []string {
		if len(outcomes) == 0 {
			return nil
		}
		return outcomes[0]
	})

	errs, err := r.Resolve("first", [][]string{{"only this"}, {"not this"}})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(errs) != 1 || errs[0] != "only this" {
		t.Errorf("Expected custom resolver result, got %v", errs)
	}
}

func TestResolvers_ResolveKinds_PerKindResolver(t *testing.T) {
	r := NewResolvers(nil)
	outcomes := map[state.ReqKind][][]string{
		// require resolves with all: a single failure blocks.
		state.ReqRequire: {{"require cloud.instance: web failed"}},
		// onfail resolves with any: one clean outcome passes.
		state.ReqOnFail: {{"onfail cloud.instance: db did not fail"}, {}},
	}

	errs, err := r.ResolveKinds(outcomes)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("Expected 1 blocking error, got %d: %v", len(errs), errs)
	}
	if errs[0] != "require cloud.instance: web failed" {
		t.Errorf("Expected require error to block, got %q", errs[0])
	}
}

func TestDefs_ResolverAssignments(t *testing.T) {
	defs := Defs()

	for _, kind := range Kinds() {
		def, ok := defs[kind]
		if !ok {
			t.Fatalf("Expected definition for %q", kind)
		}
		want := ResolverAll
		if kind == state.ReqOnFail {
			want = ResolverAny
		}
		if def.Resolver != want {
			t.Errorf("Expected %q resolver for %q, got %q", want, kind, def.Resolver)
		}
	}

	runtimeOnly := []state.ReqKind{state.ReqPrereq, state.ReqSensitive, state.ReqRecreateOnUpdate}
	for _, kind := range runtimeOnly {
		if !defs[kind].RuntimeOnly {
			t.Errorf("Expected %q to be runtime-only", kind)
		}
	}

	edges := EdgeKinds()
	if len(edges) != 6 {
		t.Fatalf("Expected 6 edge kinds, got %d: %v", len(edges), edges)
	}
	for _, kind := range edges {
		if defs[kind].RuntimeOnly {
			t.Errorf("Expected edge kind %q to not be runtime-only", kind)
		}
	}
}
