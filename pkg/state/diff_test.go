package state

import (
	"reflect"
	"testing"
)

func TestDeepDiff_Equal(t *testing.T) {
	m := map[string]any{"size": "m1", "tags": map[string]any{"env": "prod"}}
	diff := DeepDiff(m, m)
	if len(diff) != 0 {
		t.Errorf("DeepDiff() of equal maps = %v, want empty", diff)
	}
}

func TestDeepDiff_ChangedScalar(t *testing.T) {
	old := map[string]any{"size": "m1", "zone": "a"}
	new := map[string]any{"size": "m2", "zone": "a"}

	diff := DeepDiff(old, new)
	wantOld := map[string]any{"size": "m1"}
	wantNew := map[string]any{"size": "m2"}
	if !reflect.DeepEqual(diff["old"], wantOld) {
		t.Errorf("diff[old] = %v, want %v", diff["old"], wantOld)
	}
	if !reflect.DeepEqual(diff["new"], wantNew) {
		t.Errorf("diff[new] = %v, want %v", diff["new"], wantNew)
	}
}

func TestDeepDiff_NestedPruning(t *testing.T) {
	old := map[string]any{
		"tags": map[string]any{"env": "prod", "team": "core"},
		"net":  map[string]any{"cidr": "10.0.0.0/16"},
	}
	new := map[string]any{
		"tags": map[string]any{"env": "stage", "team": "core"},
		"net":  map[string]any{"cidr": "10.0.0.0/16"},
	}

	diff := DeepDiff(old, new)
	wantOld := map[string]any{"tags": map[string]any{"env": "prod"}}
	wantNew := map[string]any{"tags": map[string]any{"env": "stage"}}
	if !reflect.DeepEqual(diff["old"], wantOld) {
		t.Errorf("diff[old] = %v, want %v", diff["old"], wantOld)
	}
	if !reflect.DeepEqual(diff["new"], wantNew) {
		t.Errorf("diff[new] = %v, want %v", diff["new"], wantNew)
	}
}

func TestDeepDiff_AddedAndRemovedKeys(t *testing.T) {
	old := map[string]any{"gone": 1, "kept": "x"}
	new := map[string]any{"added": 2, "kept": "x"}

	diff := DeepDiff(old, new)
	if !reflect.DeepEqual(diff["old"], map[string]any{"gone": 1}) {
		t.Errorf("diff[old] = %v, want only the removed key", diff["old"])
	}
	if !reflect.DeepEqual(diff["new"], map[string]any{"added": 2}) {
		t.Errorf("diff[new] = %v, want only the added key", diff["new"])
	}
}

func TestDeepDiff_NilInputs(t *testing.T) {
	diff := DeepDiff(nil, map[string]any{"a": 1})
	if _, ok := diff["old"]; ok {
		t.Errorf("diff[old] present for nil old state: %v", diff)
	}
	if !reflect.DeepEqual(diff["new"], map[string]any{"a": 1}) {
		t.Errorf("diff[new] = %v, want the full new state", diff["new"])
	}
}
