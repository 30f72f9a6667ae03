package state

import (
	"testing"
)

func testLow() []*Chunk {
	return []*Chunk{
		{State: "cloud.instance", ID: "web-1", Name: "web-1", Fun: "present"},
		{State: "cloud.instance", ID: "web-2", Name: "web-2", Fun: "present"},
		{State: "cloud.instance", ID: "old-db", Name: "db-0", Fun: "absent"},
		{State: "data", ID: "vals", Name: "vals", Fun: "write", SLS: "base/data.yaml"},
	}
}

func TestFindChunks_ByName(t *testing.T) {
	got := FindChunks(testLow(), "cloud.instance", "web-1")
	if len(got) != 1 || got[0].Name != "web-1" {
		t.Fatalf("FindChunks() = %v, want exactly web-1", got)
	}
}

func TestFindChunks_ByID(t *testing.T) {
	got := FindChunks(testLow(), "cloud.instance", "old-db")
	if len(got) != 1 || got[0].Name != "db-0" {
		t.Fatalf("FindChunks() = %v, want the chunk declared as old-db", got)
	}
}

func TestFindChunks_Glob(t *testing.T) {
	got := FindChunks(testLow(), "cloud.instance", "web-*")
	if len(got) != 2 {
		t.Fatalf("FindChunks(web-*) matched %d chunks, want 2", len(got))
	}
}

func TestFindChunks_SLSSource(t *testing.T) {
	got := FindChunks(testLow(), "sls", "base/*")
	if len(got) != 1 || got[0].State != "data" {
		t.Fatalf("FindChunks(sls) = %v, want the data chunk", got)
	}
}

func TestFindChunks_WrongState(t *testing.T) {
	if got := FindChunks(testLow(), "data", "web-1"); len(got) != 0 {
		t.Errorf("FindChunks() = %v, want no matches across state refs", got)
	}
}

func TestGatherLowItems_FollowsRequireClosure(t *testing.T) {
	low := []*Chunk{
		{State: "data", ID: "cfg", Name: "cfg", Fun: "write"},
		{
			State: "cloud.instance", ID: "db", Name: "db", Fun: "present",
			Requires: map[ReqKind][]Ref{
				ReqRequire: {{State: "data", Name: "cfg"}},
			},
		},
		{
			State: "cloud.instance", ID: "app", Name: "app", Fun: "present",
			Requires: map[ReqKind][]Ref{
				ReqArgBind: {{State: "cloud.instance", Name: "db"}},
			},
		},
		{State: "cloud.instance", ID: "other", Name: "other", Fun: "present"},
	}

	items := GatherLowItems(low, []string{"app"})

	ids := make(map[string]bool, len(items))
	for _, c := range items {
		ids[c.ID] = true
	}
	if !ids["app"] {
		t.Fatalf("gathered %v, want the target itself", ids)
	}
	if ids["other"] {
		t.Errorf("gathered unrelated chunk: %v", ids)
	}
	// db is a present resource required transitively: served from the
	// enforced state, not re-executed.
	if ids["db"] {
		t.Errorf("gathered required present chunk, want it filtered: %v", ids)
	}
}

func TestGatherLowItems_KeepsNonResourceRequirements(t *testing.T) {
	low := []*Chunk{
		{State: "data", ID: "cfg", Name: "cfg", Fun: "write"},
		{
			State: "cloud.instance", ID: "app", Name: "app", Fun: "present",
			Requires: map[ReqKind][]Ref{
				ReqRequire: {{State: "data", Name: "cfg"}},
			},
		},
	}

	items := GatherLowItems(low, []string{"app"})
	if len(items) != 2 {
		t.Fatalf("gathered %d chunks, want app plus its data requirement", len(items))
	}
}

func TestGatherLowItems_UnknownTarget(t *testing.T) {
	if items := GatherLowItems(testLow(), []string{"missing"}); len(items) != 0 {
		t.Errorf("GatherLowItems() = %v, want empty for unknown ID", items)
	}
}

func TestChunk_Copy_Isolated(t *testing.T) {
	orig := &Chunk{
		State: "test", ID: "a", Name: "a", Fun: "present",
		Args: map[string]any{"nested": map[string]any{"k": "v"}},
		Requires: map[ReqKind][]Ref{
			ReqRequire: {{State: "test", Name: "b"}},
		},
	}

	cp := orig.Copy()
	cp.Args["nested"].(map[string]any)["k"] = "changed"
	cp.Requires[ReqRequire] = append(cp.Requires[ReqRequire], Ref{State: "test", Name: "c"})

	if orig.Args["nested"].(map[string]any)["k"] != "v" {
		t.Errorf("copy shares nested args with the original")
	}
	if len(orig.Requires[ReqRequire]) != 1 {
		t.Errorf("copy shares requisite slices with the original")
	}
}
