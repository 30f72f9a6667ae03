package rules

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// recreateRule replaces an in-place update with a destroy-plus-create
// pair. It compares the declared arguments against the enforced state;
// when they differ, it schedules an absent chunk for the old resource and
// reroutes the current chunk (or a cloned one) into a creation flow.
func recreateRule(_ context.Context, rctx *RuleContext, condition any, _ *requisite.Reqret) Check {
	if s, ok := condition.(string); !ok || s != "recreate_on_update" {
		return Check{Errors: []string{fmt.Sprintf("\"%v\" is not recreate_on_update requisite.", condition)}}
	}
	chunk := rctx.Chunk
	if chunk.RecreateOnUpdate == nil {
		return Check{}
	}
	params, ok := chunk.RecreateOnUpdate.(map[string]any)
	if !ok {
		return Check{Errors: []string{fmt.Sprintf(
			"recreate_on_update requisite should contain a dict of parameters, not %v", chunk.RecreateOnUpdate)}}
	}

	enforced := enforcedStateFor(chunk, rctx.Run.Managed)
	chunkResourceID := chunk.Args["resource_id"]
	if len(enforced) == 0 ||
		(truthy(chunkResourceID) && !reflect.DeepEqual(enforced["resource_id"], chunkResourceID)) {
		enforced = findByResourceID(rctx.Run.Managed, chunkResourceID)
	}

	// Creation flow: nothing to recreate.
	if len(enforced) == 0 {
		return Check{}
	}

	if !isRecreationRequired(rctx, chunk, enforced) {
		return Check{}
	}

	if truthy(params["create_before_destroy"]) {
		// Create the replacement first, let dependents rebind to it, then
		// delete the old resource once they have.
		tag := state.MakeTag(chunk)
		var require []state.Ref
		for _, index := range sortedEntryIndexes(rctx.Seq) {
			entry := rctx.Seq[index]
			if entry.Unmet[tag] {
				require = append(require, state.Ref{State: entry.Chunk.State, Name: entry.Chunk.ID})
			}
		}
		deleteChunk := deletionChunk(rctx, chunk, enforced)
		deleteChunk.Requires = map[state.ReqKind][]state.Ref{state.ReqRequire: require}
		rctx.Run.AddLow = append(rctx.Run.AddLow, deleteChunk)

		if chunk.Args == nil {
			chunk.Args = make(map[string]any)
		}
		chunk.Args["resource_id"] = nil
		chunk.RecreationFlow = true
		return Check{}
	}

	// Delete the old resource, then create the replacement behind a
	// require on the deletion.
	deleteChunk := deletionChunk(rctx, chunk, enforced)
	deleteChunk.RecreationFlow = true
	rctx.Run.AddLow = append(rctx.Run.AddLow, deleteChunk)

	createChunk := chunk.Copy()
	createChunk.ID = chunk.ID + "_create_new"
	if createChunk.Args == nil {
		createChunk.Args = make(map[string]any)
	}
	createChunk.Args["resource_id"] = nil
	if createChunk.Requires == nil {
		createChunk.Requires = make(map[state.ReqKind][]state.Ref)
	}
	createChunk.Requires[state.ReqRequire] = []state.Ref{{State: deleteChunk.State, Name: deleteChunk.ID}}
	createChunk.RecreateOnUpdate = nil
	createChunk.RecreationFlow = true
	rctx.Run.AddLow = append(rctx.Run.AddLow, createChunk)

	chunk.HaltExecution = true
	return Check{}
}

// findByResourceID scans the enforced state for an entry matching the
// declared resource_id. Renamed declarations keep tracking the same
// resource this way.
func findByResourceID(managed map[string]map[string]any, resourceID any) map[string]any {
	if !truthy(resourceID) {
		return nil
	}
	keys := make([]string, 0, len(managed))
	for key := range managed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if reflect.DeepEqual(managed[key]["resource_id"], resourceID) {
			return managed[key]
		}
	}
	return nil
}

// deletionChunk builds the absent chunk for the old resource. Every
// declared parameter of the state's absent function is filled from the
// chunk's arguments, falling back to the enforced state.
func deletionChunk(rctx *RuleContext, chunk *state.Chunk, enforced map[string]any) *state.Chunk {
	del := &state.Chunk{
		ID:    chunk.ID + "_delete_old",
		Name:  chunk.ID + "_delete_old",
		Fun:   "absent",
		State: chunk.State,
	}
	for _, param := range rctx.Registry.Params(chunk.State, "absent") {
		if param == "name" {
			continue
		}
		value := chunk.Args[param]
		if !truthy(value) {
			value = enforced[param]
		}
		if del.Args == nil {
			del.Args = make(map[string]any)
		}
		del.Args[param] = value
	}
	return del
}

// isRecreationRequired diffs the declared arguments against the enforced
// state. Arguments outside the state function's signature are ignored, as
// are ignore_changes paths and a name formed from name_prefix.
func isRecreationRequired(rctx *RuleContext, chunk *state.Chunk, enforced map[string]any) bool {
	ignore := make(map[string]bool)
	for _, key := range chunk.IgnoreChanges {
		ignore[key] = true
	}

	declared := make(map[string]bool)
	for _, param := range rctx.Registry.Params(chunk.State, chunk.Fun) {
		declared[param] = true
	}

	desired := chunk.Copy().Args
	if desired == nil {
		desired = make(map[string]any)
	}
	desired["name"] = chunk.Name
	for key := range desired {
		if !declared[key] {
			ignore[key] = true
		}
	}
	if prefix, ok := chunk.Args["name_prefix"].(string); ok && prefix != "" && strings.Contains(chunk.Name, prefix) {
		ignore["name"] = true
	}

	desired = handleNull(desired, enforced)

	diff := state.DeepDiff(withoutKeys(enforced, ignore), withoutKeys(desired, ignore))
	newSide, _ := diff["new"].(map[string]any)
	for key, value := range newSide {
		if truthy(value) {
			return true
		}
		if b, ok := value.(bool); ok {
			current, _ := enforced[key].(bool)
			if current != b {
				return true
			}
		}
	}
	return false
}

// handleNull backfills desired from enforced: keys missing from desired
// are copied over, declared nils are overridden, and nested maps recurse.
func handleNull(desired, enforced map[string]any) map[string]any {
	for key, value := range enforced {
		dv, ok := desired[key]
		if !ok || dv == nil {
			desired[key] = value
			continue
		}
		if dm, isMap := dv.(map[string]any); isMap {
			if em, isMap := value.(map[string]any); isMap {
				desired[key] = handleNull(dm, em)
			}
		}
	}
	return desired
}

func withoutKeys(in map[string]any, drop map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if !drop[key] {
			out[key] = value
		}
	}
	return out
}

func sortedEntryIndexes(seq map[int]*requisite.Entry) []int {
	out := make([]int, 0, len(seq))
	for index := range seq {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

// truthy mirrors argument truthiness used across the requisite rules:
// nil, false, zero numbers, and empty strings or collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
