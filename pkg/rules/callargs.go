package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// buildArgs assembles the argument map for a state function call. Declared
// parameters are backfilled from the enforced state of a previous run, the
// declaration's own arguments override the backfill (a declared nil does
// not), and ignore_changes paths are nulled out for existing resources so
// the provider skips updating them.
func (e *Engine) buildArgs(chunk *state.Chunk, enforced map[string]any) map[string]any {
	args := make(map[string]any)
	for _, param := range e.registry.Params(chunk.State, chunk.Fun) {
		if param == "name" {
			continue
		}
		if v, ok := enforced[param]; ok {
			args[param] = v
		}
	}

	for key, value := range chunk.Args {
		if state.InternalKeyword(key) {
			continue
		}
		if value == nil {
			if _, backfilled := args[key]; backfilled {
				continue
			}
		}
		args[key] = value
	}

	// A recreation takes the declared resource_id verbatim; the nil set by
	// the recreate flow is what turns the call into a creation.
	if chunk.RecreationFlow {
		args["resource_id"] = chunk.Args["resource_id"]
	}

	isExisting := len(enforced) > 0 || truthy(chunk.Args["resource_id"])
	if len(chunk.IgnoreChanges) > 0 && isExisting && !chunk.RecreationFlow {
		e.ignoreParameterChanges(chunk, args)
	}
	return args
}

// enforcedStateFor looks up the stored state for a chunk. The create_new
// variants come first so a recreated resource keeps resolving to the
// replacement's entry; the bare tag form is accepted for stores written
// before the function segment was dropped from ESM keys.
func enforcedStateFor(chunk *state.Chunk, managed map[string]map[string]any) map[string]any {
	clone := *chunk
	clone.ID = chunk.ID + "_create_new"
	for _, key := range []string{
		state.ESMTag(&clone), state.MakeTag(&clone),
		state.ESMTag(chunk), state.MakeTag(chunk),
	} {
		if data := managed[key]; len(data) > 0 {
			return data
		}
	}
	return nil
}

// ignoreParameterChanges nulls the declared parameters named by the
// chunk's ignore_changes paths. Only declared parameters are eligible;
// paths that fail to traverse are logged and skipped.
func (e *Engine) ignoreParameterChanges(chunk *state.Chunk, args map[string]any) {
	declared := make(map[string]bool)
	for _, param := range e.registry.Params(chunk.State, chunk.Fun) {
		declared[param] = true
	}
	for _, paramPath := range chunk.IgnoreChanges {
		path := strings.Split(paramPath, ":")
		argKey, _ := parseIgnoreIndex(path[0])
		if argKey == "name" || !declared[argKey] {
			continue
		}
		if err := nullifyParameter(args, nil, path); err != nil {
			e.log.Warn().
				Str("path", paramPath).
				Err(err).
				Msg("Error when processing ignore_changes parameter path")
		}
	}
}

// nullifyParameter walks args along the path and replaces the destination
// value with nil. indexes carries list positions parsed off the previous
// key; [*] fans out over every element.
func nullifyParameter(parent any, indexes []string, remaining []string) error {
	if len(indexes) > 0 {
		list, ok := parent.([]any)
		if !ok {
			return fmt.Errorf("value at index %q is not a list", indexes[0])
		}
		index := indexes[0]
		if allDigits(index) {
			n, _ := strconv.Atoi(index)
			if n >= len(list) {
				return fmt.Errorf("list index %d out of range", n)
			}
			if len(indexes) == 1 && len(remaining) == 0 {
				list[n] = nil
				return nil
			}
			return nullifyParameter(list[n], indexes[1:], remaining)
		}
		if index == "*" {
			if len(indexes) == 1 && len(remaining) == 0 {
				return fmt.Errorf("invalid index %q at the end", index)
			}
			for _, element := range list {
				if err := nullifyParameter(element, indexes[1:], remaining); err != nil {
					return err
				}
			}
			return nil
		}
		return fmt.Errorf("invalid index %q", index)
	}

	m, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot traverse key %q", remaining[0])
	}
	argKey, next := parseIgnoreIndex(remaining[0])
	if len(remaining) == 1 && len(next) == 0 {
		m[argKey] = nil
		return nil
	}
	return nullifyParameter(m[argKey], next, remaining[1:])
}

var ignoreIndexPattern = regexp.MustCompile(`\[\d+\]|\[\*\]`)

func parseIgnoreIndex(key string) (string, []string) {
	matches := ignoreIndexPattern.FindAllString(key, -1)
	if len(matches) == 0 {
		return key, nil
	}
	indexes := make([]string, 0, len(matches))
	for _, m := range matches {
		indexes = append(indexes, m[1:len(m)-1])
	}
	return key[:strings.Index(key, "[")], indexes
}
