package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// argRefPattern matches ${referenced_state:referenced_name:path} argument
// references inside string values.
var argRefPattern = regexp.MustCompile(`\$\{[^\${}]+\}`)

type argBinding struct {
	refState string
	refName  string
	source   string
	target   string
}

// argBind scans every argument value for ${...} references and converts
// them to arg_bind requisites on the declaring state, so the referenced
// value is resolved from the dependency's new state at execution time.
func (c *Compiler) argBind(rs *state.RunState) error {
	for _, id := range rs.High.OrderedIDs() {
		body := rs.High.Declarations[id]
		for _, stateRef := range sortedKeys(body) {
			var found []argBinding
			for _, arg := range body[stateRef] {
				m, ok := arg.(map[string]any)
				if !ok {
					continue
				}
				for _, key := range sortedAnyKeys(m) {
					walkLeafArgs(escapeBindKey(key), m[key], func(path string, leaf any) {
						s, ok := leaf.(string)
						if !ok || !argRefPattern.MatchString(s) {
							return
						}
						for _, ref := range argRefPattern.FindAllString(s, -1) {
							inner := ref[2 : len(ref)-1]
							parts := strings.Split(inner, ":")
							if len(parts) < 3 {
								rs.AddError(fmt.Sprintf(
									"Argument reference %s for state %q is not properly formatted. "+
										"Argument reference format is ${referenced_state:referenced_name:argument_path}.",
									ref, id))
								continue
							}
							found = append(found, argBinding{
								refState: parts[0],
								refName:  parts[1],
								source:   strings.Join(parts[2:], ":"),
								target:   path,
							})
						}
					})
				}
			}
			for _, b := range found {
				addArgBind(body, stateRef, b)
			}
		}
	}
	return nil
}

// walkLeafArgs visits every scalar argument value, building the
// colon-delimited key path with [i] segments for list positions.
func walkLeafArgs(prefix string, v any, fn func(path string, leaf any)) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedAnyKeys(t) {
			key := escapeBindKey(k)
			path := key
			if prefix != "" {
				path = prefix + ":" + key
			}
			walkLeafArgs(path, t[k], fn)
		}
	case []any:
		for i, item := range t {
			walkLeafArgs(fmt.Sprintf("%s[%d]", prefix, i), item, fn)
		}
	default:
		fn(prefix, v)
	}
}

// escapeBindKey escapes literal [ characters in map keys so the runtime
// path resolver does not read them as list indexes.
func escapeBindKey(k string) string {
	return strings.ReplaceAll(k, "[", `[\`)
}

// addArgBind appends one binding to the declaration's arg_bind requisite,
// reusing existing nesting levels and skipping exact duplicates.
func addArgBind(body state.Declaration, stateRef string, b argBinding) {
	run := body[stateRef]

	bindIdx := -1
	for i, arg := range run {
		if m, ok := arg.(map[string]any); ok {
			if _, has := m["arg_bind"]; has {
				bindIdx = i
				break
			}
		}
	}
	if bindIdx == -1 {
		body[stateRef] = append(run, map[string]any{"arg_bind": []any{}})
		run = body[stateRef]
		bindIdx = len(run) - 1
	}
	bindEntry := run[bindIdx].(map[string]any)

	states, _ := bindEntry["arg_bind"].([]any)
	stateEntry := singleKeyEntry(&states, b.refState)
	bindEntry["arg_bind"] = states

	names, _ := stateEntry[b.refState].([]any)
	nameEntry := singleKeyEntry(&names, b.refName)
	stateEntry[b.refState] = names

	paths, _ := nameEntry[b.refName].([]any)
	for _, item := range paths {
		if m, ok := item.(map[string]any); ok {
			if tgt, has := m[b.source]; has && tgt == b.target {
				return
			}
		}
	}
	nameEntry[b.refName] = append(paths, map[string]any{b.source: b.target})
}

// singleKeyEntry finds the map carrying key inside list, appending a fresh
// entry when none exists, and returns that map.
func singleKeyEntry(list *[]any, key string) map[string]any {
	for _, item := range *list {
		if m, ok := item.(map[string]any); ok {
			if _, has := m[key]; has {
				return m
			}
		}
	}
	m := map[string]any{key: []any{}}
	*list = append(*list, m)
	return m
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
