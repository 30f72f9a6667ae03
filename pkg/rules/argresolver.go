package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// argResolverRule applies arg_bind: every bind pair copies a value out of
// the dependency's new state into the current chunk's arguments. String
// arguments that embed the ${state:name:path} reference have the reference
// substituted in place; everything else is replaced wholesale.
func argResolverRule(_ context.Context, rctx *RuleContext, condition any, reqret *requisite.Reqret) Check {
	if s, ok := condition.(string); !ok || s != "arg_bind" {
		return Check{Errors: []string{fmt.Sprintf("\"%v\" is not a supported arg resolver.", condition)}}
	}
	for _, bind := range reqret.Binds {
		if reqret.Ret == nil || reqret.Ret.NewState == nil {
			return Check{Errors: []string{fmt.Sprintf(
				"\"%s:%s\" state does not have \"new_state\" in the state returns.",
				reqret.State, reqret.Name)}}
		}
		refDef := "${" + reqret.State + ":" + reqret.Name + ":" + bind.Source + "}"
		value, err := resolveSourcePath(
			reqret.State, reqret.Ret.NewState, strings.Split(bind.Source, ":"), rctx.Run.Test)
		if err != nil {
			return Check{Errors: []string{err.Error()}}
		}
		if err := setChunkArgValue(rctx.Chunk, refDef, strings.Split(bind.Target, ":"), value); err != nil {
			return Check{Errors: []string{err.Error()}}
		}
	}
	return Check{}
}

// resolveSourcePath walks the colon-delimited source path through the
// dependency's new state. Path segments may carry [n] and [*] indexes;
// a segment applied to a list maps over its elements.
func resolveSourcePath(stateRef string, data any, keys []string, test bool) (any, error) {
	refPath := strings.Join(keys, ":")
	ptr := data
	for _, key := range keys {
		next, err := resolveStep(ptr, key, refPath, test)
		if err != nil {
			return nil, fmt.Errorf("Failed to parse %q for state %q. %v", refPath, stateRef, err)
		}
		ptr = next
	}
	return ptr, nil
}

func resolveStep(ptr any, key, refPath string, test bool) (any, error) {
	keyPart, indexes, err := parseIndex(key)
	if err != nil {
		return nil, err
	}
	if list, ok := ptr.([]any); ok {
		if keyPart == "" {
			return valueAtIndexes(ptr, indexes, refPath)
		}
		mapped := make([]any, len(list))
		for i, item := range list {
			if mapped[i], err = lookupKey(item, keyPart, indexes, test); err != nil {
				return nil, err
			}
		}
		return mapped, nil
	}
	return lookupKey(ptr, keyPart, indexes, test)
}

// lookupKey resolves one map key and any indexes attached to it. A key
// missing in test mode resolves to a placeholder value so dry runs can
// proceed past bindings the real run would satisfy.
func lookupKey(data any, keyPart string, indexes []string, test bool) (any, error) {
	if keyPart == "" {
		return data, nil
	}
	m, _ := data.(map[string]any)
	v, ok := m[keyPart]
	if !ok {
		if test {
			return keyPart + "_value_known_after_applying", nil
		}
		return nil, fmt.Errorf("Key %q is not found as part of the state \"new_state\".", keyPart)
	}
	return valueAtIndexes(v, indexes, keyPart)
}

// valueAtIndexes digs through [n] and [*] indexes. [*] maps the remaining
// indexes over every element and collects the results.
func valueAtIndexes(v any, indexes []string, argKey string) (any, error) {
	if len(indexes) == 0 {
		return v, nil
	}
	index := indexes[0]
	if allDigits(index) {
		n, _ := strconv.Atoi(index)
		list, ok := v.([]any)
		if !ok || len(list) < n+1 {
			return nil, fmt.Errorf(
				"Cannot parse argument value for key %q and index \"%d\", because argument value is not a list or it does not include element with index \"%d\".",
				argKey, n, n)
		}
		return valueAtIndexes(list[n], indexes[1:], argKey)
	}
	if index == "*" {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf(
				"Cannot parse argument value for key %q for index %q, because argument key is not a list.",
				argKey, index)
		}
		out := make([]any, len(list))
		for i, item := range list {
			sub, err := valueAtIndexes(item, indexes[1:], argKey)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	}
	return nil, fmt.Errorf(
		"Cannot parse argument value for key %q for index %q, because %q is not supported.",
		argKey, index, index)
}

var indexPattern = regexp.MustCompile(`\[[^\]\\]*]`)

// parseIndex splits trailing indexes off a path segment: "addr[0][*]"
// yields key "addr" and indexes ["0", "*"]. Escaped brackets ("[\...")
// are left for the caller to unescape.
func parseIndex(key string) (string, []string, error) {
	matches := indexPattern.FindAllString(key, -1)
	if len(matches) == 0 {
		return key, nil, nil
	}
	indexes := make([]string, 0, len(matches))
	for _, m := range matches {
		idx := m[1 : len(m)-1]
		if !allDigits(idx) && idx != "*" {
			return "", nil, fmt.Errorf(
				"Cannot parse argument value for key %q for index %q, because %q is not supported.",
				key, idx, idx)
		}
		indexes = append(indexes, idx)
	}
	return key[:strings.Index(key, "[")], indexes, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// setChunkArgValue writes value at the colon-delimited target path in the
// chunk's arguments, creating intermediate maps as needed. A single-segment
// "name" target that resolves to a string updates the chunk name itself.
func setChunkArgValue(chunk *state.Chunk, refDef string, keyChain []string, value any) error {
	if len(keyChain) == 1 {
		keyPart, indexes, err := parseIndex(keyChain[0])
		if err != nil {
			return err
		}
		if keyPart == "name" && len(indexes) == 0 {
			if s, ok := replaceArgReference(chunk.Name, refDef, value).(string); ok {
				chunk.Name = s
				return nil
			}
		}
	}
	if chunk.Args == nil {
		chunk.Args = make(map[string]any)
	}
	return setArgValue(chunk.Args, refDef, keyChain, value, nil)
}

// setArgValue recurses down the target path. carried holds indexes parsed
// off the previous segment; they apply to the current container before the
// segment's key is looked up.
func setArgValue(node any, refDef string, keyChain []string, value any, carried []string) error {
	keyPart, indexes, err := parseIndex(keyChain[0])
	if err != nil {
		return err
	}
	keyPart = strings.ReplaceAll(keyPart, `[\`, "[")

	resolved, err := valueAtIndexes(node, carried, keyPart)
	if err != nil {
		return err
	}
	target, ok := resolved.(map[string]any)
	if !ok {
		return fmt.Errorf("Cannot set argument value for key %q, because the parent value is not a map.", keyPart)
	}

	if len(keyChain) == 1 {
		if len(indexes) > 0 {
			return setListValue(target[keyPart], indexes, refDef, value)
		}
		existing, ok := target[keyPart]
		if !ok {
			existing = ""
		}
		target[keyPart] = replaceArgReference(existing, refDef, value)
		return nil
	}

	next, ok := target[keyPart]
	if !ok {
		next = map[string]any{}
		target[keyPart] = next
	}
	return setArgValue(next, refDef, keyChain[1:], value, indexes)
}

func setListValue(node any, indexes []string, refDef string, value any) error {
	index := indexes[0]
	if !allDigits(index) {
		return fmt.Errorf("Cannot set argument value for index %q. The %q is not supported", index, index)
	}
	n, _ := strconv.Atoi(index)
	list, ok := node.([]any)
	if !ok || len(list) < n+1 {
		return fmt.Errorf(
			"Cannot set argument value for index \"%d\", because argument key is not a list or it does not include element with index \"%d\".",
			n, n)
	}
	if len(indexes) == 1 {
		list[n] = replaceArgReference(list[n], refDef, value)
		return nil
	}
	return setListValue(list[n], indexes[1:], refDef, value)
}

// replaceArgReference substitutes the ${...} reference inside an existing
// string argument. Anything else is replaced with the bound value.
func replaceArgReference(existing any, refDef string, value any) any {
	es, eok := existing.(string)
	vs, vok := value.(string)
	if eok && vok && es != "" && strings.Contains(es, refDef) {
		return strings.ReplaceAll(es, refDef, vs)
	}
	return value
}
