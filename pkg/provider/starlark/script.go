// Package starlark hosts provider scripts: .star files whose top-level
// functions serve as state functions. Values cross the boundary as
// Starlark dicts and lists; a script error is a failure return, not an
// engine error.
package starlark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Options configures script loading.
type Options struct {
	// Timeout bounds each state function call. Default 30s.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Script is one loaded provider script. Its exported functions are
// called as fun(ctx, name, args) and return a dict shaped like a state
// return.
type Script struct {
	path     string
	stateRef string
	funcs    map[string]*starlark.Function
	params   map[string][]string
	skipESM  bool
	wait     map[string]any
	timeout  time.Duration
	log      zerolog.Logger
}

// LoadScript executes a .star file and collects its state functions.
// Top-level functions not prefixed with an underscore become state
// functions; the optional globals state, params, skip_esm, and
// reconcile_wait refine the provider.
func LoadScript(path string, opts Options) (*Script, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}

	log := opts.Logger.With().
		Str("component", "starlark-host").
		Str("script", filepath.Base(path)).
		Logger()

	thread := &starlark.Thread{
		Name: path,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Msg(msg)
		},
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	globals, err := starlark.ExecFile(thread, path, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", path, evalErr(err))
	}

	s := &Script{
		path:     path,
		stateRef: strings.TrimSuffix(filepath.Base(path), ".star"),
		funcs:    make(map[string]*starlark.Function),
		timeout:  opts.Timeout,
		log:      log,
	}

	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		switch name {
		case "state":
			ref, ok := starlark.AsString(val)
			if !ok {
				return nil, fmt.Errorf("script %s: state must be a string", path)
			}
			s.stateRef = ref
		case "skip_esm":
			s.skipESM = bool(val.Truth())
		case "params":
			if err := s.decodeParams(val); err != nil {
				return nil, fmt.Errorf("script %s: %w", path, err)
			}
		case "reconcile_wait":
			wait, err := fromDict(val)
			if err != nil {
				return nil, fmt.Errorf("script %s: reconcile_wait: %w", path, err)
			}
			s.wait = wait
		default:
			if fn, ok := val.(*starlark.Function); ok {
				s.funcs[name] = fn
			}
		}
	}

	if len(s.funcs) == 0 {
		return nil, fmt.Errorf("script %s declares no state functions", path)
	}
	return s, nil
}

func (s *Script) decodeParams(val starlark.Value) error {
	raw, err := fromDict(val)
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	s.params = make(map[string][]string, len(raw))
	for fun, names := range raw {
		list, ok := names.([]any)
		if !ok {
			return fmt.Errorf("params for %s must be a list", fun)
		}
		strs := make([]string, len(list))
		for i, n := range list {
			name, ok := n.(string)
			if !ok {
				return fmt.Errorf("params for %s must be strings", fun)
			}
			strs[i] = name
		}
		s.params[fun] = strs
	}
	return nil
}

// StateRef reports the state ref the script serves.
func (s *Script) StateRef() string { return s.stateRef }

// Functions lists the exported state function names, sorted.
func (s *Script) Functions() []string {
	names := make([]string, 0, len(s.funcs))
	for name := range s.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider wraps the script as a registered provider.
func (s *Script) Provider() *provider.Provider {
	p := &provider.Provider{
		State:         s.stateRef,
		Funcs:         make(map[string]provider.Func, len(s.funcs)),
		Params:        s.params,
		SkipESM:       s.skipESM,
		ReconcileWait: s.wait,
	}
	for name, fn := range s.funcs {
		p.Funcs[name] = s.stateFunc(name, fn)
	}
	return p
}

// stateFunc adapts one script function. Every call runs on a fresh
// thread; the call context cancels it.
func (s *Script) stateFunc(fun string, fn *starlark.Function) provider.Func {
	return func(ctx context.Context, pctx *provider.Context, name string, args map[string]any) *state.Return {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		thread := &starlark.Thread{
			Name: s.path + ":" + fun,
			Print: func(_ *starlark.Thread, msg string) {
				s.log.Debug().Str("fun", fun).Msg(msg)
			},
		}
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-callCtx.Done():
				thread.Cancel(callCtx.Err().Error())
			case <-stop:
			}
		}()

		callArgs, err := s.buildArgs(pctx, name, args)
		if err != nil {
			return failure(fmt.Sprintf("%s.%s: %v", s.stateRef, fun, err))
		}
		result, err := starlark.Call(thread, fn, callArgs, nil)
		if err != nil {
			s.log.Error().Err(err).Str("fun", fun).Msg("Script call failed")
			return failure(fmt.Sprintf("%s.%s failed: %v", s.stateRef, fun, evalErr(err)))
		}

		ret, err := decodeReturn(result, pctx.Test)
		if err != nil {
			return failure(fmt.Sprintf("%s.%s: %v", s.stateRef, fun, err))
		}
		return ret
	}
}

// buildArgs shapes the (ctx, name, args) tuple every state function
// receives. The context is a struct so scripts write ctx.test rather
// than ctx["test"].
func (s *Script) buildArgs(pctx *provider.Context, name string, args map[string]any) (starlark.Tuple, error) {
	oldState, err := toValue(anyMap(pctx.OldState))
	if err != nil {
		return nil, fmt.Errorf("old_state: %w", err)
	}
	rerunData, err := toValue(pctx.RerunData)
	if err != nil {
		return nil, fmt.Errorf("rerun_data: %w", err)
	}
	ctxStruct := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"run":          starlark.String(pctx.Run),
		"tag":          starlark.String(pctx.Tag),
		"test":         starlark.Bool(pctx.Test),
		"invert_state": starlark.Bool(pctx.InvertState),
		"old_state":    oldState,
		"rerun_data":   rerunData,
	})
	argsVal, err := toValue(anyMap(args))
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	return starlark.Tuple{ctxStruct, starlark.String(name), argsVal}, nil
}

// decodeReturn maps the dict a state function returns onto a state
// return. Only result is required outside test runs.
func decodeReturn(v starlark.Value, test bool) (*state.Return, error) {
	raw, err := fromDict(v)
	if err != nil {
		return nil, fmt.Errorf("state function must return a dict: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("state function returned no value")
	}

	ret := &state.Return{}
	if r, ok := raw["result"]; ok && r != nil {
		b, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("result must be a bool or None, got %T", r)
		}
		ret.Result = state.Bool(b)
	}
	if ret.Result == nil && !test {
		return nil, fmt.Errorf("state function returned no result")
	}
	switch c := raw["comment"].(type) {
	case nil:
	case string:
		ret.Comment = []string{c}
	case []any:
		for _, item := range c {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("comment entries must be strings, got %T", item)
			}
			ret.Comment = append(ret.Comment, str)
		}
	default:
		return nil, fmt.Errorf("comment must be a string or list, got %T", c)
	}
	if ret.OldState, err = mapField(raw, "old_state"); err != nil {
		return nil, err
	}
	if ret.NewState, err = mapField(raw, "new_state"); err != nil {
		return nil, err
	}
	if ret.Changes, err = mapField(raw, "changes"); err != nil {
		return nil, err
	}
	ret.RerunData = raw["rerun_data"]
	if fs, ok := raw["force_save"].(bool); ok {
		ret.ForceSave = fs
	}
	return ret, nil
}

func mapField(raw map[string]any, key string) (map[string]any, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a dict, got %T", key, v)
	}
	return m, nil
}

func failure(comment string) *state.Return {
	return &state.Return{
		Result:  state.Bool(false),
		Comment: []string{comment},
	}
}

// evalErr substitutes the backtrace for the bare message so script
// failures point at the failing line.
func evalErr(err error) error {
	if evalError, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("%s", evalError.Backtrace())
	}
	return err
}

// anyMap keeps None out of scripts when a map is simply absent.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// LoadDir loads every .star file under the given directories and
// registers its provider.
func LoadDir(registry *provider.Registry, dirs []string, opts Options) ([]*Script, error) {
	var scripts []*Script
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".star") {
				return nil
			}
			script, err := LoadScript(path, opts)
			if err != nil {
				return err
			}
			if err := registry.Register(script.Provider()); err != nil {
				return fmt.Errorf("script %s: %w", path, err)
			}
			scripts = append(scripts, script)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load scripts from %s: %w", dir, err)
		}
	}
	return scripts, nil
}
