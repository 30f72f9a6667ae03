package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/requisite"
	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Engine evaluates sequence entries. One engine serves every run; all
// per-run state lives in the RunState handed to Run.
type Engine struct {
	registry  *provider.Registry
	resolvers *requisite.Resolvers
	rmap      map[state.ReqKind]requisite.Def
	rules     map[string]Rule
	log       zerolog.Logger

	// lock serializes run state mutation when Run is called from
	// multiple goroutines. It is dropped while a state function
	// executes, so chunks still overlap inside the provider.
	lock sync.Locker
}

// NewEngine returns an engine with the built-in rules and resolvers
// registered against the default requisite map.
func NewEngine(registry *provider.Registry, log zerolog.Logger) *Engine {
	e := &Engine{
		registry:  registry,
		resolvers: requisite.NewResolvers(nil),
		rmap:      requisite.Defs(),
		rules:     make(map[string]Rule),
		log:       log,
	}
	e.rules["result"] = resultRule
	e.rules["changes"] = changesRule
	e.rules["changes_post"] = changesPostRule(e)
	e.rules["post_low"] = postLowRule
	e.rules["arg_resolver"] = argResolverRule
	e.rules["prereq"] = prereqRule(e)
	e.rules["sensitive"] = sensitiveRule
	e.rules["recreate_on_update"] = recreateRule
	return e
}

// RegisterRule adds or replaces a named rule. Call it before execution
// starts; the rule map is read without locking while runs are active.
func (e *Engine) RegisterRule(name string, rule Rule) {
	e.rules[name] = rule
}

// SetLocker installs the guard for concurrent Run calls. Call it before
// execution starts. A nil locker leaves Run single-threaded.
func (e *Engine) SetLocker(l sync.Locker) {
	e.lock = l
}

func (e *Engine) acquire() {
	if e.lock != nil {
		e.lock.Lock()
	}
}

func (e *Engine) release() {
	if e.lock != nil {
		e.lock.Unlock()
	}
}

// Resolvers exposes the resolver registry for custom aggregation.
func (e *Engine) Resolvers() *requisite.Resolvers {
	return e.resolvers
}

// Run executes one sequence entry whose requisites are all accounted for.
// It checks every satisfied reference against the requisite map's rules,
// resolves the outcomes, invokes the state function, applies the enforced
// state update policy, and records the result under the chunk's tag. The
// recorded result is returned; the error reports structural problems
// only, chunk failures land in the result.
func (e *Engine) Run(ctx context.Context, rs *state.RunState, entry *requisite.Entry, seq map[int]*requisite.Entry) (*state.Result, error) {
	e.acquire()
	defer e.release()

	chunk := entry.Chunk
	start := time.Now()

	tag := entry.Tag
	if tag == "" {
		tag = state.MakeTag(chunk)
	}

	rctx := &RuleContext{
		Run:      rs,
		Chunk:    chunk,
		Tag:      tag,
		Seq:      seq,
		Registry: e.registry,
		Log:      e.log,
	}

	outcomes := make(map[state.ReqKind][][]string)
	var pres []PreFunc
	var posts []PostFunc

	collect := func(kind state.ReqKind, def requisite.Def, reqret *requisite.Reqret) {
		var errs []string
		for _, ref := range def.Rules {
			rule, ok := e.rules[ref.Name]
			if !ok {
				continue
			}
			check := rule(ctx, rctx, ref.Condition, reqret)
			errs = append(errs, check.Errors...)
			if check.Pre != nil {
				pres = append(pres, check.Pre)
			}
			if check.Post != nil {
				posts = append(posts, check.Post)
			}
		}
		outcomes[kind] = append(outcomes[kind], errs)
	}

	for _, kind := range sortedReqKinds(entry.Reqrets) {
		def, ok := e.rmap[kind]
		if !ok {
			continue
		}
		reqrets := entry.Reqrets[kind]
		for i := range reqrets {
			collect(kind, def, &reqrets[i])
		}
	}
	for _, kind := range []state.ReqKind{state.ReqPrereq, state.ReqSensitive, state.ReqRecreateOnUpdate} {
		if !runtimeTriggered(chunk, kind) {
			continue
		}
		if def, ok := e.rmap[kind]; ok {
			collect(kind, def, nil)
		}
	}

	res := &state.Result{
		Tag:       tag,
		Name:      chunk.Name,
		ID:        chunk.ID,
		Ref:       chunk.State + "." + chunk.Fun,
		Changes:   map[string]any{},
		Result:    state.Bool(false),
		ESMTag:    state.ESMTag(chunk),
		RunNum:    rs.RunNum,
		StartTime: start,
	}
	rs.Running[tag] = res

	resolved, err := e.resolvers.ResolveKinds(outcomes)
	if err != nil {
		return nil, err
	}
	errs := append(append([]string(nil), entry.Errors...), resolved...)
	if len(errs) > 0 {
		res.Comment = errs
		res.Duration = time.Since(start)
		return res, nil
	}

	// The recreate flow already scheduled the destroy and create chunks;
	// the original chunk only reports what is about to happen.
	if chunk.HaltExecution {
		res.Comment = []string{fmt.Sprintf("The resource %s will be recreated.", chunk.ID)}
		res.Result = state.Bool(true)
		res.Duration = time.Since(start)
		return res, nil
	}

	fn, ok := e.registry.Lookup(chunk.State, chunk.Fun)
	if !ok {
		res.Comment = []string{fmt.Sprintf(
			"Could not find function to enforce %s. Please make sure that the corresponding plugin is loaded.",
			chunk.State)}
		res.Duration = time.Since(start)
		return res, nil
	}

	enforced := enforcedStateFor(chunk, rs.Managed)
	pctx := &provider.Context{
		Run:         rs.Name,
		Tag:         tag,
		Test:        rs.Test,
		InvertState: rs.InvertState,
		OldState:    enforced,
		RerunData:   chunk.RerunData,
		Log:         e.log.With().Str("tag", tag).Logger(),
	}
	call := &Call{Ctx: pctx, Name: chunk.Name, Args: e.buildArgs(chunk, enforced)}

	for _, pre := range pres {
		if perr := pre(ctx, call); perr != nil {
			res.Comment = []string{perr.Error()}
			res.Duration = time.Since(start)
			return res, nil
		}
	}

	ret := e.invoke(ctx, fn, pctx, call.Name, call.Args)
	e.conform(rs, tag, ret)

	// The enforced state is updated on success, on an explicit force_save,
	// and for a creation that reported a new state even on failure. Test
	// runs never touch it unless the run is refreshing the store.
	if (rs.Refresh || !rs.Test) && !e.registry.SkipESM(chunk.State) &&
		(ret.Result != nil && *ret.Result || ret.ForceSave ||
			(len(ret.OldState) == 0 && len(ret.NewState) > 0)) {
		if len(ret.NewState) > 0 {
			rs.Managed[res.ESMTag] = ret.NewState
		} else {
			delete(rs.Managed, res.ESMTag)
		}
	}
	ret.ForceSave = false

	for _, post := range posts {
		out, perr := post(ctx, call, ret)
		if perr != nil {
			out = &state.Return{Result: state.Bool(false), Comment: []string{perr.Error()}}
		}
		if out != nil {
			e.conform(rs, tag, out)
			ret = out
		}
	}

	if chunk.RecreationFlow {
		ret.RecreationFlow = true
	}
	mergeReturn(res, ret)
	res.Duration = time.Since(start)
	return res, nil
}

// dryRun invokes a chunk's state function in test mode without recording
// a result or touching the enforced state. The prereq rule uses it to
// probe whether a dependency would change.
func (e *Engine) dryRun(ctx context.Context, rs *state.RunState, chunk *state.Chunk) *state.Return {
	fn, ok := e.registry.Lookup(chunk.State, chunk.Fun)
	if !ok {
		return nil
	}
	enforced := enforcedStateFor(chunk, rs.Managed)
	pctx := &provider.Context{
		Run:         rs.Name,
		Tag:         state.MakeTag(chunk),
		Test:        true,
		InvertState: rs.InvertState,
		OldState:    enforced,
		RerunData:   chunk.RerunData,
		Log:         e.log,
	}
	ret := e.invoke(ctx, fn, pctx, chunk.Name, e.buildArgs(chunk, enforced))
	fillChanges(ret)
	return ret
}

// invoke calls a state function, converting a panic or a nil return into
// a failed result so one misbehaving provider cannot take down the run.
// The guard is released for the duration of the call.
func (e *Engine) invoke(ctx context.Context, fn provider.Func, pctx *provider.Context, name string, args map[string]any) (ret *state.Return) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("tag", pctx.Tag).Interface("panic", r).Msg("state function panicked")
			ret = &state.Return{
				Result:  state.Bool(false),
				Comment: []string{fmt.Sprintf("State function panicked: %v", r)},
			}
		}
	}()
	e.release()
	defer e.acquire()
	ret = fn(ctx, pctx, name, args)
	if ret == nil {
		ret = &state.Return{
			Result:  state.Bool(false),
			Comment: []string{"State function returned no result"},
		}
	}
	return ret
}

// conform normalizes a state function return: changes default to the diff
// of the returned old and new states, and sensitive argument names are
// redacted from both sides of the diff.
func (e *Engine) conform(rs *state.RunState, tag string, ret *state.Return) {
	fillChanges(ret)
	paths := rs.Sensitive[tag]
	if len(paths) == 0 || len(ret.Changes) == 0 {
		return
	}
	if side, ok := ret.Changes["new"].(map[string]any); ok {
		for _, p := range paths {
			delete(side, p)
		}
	}
	if side, ok := ret.Changes["old"].(map[string]any); ok {
		for _, p := range paths {
			delete(side, p)
		}
	}
}

func fillChanges(ret *state.Return) {
	if len(ret.Changes) > 0 {
		return
	}
	oldState := ret.OldState
	if oldState == nil {
		oldState = map[string]any{}
	}
	newState := ret.NewState
	if newState == nil {
		newState = map[string]any{}
	}
	ret.Changes = state.DeepDiff(oldState, newState)
}

// mergeReturn folds a conformed return into the running result. Result is
// copied even when nil: a nil result is the dry-run convention for "would
// change" and must not be masked by the initial false.
func mergeReturn(res *state.Result, ret *state.Return) {
	res.Result = ret.Result
	res.Comment = ret.Comment
	res.Changes = ret.Changes
	res.OldState = ret.OldState
	res.NewState = ret.NewState
	res.RerunData = ret.RerunData
	if ret.RecreationFlow {
		res.RecreationFlow = true
	}
}

func sortedReqKinds(reqrets map[state.ReqKind][]requisite.Reqret) []state.ReqKind {
	kinds := make([]state.ReqKind, 0, len(reqrets))
	for kind := range reqrets {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func runtimeTriggered(chunk *state.Chunk, kind state.ReqKind) bool {
	switch kind {
	case state.ReqPrereq:
		return len(chunk.Requires[state.ReqPrereq]) > 0
	case state.ReqSensitive:
		return len(chunk.Sensitive) > 0
	case state.ReqRecreateOnUpdate:
		return chunk.RecreateOnUpdate != nil
	}
	return false
}
