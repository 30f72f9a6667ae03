// Package engine ties the run phases together behind one facade: load
// sources, enter enforced state management, compile and gate, execute,
// reconcile, report. Each phase advances the run status exactly once;
// a failing phase leaves the matching error status behind.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/compiler"
	"github.com/fixpoint-io/fixpoint/pkg/config"
	"github.com/fixpoint-io/fixpoint/pkg/esm"
	"github.com/fixpoint-io/fixpoint/pkg/loader"
	"github.com/fixpoint-io/fixpoint/pkg/policy"
	"github.com/fixpoint-io/fixpoint/pkg/provider"
	"github.com/fixpoint-io/fixpoint/pkg/reconcile"
	"github.com/fixpoint-io/fixpoint/pkg/report"
	"github.com/fixpoint-io/fixpoint/pkg/rules"
	"github.com/fixpoint-io/fixpoint/pkg/runtime"
	"github.com/fixpoint-io/fixpoint/pkg/state"
	"github.com/fixpoint-io/fixpoint/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	// Config is the run configuration. Required.
	Config *config.Config

	// Registry resolves state functions. Required.
	Registry *provider.Registry

	// Telemetry wires logging, metrics, and events through the phases.
	// Optional; a nil Telemetry drops metrics and events.
	Telemetry *telemetry.Telemetry

	// Policy gates compiled runs. Optional; nil disables the gate.
	Policy *policy.Engine

	// Store overrides the enforced state backend built from the config.
	Store esm.Store

	Logger zerolog.Logger
}

// RunOptions shape one invocation.
type RunOptions struct {
	// Sources are state files or dotted refs. Empty falls back to the
	// configured sources.
	Sources []string

	// Target restricts the run to one declaration ID and its
	// requisites.
	Target string

	// Test runs every state function in dry-run mode.
	Test bool

	// InvertState compiles a teardown run.
	InvertState bool

	// OmitNoop collapses unchanged entries in the report.
	OmitNoop bool
}

// Engine is the run orchestrator.
type Engine struct {
	cfg      *config.Config
	registry *provider.Registry
	tel      *telemetry.Telemetry
	policy   *policy.Engine
	store    esm.Store
	loader   *loader.Loader
	events   *phaseEvents
	log      zerolog.Logger
}

// New validates the options and builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, state.NewStructuralError("engine requires a config", nil)
	}
	if opts.Registry == nil {
		return nil, state.NewStructuralError("engine requires a provider registry", nil)
	}

	log := opts.Logger.With().Str("component", "engine").Logger()
	l, err := loader.New(loader.Options{Logger: opts.Logger})
	if err != nil {
		return nil, state.NewStructuralError("failed to build the source loader", err)
	}

	return &Engine{
		cfg:      opts.Config,
		registry: opts.Registry,
		tel:      opts.Telemetry,
		policy:   opts.Policy,
		store:    opts.Store,
		loader:   l,
		events:   newPhaseEvents(opts.Telemetry),
		log:      log,
	}, nil
}

// Apply runs the full pipeline and returns the report. The returned
// RunState carries the terminal status and per-tag results even when
// err is non-nil.
func (e *Engine) Apply(ctx context.Context, opts RunOptions) (*report.Report, *state.RunState, error) {
	started := time.Now()
	rs := e.newRun(opts)
	e.events.runStarted(rs)

	err := e.run(ctx, rs, opts)
	if err != nil {
		rs.Status = state.TerminalStatus(err)
		e.events.runFailed(rs, err)
	} else {
		rs.Status = state.StatusFinished
	}
	e.events.runFinished(rs, time.Since(started))

	rep := report.Build(rs, report.Options{OmitNoop: opts.OmitNoop})
	return rep, rs, err
}

// Plan is a test-mode Apply: it reports what would change without
// changing anything.
func (e *Engine) Plan(ctx context.Context, opts RunOptions) (*report.Report, *state.RunState, error) {
	opts.Test = true
	return e.Apply(ctx, opts)
}

// Validate loads and compiles the sources and runs the policy gate
// without entering enforced state management or executing anything.
func (e *Engine) Validate(ctx context.Context, opts RunOptions) (*state.RunState, error) {
	rs := e.newRun(opts)
	rs.Test = true

	if err := e.gatherSources(rs, opts); err != nil {
		rs.Status = state.TerminalStatus(err)
		return rs, err
	}
	if err := e.compile(ctx, rs); err != nil {
		rs.Status = state.TerminalStatus(err)
		return rs, err
	}
	rs.Status = state.StatusFinished
	return rs, nil
}

func (e *Engine) newRun(opts RunOptions) *state.RunState {
	rs := state.NewRunState(e.cfg.Run)
	rs.RunID = uuid.NewString()
	rs.Test = opts.Test
	rs.InvertState = opts.InvertState
	return rs
}

// run drives the phases inside the enforced state context. The managed
// cache view is attached to the run before compilation so requisites
// and recreate checks see the enforced state, and replaced wholesale
// when the run finishes cleanly.
func (e *Engine) run(ctx context.Context, rs *state.RunState, opts RunOptions) error {
	rs.Status = state.StatusGathering
	if err := e.gatherSources(rs, opts); err != nil {
		return err
	}

	manager, cleanup, err := e.stateManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return manager.Context(ctx, func(cache *esm.Cache) error {
		rs.Managed = cache.Data()

		if err := e.compile(ctx, rs); err != nil {
			return err
		}

		rs.Status = state.StatusRunning
		if err := e.execute(ctx, rs, opts.Target); err != nil {
			return err
		}

		return cache.Replace(rs.Managed)
	})
}

// gatherSources loads every source into the run. Entries that are not
// readable files resolve as dotted refs under the configured source
// dir.
func (e *Engine) gatherSources(rs *state.RunState, opts RunOptions) error {
	sources := opts.Sources
	if len(sources) == 0 {
		sources = e.cfg.Sources
	}
	if len(sources) == 0 {
		return state.NewGatherError("no sources configured", nil).WithRun(rs.Name)
	}

	var files, refs []string
	for _, src := range sources {
		if isFile(src) {
			files = append(files, src)
			continue
		}
		refs = append(refs, src)
	}

	if len(files) > 0 {
		if err := e.loader.Load(rs, files...); err != nil {
			return err
		}
	}
	for _, ref := range refs {
		if e.cfg.SourceDir == "" {
			return state.NewGatherError(fmt.Sprintf(
				"source '%s' is not a file and no source dir is configured", ref), nil).
				WithRun(rs.Name)
		}
		if err := e.loader.LoadRef(rs, e.cfg.SourceDir, ref); err != nil {
			return err
		}
	}
	return nil
}

// compile runs the pipeline and the policy gate. Policy denials of
// error severity join the declaration errors so they surface in the
// report like any other compilation failure.
func (e *Engine) compile(ctx context.Context, rs *state.RunState) error {
	rs.Status = state.StatusCompiling
	compileStart := time.Now()

	c := compiler.New(compiler.Options{Treqs: e.registry, Logger: e.log})
	if err := c.Compile(ctx, rs); err != nil {
		e.events.compileFinished(rs, time.Since(compileStart))
		return err
	}

	if e.policy != nil {
		result, err := e.policy.Evaluate(ctx, rs)
		if err != nil {
			return err
		}
		for _, warning := range result.Warnings {
			e.log.Warn().Str("run", rs.Name).Str("policy", warning.Policy).
				Str("tag", warning.Tag).Msg(warning.Message)
			e.events.policyViolation(rs, warning)
		}
		if !result.Allowed {
			for _, denial := range result.Denials {
				rs.AddError(fmt.Sprintf("Policy %s denied the run: %s", denial.Policy, denial.Message))
				e.events.policyViolation(rs, denial)
			}
			return state.NewCompilationError(fmt.Sprintf(
				"run '%s' denied by policy", rs.Name), nil).
				WithCode(state.ErrCodePolicyDenied).WithRun(rs.Name)
		}
	}

	e.events.compileFinished(rs, time.Since(compileStart))
	return nil
}

// execute runs the runtime sweeps and then reconciles pending states.
func (e *Engine) execute(ctx context.Context, rs *state.RunState, target string) error {
	c := compiler.New(compiler.Options{Treqs: e.registry, Logger: e.log})
	rt := runtime.New(runtime.Options{
		Engine:   rules.NewEngine(e.registry, e.log),
		Compiler: c,
		Registry: e.registry,
		Events:   e.events,
		Mode:     e.cfg.Runtime.Executor,
		Workers:  e.cfg.Runtime.Workers,
		Logger:   e.log,
	})
	if err := rt.Run(ctx, rs, nil, target); err != nil {
		return err
	}

	loop := reconcile.New(reconcile.Options{
		Runtime:          rt,
		Registry:         e.registry,
		MaxPendingReruns: e.cfg.Reconcile.MaxPendingReruns,
		Events:           e.events,
		Logger:           e.log,
	})
	reruns, err := loop.Run(ctx, rs)
	if err != nil {
		return err
	}
	if reruns > 0 {
		e.log.Info().Str("run", rs.Name).Int("reruns", reruns).
			Msg("Reconciliation finished")
	}
	return nil
}

// stateManager builds the enforced state manager over the configured
// backend. The cleanup closes backends that hold resources.
func (e *Engine) stateManager(ctx context.Context) (*esm.Manager, func(), error) {
	store := e.store
	cleanup := func() {}

	if store == nil {
		switch e.cfg.ESM.Backend {
		case "sqlite":
			sqliteStore, err := esm.NewSQLiteStore(esm.SQLiteConfig{
				Path:   e.cfg.ESM.Path,
				Run:    e.cfg.Run,
				Logger: e.log,
			})
			if err != nil {
				return nil, nil, state.NewGatherError("failed to build the sqlite state store", err).WithRun(e.cfg.Run)
			}
			if err := sqliteStore.Init(ctx); err != nil {
				return nil, nil, state.NewGatherError("failed to open the sqlite state store", err).WithRun(e.cfg.Run)
			}
			if err := sqliteStore.Migrate(ctx); err != nil {
				_ = sqliteStore.Close()
				return nil, nil, state.NewGatherError("failed to migrate the sqlite state store", err).WithRun(e.cfg.Run)
			}
			store = sqliteStore
			cleanup = func() { _ = sqliteStore.Close() }
		default:
			store = esm.NewFileStore(e.cfg.ESM.Dir, e.cfg.Run, e.log)
		}
	}

	manager := esm.NewManager(esm.Options{
		Store:       store,
		Run:         e.cfg.Run,
		CacheDir:    e.cfg.ESM.CacheDir,
		Upgrade:     e.cfg.ESM.Upgrade,
		KeepJournal: e.cfg.ESM.KeepJournal,
		Logger:      e.log,
	})
	return manager, cleanup, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
