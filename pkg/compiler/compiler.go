// Package compiler turns high-level declarations into the ordered low
// chunk list a run executes. Compilation is a fixed pipeline of stages;
// each stage appends declaration errors to the run state instead of
// aborting, so a single pass reports everything wrong with the sources.
package compiler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// TreqSource reports transparent requisites for a state ref. The provider
// registry implements it; a nil source disables the stage.
type TreqSource interface {
	Treq(stateRef string) *state.Treq
}

// Stage is one step of the compile pipeline.
type Stage struct {
	Name string
	Run  func(rs *state.RunState) error
}

// Compiler compiles high data on a RunState.
type Compiler struct {
	treqs TreqSource
	log   zerolog.Logger
}

// Options configures a Compiler.
type Options struct {
	// Treqs supplies transparent requisites. Optional.
	Treqs TreqSource

	// Logger receives per-stage debug logging.
	Logger zerolog.Logger
}

// New returns a Compiler with the fixed stage pipeline.
func New(opts Options) *Compiler {
	return &Compiler{
		treqs: opts.Treqs,
		log:   opts.Logger,
	}
}

// Stages returns the pipeline in execution order.
func (c *Compiler) Stages() []Stage {
	return []Stage{
		{Name: "verify", Run: c.verify},
		{Name: "arg_bind", Run: c.argBind},
		{Name: "extend", Run: c.extend},
		{Name: "req_in", Run: c.reqIn},
		{Name: "exclude", Run: c.exclude},
		{Name: "low", Run: c.compileLow},
		{Name: "treq", Run: c.applyTreq},
		{Name: "invert", Run: c.invert},
	}
}

// Compile runs every stage in order. Declaration errors collect on the
// run state; a non-empty error list after the pipeline fails compilation.
func (c *Compiler) Compile(ctx context.Context, rs *state.RunState) error {
	if rs.High == nil {
		rs.High = state.NewHigh()
	}
	for _, stage := range c.Stages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Debug().Str("stage", stage.Name).Str("run", rs.Name).Msg("running compile stage")
		if err := stage.Run(rs); err != nil {
			return err
		}
	}
	if len(rs.Errors) > 0 {
		return state.NewCompilationError("high data compilation failed", nil).
			WithCode(state.ErrCodeDeclaration).
			WithRun(rs.Name).
			WithDetail("errors", len(rs.Errors))
	}
	return nil
}

// slsOf returns the source file recorded for a declaration, for error
// messages.
func slsOf(rs *state.RunState, id string) string {
	if meta, ok := rs.Meta[id]; ok && meta.File != "" {
		return meta.File
	}
	return "base"
}
