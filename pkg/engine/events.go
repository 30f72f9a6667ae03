package engine

import (
	"time"

	"github.com/fixpoint-io/fixpoint/pkg/policy"
	"github.com/fixpoint-io/fixpoint/pkg/state"
	"github.com/fixpoint-io/fixpoint/pkg/telemetry"
)

// phaseEvents feeds run progress into metrics and the event bus. It
// satisfies the runtime and reconcile Events interfaces and is safe to
// build over a nil Telemetry.
type phaseEvents struct {
	tel *telemetry.Telemetry
}

func newPhaseEvents(tel *telemetry.Telemetry) *phaseEvents {
	return &phaseEvents{tel: tel}
}

func (p *phaseEvents) runStarted(rs *state.RunState) {
	if p.tel == nil {
		return
	}
	p.tel.Metrics.RecordRunStarted(rs.Name)
	_ = p.tel.Events.PublishRunStarted(rs.Name, rs.RunID)
}

func (p *phaseEvents) runFinished(rs *state.RunState, duration time.Duration) {
	if p.tel == nil {
		return
	}
	p.tel.Metrics.RecordRunFinished(string(rs.Status), duration)
	_ = p.tel.Events.PublishRunFinished(rs.Name, string(rs.Status), duration)
}

func (p *phaseEvents) runFailed(rs *state.RunState, err error) {
	if p.tel == nil {
		return
	}
	_ = p.tel.Events.PublishRunFailed(rs.Name, string(state.TerminalStatus(err)), err.Error())
}

func (p *phaseEvents) compileFinished(rs *state.RunState, duration time.Duration) {
	if p.tel == nil {
		return
	}
	p.tel.Metrics.RecordCompile(rs.Name, duration, len(rs.Errors))
	_ = p.tel.Events.PublishCompileFinished(rs.Name, len(rs.Low), len(rs.Errors))
}

func (p *phaseEvents) policyViolation(rs *state.RunState, denial policy.Denial) {
	if p.tel == nil {
		return
	}
	_ = p.tel.Events.PublishPolicyViolation(rs.Name, denial.Policy, string(denial.Severity), denial.Message)
}

// LowData implements runtime.Events.
func (p *phaseEvents) LowData(run string, low []*state.Chunk) {
	if p.tel == nil {
		return
	}
	p.tel.Metrics.SetPendingChunks(run, float64(len(low)))
}

// Result implements runtime.Events and reconcile.Events.
func (p *phaseEvents) Result(run string, res *state.Result) {
	if p.tel == nil {
		return
	}
	stateRef, _, _, fun := state.SplitTag(res.Tag)
	p.tel.Metrics.RecordChunkExecution(stateRef, fun, resultLabel(res), res.Duration)
	_ = p.tel.Events.PublishChunkResult(run, res.Tag, stateRef, resultLabel(res),
		len(res.Changes) > 0, res.Duration)
}

// Rerun implements reconcile.Events.
func (p *phaseEvents) Rerun(run string, rerun, pending int, wait time.Duration) {
	if p.tel == nil {
		return
	}
	p.tel.Metrics.RecordReconcileRerun(run)
	_ = p.tel.Events.PublishReconcileRerun(run, rerun, pending, wait)
}

func resultLabel(res *state.Result) string {
	switch {
	case res.Result == nil:
		return "unresolved"
	case *res.Result:
		return "success"
	default:
		return "failure"
	}
}
