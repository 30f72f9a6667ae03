package reconcile

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// DefaultWait is the sleep between re-runs when a state declares no wait
// strategy.
const DefaultWait = 3 * time.Second

// Strategy computes the sleep before a reconciliation re-run. runCount is
// the number of re-runs already performed, starting at 0.
type Strategy interface {
	Get(runCount int) time.Duration
}

// DefaultStrategy returns the static default wait.
func DefaultStrategy() Strategy {
	return staticWait{wait: DefaultWait}
}

// ParseWait builds a Strategy from a declaration of the form
// {"exponential": {"wait_in_seconds": 2, "multiplier": 10}}. Invalid
// parameters are structural errors: a run cannot proceed on a wait it
// cannot compute.
func ParseWait(decl map[string]any) (Strategy, error) {
	if len(decl) == 0 {
		return DefaultStrategy(), nil
	}
	if len(decl) > 1 {
		return nil, state.NewStructuralError(fmt.Sprintf(
			"reconcile wait declares %d algorithms, expected one", len(decl)), nil).
			WithCode(state.ErrCodeBadWait)
	}
	for name, raw := range decl {
		params, ok := raw.(map[string]any)
		if !ok {
			return nil, state.NewStructuralError(fmt.Sprintf(
				"reconcile wait '%s' parameters are not a map", name), nil).
				WithCode(state.ErrCodeBadWait)
		}
		switch name {
		case "static":
			return newStatic(params)
		case "random":
			return newRandom(params)
		case "exponential":
			return newExponential(params)
		default:
			return nil, state.NewStructuralError(fmt.Sprintf(
				"unknown reconcile wait algorithm '%s'", name), nil).
				WithCode(state.ErrCodeBadWait)
		}
	}
	return DefaultStrategy(), nil
}

type staticWait struct {
	wait time.Duration
}

func newStatic(params map[string]any) (Strategy, error) {
	secs, err := seconds(params, "wait_in_seconds", "static")
	if err != nil {
		return nil, err
	}
	return staticWait{wait: secs}, nil
}

func (s staticWait) Get(int) time.Duration {
	return s.wait
}

type randomWait struct {
	min time.Duration
	max time.Duration
}

func newRandom(params map[string]any) (Strategy, error) {
	min, err := seconds(params, "min_value", "random")
	if err != nil {
		return nil, err
	}
	max, err := seconds(params, "max_value", "random")
	if err != nil {
		return nil, err
	}
	if max < min {
		return nil, state.NewStructuralError(fmt.Sprintf(
			"reconcile wait 'random' max_value %v is below min_value %v", max, min), nil).
			WithCode(state.ErrCodeBadWait)
	}
	return randomWait{min: min, max: max}, nil
}

func (r randomWait) Get(int) time.Duration {
	if r.max == r.min {
		return r.min
	}
	return r.min + time.Duration(rand.Int63n(int64(r.max-r.min)+1))
}

type exponentialWait struct {
	wait       time.Duration
	multiplier float64
}

func newExponential(params map[string]any) (Strategy, error) {
	wait, err := seconds(params, "wait_in_seconds", "exponential")
	if err != nil {
		return nil, err
	}
	mult, ok := number(params["multiplier"])
	if !ok || mult <= 0 {
		return nil, state.NewStructuralError(
			"reconcile wait 'exponential' requires a positive 'multiplier'", nil).
			WithCode(state.ErrCodeBadWait)
	}
	return exponentialWait{wait: wait, multiplier: mult}, nil
}

// Get grows the base wait by multiplier^runCount, so {2s, 10} yields
// 2s, 20s, 200s.
func (e exponentialWait) Get(runCount int) time.Duration {
	return time.Duration(float64(e.wait) * math.Pow(e.multiplier, float64(runCount)))
}

// seconds reads a required non-negative seconds value out of params.
func seconds(params map[string]any, key, alg string) (time.Duration, error) {
	v, ok := number(params[key])
	if !ok || v < 0 {
		return 0, state.NewStructuralError(fmt.Sprintf(
			"reconcile wait '%s' requires a non-negative '%s'", alg, key), nil).
			WithCode(state.ErrCodeBadWait)
	}
	return time.Duration(v * float64(time.Second)), nil
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}
