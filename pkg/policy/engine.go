package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/fixpoint-io/fixpoint/pkg/state"
)

// Engine is the admission gate: rego policies evaluated over the
// compiled low chunks before the runtime starts.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the builtin
// policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		policy := p
		if err := e.compileAndStore(&policy); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", policy.Name, err)
		}
	}

	return e, nil
}

// LoadPolicies loads custom policy files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStore(&policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Evaluate runs every enabled policy over the compiled low data. Error
// denials make the result disallowed; warn and info denials surface as
// warnings. A policy that fails to evaluate is itself a warning, not a
// run abort.
func (e *Engine) Evaluate(ctx context.Context, rs *state.RunState) (*Result, error) {
	start := time.Now()

	input, err := buildInput(rs)
	if err != nil {
		return nil, state.NewStructuralError("failed to encode policy input", err).WithRun(rs.Name)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		denials, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("run", rs.Name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Denial{
				Policy:   name,
				Message:  fmt.Sprintf("policy evaluation failed: %v", err),
				Severity: SeverityWarn,
			})
			continue
		}

		for _, d := range denials {
			if d.Severity == SeverityError {
				result.Allowed = false
				result.Denials = append(result.Denials, d)
			} else {
				result.Warnings = append(result.Warnings, d)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("run", rs.Name).
		Int("denials", len(result.Denials)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy gate evaluated")

	return result, nil
}

// evaluatePolicy queries one policy's deny ruleset.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input any) ([]Denial, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Store(e.store),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var denials []Denial
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				denials = append(denials, e.toDenial(cp.policy, d))
			}
		}
	}
	return denials, nil
}

// toDenial normalizes one deny result. String results take the policy's
// default severity; object results may carry their own.
func (e *Engine) toDenial(policy *Policy, result interface{}) Denial {
	denial := Denial{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		denial.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			denial.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			denial.Severity = Severity(sev)
		}
		if tag, ok := v["tag"].(string); ok {
			denial.Tag = tag
		}
	default:
		denial.Message = fmt.Sprintf("%v", result)
	}

	return denial
}

// compileAndStore parses a policy module and keeps it for evaluation.
// Callers hold e.mu.
func (e *Engine) compileAndStore(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames returns policy names in stable order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildInput converts the run's low data into the policy input
// document. The JSON round trip keeps the document identical to what a
// policy author sees when inspecting serialized low data.
func buildInput(rs *state.RunState) (*Input, error) {
	raw, err := json.Marshal(rs.Low)
	if err != nil {
		return nil, err
	}
	var chunks []map[string]interface{}
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, err
	}

	for i, chunk := range rs.Low {
		chunks[i]["tag"] = state.MakeTag(chunk)
	}

	return &Input{
		Run:    rs.Name,
		Test:   rs.Test,
		Chunks: chunks,
	}, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "fixpoint"
}
