package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy denial.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarn is for denials that surface as run warnings.
	SeverityWarn Severity = "warn"

	// SeverityError is for denials that abort the run.
	SeverityError Severity = "error"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module's deny ruleset is
	// what the gate queries.
	Rego string `json:"rego"`

	// Severity is the default severity for denials that do not carry
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Denial is one deny result from a policy.
type Denial struct {
	// Policy is the name of the policy that denied.
	Policy string `json:"policy"`

	// Tag identifies the chunk the denial targets, when the policy
	// names one.
	Tag string `json:"tag,omitempty"`

	// Message is a human-readable denial message.
	Message string `json:"message"`

	// Severity is the denial severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating the gate over a compiled run.
type Result struct {
	// Allowed is false when any error-severity denial fired.
	Allowed bool `json:"allowed"`

	// Denials lists error-severity denials.
	Denials []Denial `json:"denials,omitempty"`

	// Warnings lists warn- and info-severity denials.
	Warnings []Denial `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the gate ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document handed to every policy under `input`.
type Input struct {
	// Run is the run name.
	Run string `json:"run"`

	// Test is true for dry runs.
	Test bool `json:"test"`

	// Chunks are the compiled low chunks, in execution order.
	Chunks []map[string]interface{} `json:"chunks"`
}

// MarshalJSON keeps empty chunk lists as [] so policies can count them.
func (in Input) MarshalJSON() ([]byte, error) {
	type alias Input
	a := alias(in)
	if a.Chunks == nil {
		a.Chunks = []map[string]interface{}{}
	}
	return json.Marshal(a)
}
