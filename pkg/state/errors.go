package state

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a run error by the phase it belongs to. The class
// decides which terminal status the run is left in.
type ErrorClass string

const (
	// ErrorClassCompilation covers structural problems in high data and
	// accumulated declaration errors.
	ErrorClassCompilation ErrorClass = "compilation"

	// ErrorClassGather covers failures acquiring sources or the enforced
	// state, including lock contention and version mismatches.
	ErrorClassGather ErrorClass = "gather"

	// ErrorClassRuntime covers failures during execution sweeps, such as
	// stale sequences and recursive requisites.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassStructural covers invalid engine configuration: unknown
	// resolvers, bad wait parameters, unusable stores.
	ErrorClassStructural ErrorClass = "structural"
)

// Error codes for programmatic handling.
const (
	ErrCodeNoLowData     = "no_low_data"
	ErrCodeBadTarget     = "bad_target"
	ErrCodeStaleSequence = "stale_sequence"
	ErrCodeCircular      = "circular_requisites"
	ErrCodeRecursive     = "recursive_requisite"
	ErrCodeDeclaration   = "declaration_errors"
	ErrCodeESMVersion    = "esm_version"
	ErrCodeESMLocked     = "esm_locked"
	ErrCodeBadResolver   = "bad_resolver"
	ErrCodeBadWait       = "bad_wait_params"
	ErrCodePolicyDenied  = "policy_denied"
)

// RunError is a classified engine error with run context.
type RunError struct {
	// Class decides the terminal status of the run.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`

	// Run is the run name, if known.
	Run string `json:"run,omitempty"`

	// Tag is the chunk tag the error relates to, if any.
	Tag string `json:"tag,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context for diagnostics.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	switch {
	case e.Run != "" && e.Tag != "":
		return fmt.Sprintf("[%s] %s (run=%s, tag=%s)%s", e.Class, e.Message, e.Run, e.Tag, e.unwrapSuffix())
	case e.Run != "":
		return fmt.Sprintf("[%s] %s (run=%s)%s", e.Class, e.Message, e.Run, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is matches run errors by class and code.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// StatusFor maps the error class to the terminal run status.
func (e *RunError) StatusFor() Status {
	switch e.Class {
	case ErrorClassCompilation:
		return StatusCompilationError
	case ErrorClassGather:
		return StatusGatherError
	case ErrorClassRuntime, ErrorClassStructural:
		return StatusRuntimeError
	}
	return StatusUndefined
}

// NewCompilationError creates a compilation-class error.
func NewCompilationError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassCompilation, Message: message, Err: err}
}

// NewGatherError creates a gather-class error.
func NewGatherError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassGather, Message: message, Err: err}
}

// NewRuntimeError creates a runtime-class error.
func NewRuntimeError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassRuntime, Message: message, Err: err}
}

// NewStructuralError creates a structural-class error.
func NewStructuralError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassStructural, Message: message, Err: err}
}

// WithCode adds a machine-readable code.
func (e *RunError) WithCode(code string) *RunError {
	e.Code = code
	return e
}

// WithRun adds run context.
func (e *RunError) WithRun(run string) *RunError {
	e.Run = run
	return e
}

// WithTag adds chunk tag context.
func (e *RunError) WithTag(tag string) *RunError {
	e.Tag = tag
	return e
}

// WithDetail adds a diagnostic detail field.
func (e *RunError) WithDetail(key string, value any) *RunError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsCompilation reports whether err is a compilation-class run error.
func IsCompilation(err error) bool {
	return classOf(err) == ErrorClassCompilation
}

// IsGather reports whether err is a gather-class run error.
func IsGather(err error) bool {
	return classOf(err) == ErrorClassGather
}

// IsRuntime reports whether err is a runtime-class run error.
func IsRuntime(err error) bool {
	return classOf(err) == ErrorClassRuntime
}

// IsStructural reports whether err is a structural-class run error.
func IsStructural(err error) bool {
	return classOf(err) == ErrorClassStructural
}

func classOf(err error) ErrorClass {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// TerminalStatus returns the run status an error should leave behind.
// Non-run errors default to the runtime error status.
func TerminalStatus(err error) Status {
	var e *RunError
	if errors.As(err, &e) {
		return e.StatusFor()
	}
	return StatusRuntimeError
}
