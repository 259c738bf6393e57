package engine

import "errors"

// Sentinel errors for build failures.
var (
	// ErrConfig indicates a rule that cannot be run as configured, such as a
	// command template with an unknown placeholder.
	ErrConfig = errors.New("configuration error")
	// ErrRuleFailed indicates a rule's command exited non-zero or left no
	// usable output.
	ErrRuleFailed = errors.New("rule failed")
	// ErrNoFixpoint indicates a rule was still out of date after the maximum
	// number of passes.
	ErrNoFixpoint = errors.New("could not reach stable output")
	// ErrStaleFailure indicates a rule failed in an earlier invocation and
	// none of its sources changed since.
	ErrStaleFailure = errors.New("previous run failed and nothing changed since")
)

// Category classifies a build error for programmatic handling.
type Category string

const (
	// CatConfig is a configuration problem; the build stops.
	CatConfig Category = "configuration"
	// CatSource is a source file that could not be read or hashed.
	CatSource Category = "transient_source"
	// CatRule is a rule whose run failed; rules that do not depend on it go on.
	CatRule Category = "rule_failure"
	// CatState is an unusable state file.
	CatState Category = "state_corruption"
	// CatNonTermination is a rule network that did not settle.
	CatNonTermination Category = "non_termination"
)

// RuleError records a failure with the rule it concerns.
type RuleError struct {
	RuleID   string
	Category Category
	Err      error
}

// Error returns a human-readable string including the rule id.
func (e *RuleError) Error() string {
	if e.RuleID == "" {
		return e.Err.Error()
	}
	return "rule " + e.RuleID + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *RuleError) Unwrap() error {
	return e.Err
}
