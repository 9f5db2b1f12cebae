package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no record matches an identifier
	ErrNotFound = errors.New("rule record not found")

	// ErrValidation is returned when a record violates a required-field or
	// uniqueness constraint
	ErrValidation = errors.New("rule record validation failed")

	// ErrInvalidArgument is returned for unsupported query fields and other
	// malformed requests
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrImplementationNotFound is returned by a Lookup that has nothing under
	// the requested qualified name. Unreadable or missing namespaces count as
	// not found.
	ErrImplementationNotFound = errors.New("implementation not found")

	// ErrRuleNotFound matches every *RuleNotFoundError via errors.Is
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleTimeout is the cause recorded when a rule exceeds its time bound
	ErrRuleTimeout = errors.New("rule execution timed out")
)

// RuleNotFoundError reports that resolution exhausted every namespace
type RuleNotFoundError struct {
	Name       string
	Namespaces []string
}

func (e *RuleNotFoundError) Error() string {
	quoted := make([]string, len(e.Namespaces))
	for i, ns := range e.Namespaces {
		quoted[i] = fmt.Sprintf("%q", ns)
	}
	return fmt.Sprintf("rule %s not found in namespaces [%s]", e.Name, strings.Join(quoted, ", "))
}

func (e *RuleNotFoundError) Is(target error) bool {
	return target == ErrRuleNotFound
}

// RuleLoadError wraps a failure to resolve or instantiate a rule
type RuleLoadError struct {
	Name string
	Err  error
}

func (e *RuleLoadError) Error() string {
	return fmt.Sprintf("failed to load rule %s: %v", e.Name, e.Err)
}

func (e *RuleLoadError) Unwrap() error {
	return e.Err
}

// RuleExecutionError records a failure inside a rule's own logic.
// It is carried on an error-kind Result and never returned by the engine.
type RuleExecutionError struct {
	Name string
	Err  error
}

func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.Name, e.Err)
}

func (e *RuleExecutionError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means an implementation was absent,
// as opposed to present but broken
func IsNotFound(err error) bool {
	return errors.Is(err, ErrImplementationNotFound)
}
