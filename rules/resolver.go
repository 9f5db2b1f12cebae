package rules

import (
	"context"
	"fmt"
	"strings"
)

// Lookup turns a fully-qualified rule name into an executable implementation.
// It is supplied by the hosting environment. A miss must return an error
// wrapping ErrImplementationNotFound; any other error means the
// implementation exists but could not be instantiated.
type Lookup interface {
	Lookup(ctx context.Context, qualifiedName string) (Implementation, error)
}

// Qualify joins a namespace and a rule name. The empty namespace leaves the
// name unqualified.
func Qualify(namespace, name string) string {
	namespace = strings.TrimSuffix(namespace, ".")
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// Resolution is a successful lookup together with where it was found
type Resolution struct {
	Implementation Implementation
	Namespace      string
	QualifiedName  string
}

// Resolver searches an ordered list of namespaces for a rule implementation
type Resolver struct {
	lookup  Lookup
	metrics *Metrics
}

// NewResolver creates a resolver over the host lookup capability
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// WithMetrics records resolution outcomes on m
func (r *Resolver) WithMetrics(m *Metrics) *Resolver {
	r.metrics = m
	return r
}

// Resolve tries each namespace in order and returns the first implementation
// found. Misses move on to the next namespace. Other failures are remembered
// and the search continues; if nothing is found the first such failure is
// returned as a *RuleLoadError, otherwise a *RuleNotFoundError lists the
// namespaces attempted. No namespaces means the bare name only.
func (r *Resolver) Resolve(ctx context.Context, name string, namespaces []string) (*Resolution, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: rule name is required", ErrInvalidArgument)
	}
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}

	attempted := make([]string, 0, len(namespaces))
	var firstFailure error
	for _, ns := range namespaces {
		if err := ctx.Err(); err != nil {
			return nil, &RuleLoadError{Name: name, Err: err}
		}
		attempted = append(attempted, ns)
		qualified := Qualify(ns, name)

		impl, err := r.lookup.Lookup(ctx, qualified)
		if err == nil && impl != nil {
			r.metrics.resolved("found")
			return &Resolution{Implementation: impl, Namespace: ns, QualifiedName: qualified}, nil
		}
		if err == nil || IsNotFound(err) {
			continue
		}
		if firstFailure == nil {
			firstFailure = fmt.Errorf("%s: %w", qualified, err)
		}
	}

	if firstFailure != nil {
		r.metrics.resolved("failed")
		return nil, &RuleLoadError{Name: name, Err: firstFailure}
	}
	r.metrics.resolved("not_found")
	return nil, &RuleNotFoundError{Name: name, Namespaces: attempted}
}
