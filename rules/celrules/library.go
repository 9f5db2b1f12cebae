// Package celrules compiles rules written in CEL into rule implementations.
//
// A rule's source is a single CEL expression. It sees the subject's facts as
// `subject`, the subject identifier as `subject_id`, and each object declared
// in the Schema as a variable of the same name.
package celrules

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/dss/rules"
)

const (
	subjectVar   = "subject"
	subjectIDVar = "subject_id"

	// DefaultCostLimit bounds the work a single evaluation may do
	DefaultCostLimit uint64 = 1000000

	// DefaultInterruptCheckFrequency is how many comprehension iterations run
	// between context checks
	DefaultInterruptCheckFrequency uint = 100
)

// SourceProvider fetches the CEL source for a qualified rule name. A missing
// rule must be reported with an error wrapping rules.ErrImplementationNotFound.
type SourceProvider interface {
	Source(ctx context.Context, qualifiedName string) (string, error)
}

// Library is a rules.Lookup that compiles CEL sources on demand
type Library struct {
	env            *cel.Env
	schema         Schema
	sources        SourceProvider
	costLimit      uint64
	interruptEvery uint
}

// Option configures a Library
type Option func(*Library)

// WithSchema declares fact objects as top-level variables
func WithSchema(schema Schema) Option {
	return func(l *Library) { l.schema = schema }
}

// WithCostLimit overrides DefaultCostLimit; 0 removes the limit
func WithCostLimit(limit uint64) Option {
	return func(l *Library) { l.costLimit = limit }
}

// WithInterruptCheckFrequency overrides DefaultInterruptCheckFrequency
func WithInterruptCheckFrequency(n uint) Option {
	return func(l *Library) { l.interruptEvery = n }
}

// NewLibrary creates a library reading sources from provider
func NewLibrary(provider SourceProvider, opts ...Option) (*Library, error) {
	l := &Library{
		sources:        provider,
		costLimit:      DefaultCostLimit,
		interruptEvery: DefaultInterruptCheckFrequency,
	}
	for _, opt := range opts {
		opt(l)
	}

	env, err := NewEnv(l.schema)
	if err != nil {
		return nil, err
	}
	l.env = env
	return l, nil
}

// Lookup fetches and compiles the rule stored under qualifiedName.
// A compile error is a load failure, not a miss.
func (l *Library) Lookup(ctx context.Context, qualifiedName string) (rules.Implementation, error) {
	source, err := l.sources.Source(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}
	impl, err := l.Compile(qualifiedName, source)
	if err != nil {
		return nil, err
	}
	return impl, nil
}

// Compile type-checks source and returns an implementation for it
func (l *Library) Compile(name, source string) (*Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("rule %s has an empty source", name)
	}

	ast, issues := l.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error in %s: %w", name, issues.Err())
	}

	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(l.interruptEvery)}
	if l.costLimit > 0 {
		opts = append(opts, cel.CostLimit(l.costLimit))
	}
	prg, err := l.env.Program(ast, opts...)
	if err != nil {
		return nil, fmt.Errorf("program creation error in %s: %w", name, err)
	}

	return &Program{name: name, source: source, objects: l.schema.Objects(), prg: prg}, nil
}

// Program is a compiled CEL rule
type Program struct {
	name    string
	source  string
	objects []string
	prg     cel.Program
}

// Name returns the qualified name the program was compiled under
func (p *Program) Name() string {
	return p.name
}

// Source returns the CEL text the program was compiled from
func (p *Program) Source() string {
	return p.source
}

// Eval runs the expression against subject. Cancelling ctx interrupts
// long-running comprehensions.
func (p *Program) Eval(ctx context.Context, subject rules.Subject) (rules.Value, error) {
	facts := subject.Facts
	if facts == nil {
		facts = map[string]any{}
	}

	vars := map[string]any{
		subjectVar:   facts,
		subjectIDVar: subject.ID,
	}
	for _, object := range p.objects {
		if v, ok := facts[object]; ok && v != nil {
			vars[object] = v
		} else {
			vars[object] = map[string]any{}
		}
	}

	out, _, err := p.prg.ContextEval(ctx, vars)
	if err != nil {
		return rules.Value{}, err
	}
	return toValue(out)
}

var (
	_ rules.Lookup         = (*Library)(nil)
	_ rules.Implementation = (*Program)(nil)
)
