package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RuleRecord is the persisted definition of a rule
type RuleRecord struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Version  int    `json:"version"`

	// Implementation is the reference handed to Add, e.g. a source file or
	// qualified symbol name. Resolution itself goes by Name.
	Implementation string `json:"implementation,omitempty"`

	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	Institution string `json:"institution,omitempty"`
	Specialist  string `json:"specialist,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
	Citations   string `json:"citations,omitempty"`
	Links       string `json:"links,omitempty"`
	Action      string `json:"action,omitempty"`

	Retired   bool       `json:"retired"`
	RetiredAt *time.Time `json:"retiredAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Prioritized reports whether the record takes part in priority ordering
func (r *RuleRecord) Prioritized() bool {
	return r.Priority > 0
}

func (r *RuleRecord) clone() *RuleRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.RetiredAt != nil {
		t := *r.RetiredAt
		cp.RetiredAt = &t
	}
	return &cp
}

// Subject is the patient (or other entity) a rule is evaluated against.
// Facts is opaque to the engine and handed to implementations untouched.
type Subject struct {
	ID    string         `json:"id"`
	Facts map[string]any `json:"facts,omitempty"`
}

// ResultKind classifies the payload of a Result
type ResultKind int

const (
	KindEmpty ResultKind = iota
	KindBoolean
	KindNumeric
	KindCoded
	KindText
	KindError
)

var kindNames = map[ResultKind]string{
	KindEmpty:   "empty",
	KindBoolean: "boolean",
	KindNumeric: "numeric",
	KindCoded:   "coded",
	KindText:    "text",
	KindError:   "error",
}

func (k ResultKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText encodes the kind by name for JSON responses
func (k ResultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText
func (k *ResultKind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: unknown result kind %q", ErrInvalidArgument, string(b))
}

// Code is a coded clinical value such as a concept from a terminology
type Code struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

func (c Code) String() string {
	ref := c.Code
	if c.System != "" {
		ref = c.System + "#" + c.Code
	}
	if c.Display == "" {
		return ref
	}
	return c.Display + " (" + ref + ")"
}

// Value is what an implementation produces for one subject.
// The payload type always matches Kind; empty values have no payload.
type Value struct {
	Kind    ResultKind
	Payload any
}

func BoolValue(b bool) Value { return Value{Kind: KindBoolean, Payload: b} }
func NumberValue(f float64) Value { return Value{Kind: KindNumeric, Payload: f} }
func TextValue(s string) Value { return Value{Kind: KindText, Payload: s} }
func CodedValue(c Code) Value { return Value{Kind: KindCoded, Payload: c} }
func EmptyValue() Value { return Value{Kind: KindEmpty} }

// Implementation is an executable rule, ready to run against a subject
type Implementation interface {
	Eval(ctx context.Context, subject Subject) (Value, error)
}

// ImplementationFunc adapts a plain function to Implementation
type ImplementationFunc func(ctx context.Context, subject Subject) (Value, error)

func (f ImplementationFunc) Eval(ctx context.Context, subject Subject) (Value, error) {
	return f(ctx, subject)
}

// LoadedRule is a cached, ready-to-run implementation bound to a rule name.
// It is never mutated; a reload replaces it.
type LoadedRule struct {
	Name           string
	QualifiedName  string
	Namespace      string
	Implementation Implementation
	LoadedAt       time.Time
}

// Result is the outcome of executing one rule against one subject
type Result struct {
	ExecutionID string        `json:"executionId"`
	SubjectID   string        `json:"subjectId"`
	RuleID      int64         `json:"ruleId"`
	RuleName    string        `json:"ruleName"`
	Namespace   string        `json:"namespace,omitempty"`
	Kind        ResultKind    `json:"kind"`
	Payload     any           `json:"payload,omitempty"`
	Err         error         `json:"-"`
	Duration    time.Duration `json:"duration"`
}

// IsEmpty reports a successful execution that produced nothing
func (r *Result) IsEmpty() bool {
	return r.Kind == KindEmpty
}

// IsError reports a failed execution
func (r *Result) IsError() bool {
	return r.Kind == KindError
}

// Render formats the result as a single line of text.
// Empty results render as "".
func (r *Result) Render() string {
	switch r.Kind {
	case KindEmpty:
		return ""
	case KindError:
		msg := "unknown failure"
		var execErr *RuleExecutionError
		switch {
		case errors.As(r.Err, &execErr) && execErr.Err != nil:
			msg = execErr.Err.Error()
		case r.Err != nil:
			msg = r.Err.Error()
		}
		return fmt.Sprintf("[error] %s: %s", r.RuleName, msg)
	case KindNumeric:
		if f, ok := r.Payload.(float64); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	case KindBoolean:
		if b, ok := r.Payload.(bool); ok {
			return strconv.FormatBool(b)
		}
	}
	return strings.TrimSpace(fmt.Sprint(r.Payload))
}
