package celrules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
)

// Schema declares the fact objects a deployment exposes to rules, mapping
// each object name to its field types. Every object becomes a top-level CEL
// variable bound from Subject.Facts[object].
type Schema map[string]map[string]string

const (
	maxSchemaObjects  = 100
	maxObjectFields   = 200
	maxIdentifierSize = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var celTypes = map[string]bool{
	"int":       true,
	"int64":     true,
	"float64":   true,
	"double":    true,
	"string":    true,
	"bool":      true,
	"bytes":     true,
	"timestamp": true,
	"duration":  true,
	"list":      true,
	"map":       true,
	"dyn":       true,
}

var reservedWords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true, "break": true,
	"continue": true, "return": true, "var": true, "let": true, "const": true,
	"function": true, "in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
	// bound by the library itself
	subjectVar: true, subjectIDVar: true,
}

// ValidIdentifier checks that name can be used as a CEL variable or field
func ValidIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierSize {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierSize)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must start with a letter or underscore followed by letters, digits, or underscores", name)
	}
	if reservedWords[name] {
		return fmt.Errorf("cannot use reserved word %q as identifier", name)
	}
	return nil
}

// Validate checks object and field names and field types
func (s Schema) Validate() error {
	if len(s) > maxSchemaObjects {
		return fmt.Errorf("schema contains %d objects, maximum allowed is %d", len(s), maxSchemaObjects)
	}

	for _, object := range s.Objects() {
		fields := s[object]
		if err := ValidIdentifier(object); err != nil {
			return fmt.Errorf("invalid object name %q: %w", object, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("object %q must contain at least one field", object)
		}
		if len(fields) > maxObjectFields {
			return fmt.Errorf("object %q contains %d fields, maximum allowed is %d", object, len(fields), maxObjectFields)
		}

		for field, typeName := range fields {
			if err := ValidIdentifier(field); err != nil {
				return fmt.Errorf("invalid field name %q in object %q: %w", field, object, err)
			}
			if strings.TrimSpace(typeName) != typeName || !celTypes[typeName] {
				return fmt.Errorf("field %q in object %q has invalid type %q", field, object, typeName)
			}
		}
	}
	return nil
}

// Objects returns the declared object names in sorted order
func (s Schema) Objects() []string {
	objects := make([]string, 0, len(s))
	for name := range s {
		objects = append(objects, name)
	}
	sort.Strings(objects)
	return objects
}

// NewEnv creates the CEL environment rules compile against: subject and
// subject_id plus one dynamic variable per schema object
func NewEnv(schema Schema) (*cel.Env, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	opts := []cel.EnvOption{
		cel.Variable(subjectVar, cel.DynType),
		cel.Variable(subjectIDVar, cel.StringType),
	}
	for _, object := range schema.Objects() {
		opts = append(opts, cel.Variable(object, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}
