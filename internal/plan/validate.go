package plan

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError lists every structural problem found in a plan.
type ValidationError struct {
	Plan     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan %q: %s", e.Plan, strings.Join(e.Problems, "; "))
}

// Validate checks that a plan is well formed:
//  1. The plan names a root entity type
//  2. Field names are non-empty and unique per selection level
//  3. Link and List fields name a target type and select at least one field
//  4. Scalar fields carry no sub-selections
//
// Validate is a pure function with no side effects.
func Validate(p *Plan) error {
	if p == nil {
		return errors.New("invalid plan: nil")
	}
	v := &validator{}
	if strings.TrimSpace(p.Type) == "" {
		v.add("root type is required")
	}
	if len(p.Fields) == 0 {
		v.add("at least one field must be selected")
	}
	v.validateFields(p.Type, p.Fields)

	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Plan: p.Label(), Problems: v.problems}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) add(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateFields(path string, fields []Field) {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		fieldPath := path + "." + f.Name
		if strings.TrimSpace(f.Name) == "" {
			v.add("%s: field with empty name", path)
			continue
		}
		if seen[f.Name] {
			v.add("%s: duplicate field", fieldPath)
		}
		seen[f.Name] = true

		switch f.Kind {
		case KindScalar:
			if len(f.Fields) > 0 {
				v.add("%s: scalar field cannot have sub-selections", fieldPath)
			}
		case KindLink, KindList:
			if strings.TrimSpace(f.Type) == "" {
				v.add("%s: %s field requires a target type", fieldPath, f.Kind)
			}
			if len(f.Fields) == 0 {
				v.add("%s: %s field requires sub-selections", fieldPath, f.Kind)
			}
			v.validateFields(fieldPath, f.Fields)
		default:
			v.add("%s: unknown field kind %d", fieldPath, f.Kind)
		}
	}
}
