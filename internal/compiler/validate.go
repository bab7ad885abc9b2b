package compiler

import (
	"errors"
	"fmt"

	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/merge"
	"github.com/roach88/graphcache/internal/plan"
)

// Validation error codes (E100-E199)
const (
	// Type errors (E101-E109)
	ErrIdentityConflict = "E101" // identity and identity_expr both set
	ErrIdentityExpr     = "E102" // identity_expr does not compile
	ErrUnknownReducer   = "E103" // reducer name not recognized
	ErrUnionFields      = "E104" // union_fields missing or unused

	// Plan errors (E110-E119)
	ErrPlanStructure  = "E110" // malformed selection
	ErrUndeclaredType = "E111" // plan or link names an undeclared type
	ErrRootKeyType    = "E112" // root key belongs to another type
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled schema for cross-reference problems.
// Returns all errors found (does not fail-fast).
func Validate(s *Schema) []ValidationError {
	var errs []ValidationError
	declared := make(map[string]bool, len(s.Types))
	for _, t := range s.Types {
		declared[t.Name] = true
		errs = append(errs, validateType(t)...)
	}
	for _, p := range s.Plans {
		errs = append(errs, s.validatePlan(p, declared)...)
	}
	return errs
}

func validateType(t TypeSpec) []ValidationError {
	var errs []ValidationError
	field := "type." + t.Name
	line := t.Pos.Line()

	if len(t.Identity.Fields) > 0 && t.Identity.Expr != "" {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: "identity and identity_expr are mutually exclusive",
			Code:    ErrIdentityConflict,
			Line:    line,
		})
	} else if t.Identity.Expr != "" {
		if err := keys.NewResolver().Register(t.Name, t.Identity); err != nil {
			errs = append(errs, ValidationError{
				Field:   field + ".identity_expr",
				Message: err.Error(),
				Code:    ErrIdentityExpr,
				Line:    line,
			})
		}
	}

	if _, ok := merge.Named(t.Reducer, t.UnionFields); !ok {
		errs = append(errs, ValidationError{
			Field:   field + ".reducer",
			Message: fmt.Sprintf("unknown reducer %q, must be \"overwrite\" or \"list_union\"", t.Reducer),
			Code:    ErrUnknownReducer,
			Line:    line,
		})
	}
	switch {
	case t.Reducer == "list_union" && len(t.UnionFields) == 0:
		errs = append(errs, ValidationError{
			Field:   field + ".union_fields",
			Message: "list_union reducer requires union_fields",
			Code:    ErrUnionFields,
			Line:    line,
		})
	case t.Reducer != "list_union" && len(t.UnionFields) > 0:
		errs = append(errs, ValidationError{
			Field:   field + ".union_fields",
			Message: "union_fields only apply to the list_union reducer",
			Code:    ErrUnionFields,
			Line:    line,
		})
	}
	return errs
}

func (s *Schema) validatePlan(p *plan.Plan, declared map[string]bool) []ValidationError {
	var errs []ValidationError
	field := "plan." + p.Name
	line := s.pos[field].Line()

	if err := plan.Validate(p); err != nil {
		var ve *plan.ValidationError
		if errors.As(err, &ve) {
			for _, problem := range ve.Problems {
				errs = append(errs, ValidationError{Field: field, Message: problem, Code: ErrPlanStructure, Line: line})
			}
		} else {
			errs = append(errs, ValidationError{Field: field, Message: err.Error(), Code: ErrPlanStructure, Line: line})
		}
	}

	// Only schemas that declare types are checked for undeclared references.
	if len(declared) > 0 {
		if !declared[p.Type] {
			errs = append(errs, ValidationError{
				Field:   field + ".type",
				Message: fmt.Sprintf("type %q is not declared", p.Type),
				Code:    ErrUndeclaredType,
				Line:    line,
			})
		}
		errs = append(errs, undeclaredLinks(field, p.Fields, declared, line)...)
	}

	if p.RootKey != "" {
		if typ := keys.TypeOf(p.RootKey); typ != p.Type {
			errs = append(errs, ValidationError{
				Field:   field + ".root",
				Message: fmt.Sprintf("root key %q is not a %s key", p.RootKey, p.Type),
				Code:    ErrRootKeyType,
				Line:    line,
			})
		}
	}
	return errs
}

func undeclaredLinks(path string, fields []plan.Field, declared map[string]bool, line int) []ValidationError {
	var errs []ValidationError
	for _, f := range fields {
		if !f.IsEntity() {
			continue
		}
		fieldPath := path + "." + f.Name
		if f.Type != "" && !declared[f.Type] {
			errs = append(errs, ValidationError{
				Field:   fieldPath + ".type",
				Message: fmt.Sprintf("type %q is not declared", f.Type),
				Code:    ErrUndeclaredType,
				Line:    line,
			})
		}
		errs = append(errs, undeclaredLinks(fieldPath, f.Fields, declared, line)...)
	}
	return errs
}
