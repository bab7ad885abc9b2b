package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/graphcache/internal/keys"
	"github.com/roach88/graphcache/internal/merge"
	"github.com/roach88/graphcache/internal/plan"
)

// TypeSpec declares one entity type: how its key is derived and which
// reducer merges its records.
type TypeSpec struct {
	Name        string        `json:"name"`
	Identity    keys.Identity `json:"identity"`
	Reducer     string        `json:"reducer,omitempty"`
	UnionFields []string      `json:"union_fields,omitempty"`
	Pos         token.Pos     `json:"-"`
}

// Schema is a compiled schema document: entity types and named plans, in
// declaration order.
type Schema struct {
	Types []TypeSpec   `json:"types"`
	Plans []*plan.Plan `json:"plans"`
	pos   map[string]token.Pos
}

// Type returns the declared type named name.
func (s *Schema) Type(name string) (TypeSpec, bool) {
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeSpec{}, false
}

// Plan returns the plan named name.
func (s *Schema) Plan(name string) (*plan.Plan, bool) {
	for _, p := range s.Plans {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Resolver builds a key resolver with every declared identity registered.
func (s *Schema) Resolver() (*keys.Resolver, error) {
	r := keys.NewResolver()
	for _, t := range s.Types {
		if len(t.Identity.Fields) == 0 && t.Identity.Expr == "" {
			continue
		}
		if err := r.Register(t.Name, t.Identity); err != nil {
			return nil, &CompileError{Field: "type." + t.Name, Message: err.Error(), Pos: t.Pos}
		}
	}
	return r, nil
}

// Reducers builds a reducer registry from the declared reducer names.
func (s *Schema) Reducers() (*merge.Registry, error) {
	reg := merge.NewRegistry()
	for _, t := range s.Types {
		red, ok := merge.Named(t.Reducer, t.UnionFields)
		if !ok {
			return nil, &CompileError{
				Field:   "type." + t.Name + ".reducer",
				Message: fmt.Sprintf("unknown reducer %q", t.Reducer),
				Pos:     t.Pos,
			}
		}
		if t.Reducer != "" {
			reg.Register(t.Name, red)
		}
	}
	return reg, nil
}

// CompileSchema parses a CUE value holding `type` and `plan` structs into a
// Schema. Uses the CUE Go API directly.
//
//	type: Account: { identity: ["Id"] }
//	plan: AccountName: {
//		type: "Account"
//		root: "Account:1"
//		fields: ["Id", { name: "Name", required: true }]
//	}
//
// CompileSchema checks shape only; see Validate for cross references.
func CompileSchema(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	s := &Schema{pos: make(map[string]token.Pos)}

	if typesVal := v.LookupPath(cue.ParsePath("type")); typesVal.Exists() {
		iter, err := typesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			ts, err := compileType(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			s.Types = append(s.Types, ts)
		}
	}

	if plansVal := v.LookupPath(cue.ParsePath("plan")); plansVal.Exists() {
		iter, err := plansVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			p, err := compilePlan(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			s.Plans = append(s.Plans, p)
			s.pos["plan."+p.Name] = iter.Value().Pos()
		}
	}

	if len(s.Types) == 0 && len(s.Plans) == 0 {
		return nil, &CompileError{Field: "schema", Message: "no types or plans declared", Pos: v.Pos()}
	}
	return s, nil
}

func compileType(name string, v cue.Value) (TypeSpec, error) {
	ts := TypeSpec{Name: name, Pos: v.Pos()}

	if idVal := v.LookupPath(cue.ParsePath("identity")); idVal.Exists() {
		fields, err := stringList(idVal)
		if err != nil {
			return ts, err
		}
		ts.Identity.Fields = fields
	}
	expr, err := optionalString(v, "identity_expr")
	if err != nil {
		return ts, err
	}
	ts.Identity.Expr = expr

	if ts.Reducer, err = optionalString(v, "reducer"); err != nil {
		return ts, err
	}
	if ufVal := v.LookupPath(cue.ParsePath("union_fields")); ufVal.Exists() {
		if ts.UnionFields, err = stringList(ufVal); err != nil {
			return ts, err
		}
	}
	return ts, nil
}

func compilePlan(name string, v cue.Value) (*plan.Plan, error) {
	typ, err := optionalString(v, "type")
	if err != nil {
		return nil, err
	}
	if typ == "" {
		return nil, &CompileError{
			Field:   fmt.Sprintf("plan.%s.type", name),
			Message: "plan type is required",
			Pos:     v.Pos(),
		}
	}
	root, err := optionalString(v, "root")
	if err != nil {
		return nil, err
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   fmt.Sprintf("plan.%s.fields", name),
			Message: "plan fields are required",
			Pos:     v.Pos(),
		}
	}
	fields, err := compileFields(fieldsVal)
	if err != nil {
		return nil, err
	}

	p := plan.New(name, typ, fields...)
	p.RootKey = root
	return p, nil
}

// compileFields parses a selection list. Each entry is either a bare field
// name (a nullable scalar) or a struct with name, kind, type, required and
// fields.
func compileFields(v cue.Value) ([]plan.Field, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fields []plan.Field
	for iter.Next() {
		entry := iter.Value()
		if name, err := entry.String(); err == nil {
			fields = append(fields, plan.Scalar(name))
			continue
		}

		name, err := optionalString(entry, "name")
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, &CompileError{Field: "fields.name", Message: "field name is required", Pos: entry.Pos()}
		}

		kindStr, err := optionalString(entry, "kind")
		if err != nil {
			return nil, err
		}
		kind, ok := plan.ParseKind(kindStr)
		if !ok {
			return nil, &CompileError{
				Field:   "fields." + name + ".kind",
				Message: fmt.Sprintf("unknown field kind %q, must be \"scalar\", \"link\", or \"list\"", kindStr),
				Pos:     entry.Pos(),
			}
		}

		f := plan.Field{Name: name, Kind: kind}
		if f.Type, err = optionalString(entry, "type"); err != nil {
			return nil, err
		}
		if reqVal := entry.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
			if f.Required, err = reqVal.Bool(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		if subVal := entry.LookupPath(cue.ParsePath("fields")); subVal.Exists() {
			if f.Fields, err = compileFields(subVal); err != nil {
				return nil, err
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
