// Package keys computes stable identity keys for raw payload fragments.
package keys

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/graphcache/internal/ir"
)

// DefaultIdentityField is used for types without a registered identity.
const DefaultIdentityField = "id"

// Separator joins the type name and identity parts of a key.
const Separator = ":"

// Identity declares how a type's key is derived. Exactly one of Fields or
// Expr is set.
type Identity struct {
	// Fields are identity fields, joined in order.
	Fields []string `json:"fields,omitempty"`
	// Expr is an expr-lang expression evaluated against the fragment.
	// It must produce a non-empty string or an integer.
	Expr string `json:"expr,omitempty"`
}

type compiledIdentity struct {
	fields  []string
	program *vm.Program
}

// Resolver maps (type, fragment) to a key.
//
// Resolve is pure: the result depends only on the registered identity and the
// fragment's identity fields. Safe for concurrent use.
type Resolver struct {
	mu         sync.RWMutex
	identities map[string]compiledIdentity
}

// NewResolver creates a resolver with no registered types. Unregistered
// types resolve through DefaultIdentityField.
func NewResolver() *Resolver {
	return &Resolver{identities: make(map[string]compiledIdentity)}
}

// Register declares the identity of typ. Expressions are compiled once here.
func (r *Resolver) Register(typ string, id Identity) error {
	if strings.TrimSpace(typ) == "" {
		return fmt.Errorf("register identity: type is required")
	}
	if len(id.Fields) > 0 && id.Expr != "" {
		return fmt.Errorf("register identity %s: fields and expr are mutually exclusive", typ)
	}

	compiled := compiledIdentity{fields: id.Fields}
	if id.Expr != "" {
		program, err := expr.Compile(id.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("register identity %s: compile %q: %w", typ, id.Expr, err)
		}
		compiled.program = program
	}
	if len(compiled.fields) == 0 && compiled.program == nil {
		compiled.fields = []string{DefaultIdentityField}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[typ] = compiled
	return nil
}

// Resolve returns the key of fragment as an entity of type typ.
// ok is false when identity fields are missing or unparseable, in which case
// the fragment must be inlined rather than referenced.
func (r *Resolver) Resolve(typ string, fragment ir.IRObject) (key string, ok bool) {
	if typ == "" || fragment == nil {
		return "", false
	}

	r.mu.RLock()
	id, registered := r.identities[typ]
	r.mu.RUnlock()
	if !registered {
		id = compiledIdentity{fields: []string{DefaultIdentityField}}
	}

	if id.program != nil {
		return resolveExpr(typ, id.program, fragment)
	}

	parts := make([]string, 0, len(id.fields))
	for _, name := range id.fields {
		part, ok := identityPart(fragment[name])
		if !ok {
			return "", false
		}
		parts = append(parts, part)
	}
	return Key(typ, parts...), true
}

func resolveExpr(typ string, program *vm.Program, fragment ir.IRObject) (string, bool) {
	env, _ := ir.ToGo(fragment).(map[string]any)
	out, err := expr.Run(program, env)
	if err != nil {
		return "", false
	}
	v, err := ir.FromGo(out)
	if err != nil {
		return "", false
	}
	part, ok := identityPart(v)
	if !ok {
		return "", false
	}
	return Key(typ, part), true
}

// identityPart formats a single identity value. Only non-empty strings and
// integers identify an entity.
func identityPart(v ir.IRValue) (string, bool) {
	switch val := v.(type) {
	case ir.IRString:
		s := strings.TrimSpace(string(val))
		return s, s != ""
	case ir.IRInt:
		return strconv.FormatInt(int64(val), 10), true
	case ir.IRFloat:
		f := float64(val)
		if f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
			return "", false
		}
		return strconv.FormatInt(int64(f), 10), true
	default:
		return "", false
	}
}

// partEscaper escapes the separator inside identity parts so that distinct
// part lists never produce the same key.
var partEscaper = strings.NewReplacer("%", "%25", Separator, "%3A")

// Key formats a key from a type name and identity parts. "%" and the
// separator are percent-encoded within each part.
func Key(typ string, parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = partEscaper.Replace(p)
	}
	return typ + Separator + strings.Join(escaped, Separator)
}

// TypeOf returns the type prefix of a key produced by Key.
func TypeOf(key string) string {
	typ, _, found := strings.Cut(key, Separator)
	if !found {
		return ""
	}
	return typ
}
