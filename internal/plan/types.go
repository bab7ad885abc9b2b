package plan

import (
	"fmt"
	"strings"
)

// Kind classifies a field selection.
type Kind int

const (
	// KindScalar copies the payload value directly.
	KindScalar Kind = iota
	// KindLink normalizes a single nested entity.
	KindLink
	// KindList normalizes an ordered list of nested entities.
	KindList
)

// String returns the schema spelling of the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindLink:
		return "link"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by its schema spelling.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a schema spelling.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, ok := ParseKind(string(text))
	if !ok {
		return fmt.Errorf("unknown field kind %q", text)
	}
	*k = parsed
	return nil
}

// ParseKind converts a schema spelling into a Kind. The empty string is
// KindScalar.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scalar":
		return KindScalar, true
	case "link", "ref", "reference":
		return KindLink, true
	case "list":
		return KindList, true
	default:
		return KindScalar, false
	}
}

// Field selects one field of an entity.
type Field struct {
	Name     string  `json:"name"`
	Kind     Kind    `json:"kind"`
	Type     string  `json:"type,omitempty"`     // entity type of Link/List targets
	Required bool    `json:"required,omitempty"` // non-nullable
	Fields   []Field `json:"fields,omitempty"`   // sub-selections of Link/List targets
}

// IsEntity reports whether the field points at nested entities.
func (f Field) IsEntity() bool {
	return f.Kind == KindLink || f.Kind == KindList
}

// Req returns a copy of the field marked as required.
func (f Field) Req() Field {
	f.Required = true
	return f
}

// Plan is a selection over one root entity.
//
// RootKey is used by snapshot building; ingestion derives the root key from
// the payload and ignores it.
type Plan struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	RootKey string  `json:"root,omitempty"`
	Fields  []Field `json:"fields"`
}

// Scalar selects a scalar field.
func Scalar(name string) Field {
	return Field{Name: name, Kind: KindScalar}
}

// Link selects a single nested entity of type typ.
func Link(name, typ string, fields ...Field) Field {
	return Field{Name: name, Kind: KindLink, Type: typ, Fields: fields}
}

// List selects an ordered list of nested entities of type typ.
func List(name, typ string, fields ...Field) Field {
	return Field{Name: name, Kind: KindList, Type: typ, Fields: fields}
}

// New builds a plan over entity type typ.
func New(name, typ string, fields ...Field) *Plan {
	return &Plan{Name: name, Type: typ, Fields: fields}
}

// At returns a copy of the plan rooted at key.
func (p *Plan) At(key string) *Plan {
	cp := *p
	cp.RootKey = key
	return &cp
}

// Label returns a name for logs and errors. A nil plan has no label.
func (p *Plan) Label() string {
	if p == nil {
		return ""
	}
	if p.Name != "" {
		return p.Name
	}
	return p.Type
}
