package plan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_WellFormed(t *testing.T) {
	p := New("AccountDetail", "Account",
		Scalar("Name").Req(),
		Scalar("Industry"),
		Link("Owner", "User", Scalar("Email")),
		List("Contacts", "Contact", Scalar("Name"), Link("Manager", "User", Scalar("Email"))),
	)

	require.NoError(t, Validate(p))
}

func TestValidate_Problems(t *testing.T) {
	p := &Plan{
		Name: "Broken",
		Fields: []Field{
			Scalar("Name"),
			Scalar("Name"),
			{Name: "Bad", Kind: KindScalar, Fields: []Field{Scalar("x")}},
			{Name: "Owner", Kind: KindLink},
			{Name: ""},
		},
	}

	err := Validate(p)
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "Broken", ve.Plan)
	assert.Contains(t, ve.Problems, "root type is required")
	assert.Contains(t, ve.Problems, ".Name: duplicate field")
	assert.Contains(t, ve.Problems, ".Bad: scalar field cannot have sub-selections")
	assert.Contains(t, ve.Problems, ".Owner: link field requires a target type")
	assert.Contains(t, ve.Problems, ".Owner: link field requires sub-selections")
	assert.Contains(t, ve.Problems, ": field with empty name")
}

func TestValidate_Nil(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		ok   bool
	}{
		{"", KindScalar, true},
		{"scalar", KindScalar, true},
		{"Link", KindLink, true},
		{"reference", KindLink, true},
		{"list", KindList, true},
		{"map", KindScalar, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, ok := ParseKind(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, k)
		})
	}
}

func TestPlanAtCopies(t *testing.T) {
	p := New("A", "Account", Scalar("Name"))
	rooted := p.At("Account:1")

	assert.Equal(t, "Account:1", rooted.RootKey)
	assert.Empty(t, p.RootKey)
	assert.Equal(t, "A", rooted.Label())
	assert.Equal(t, "Account", New("", "Account").Label())
}

func TestKind_JSON(t *testing.T) {
	f := List("Contacts", "Contact", Scalar("Email"))

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"list"`)

	var back Field
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("map")))
}
