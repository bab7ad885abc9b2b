package durable

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/graphcache/internal/ir"
	"github.com/roach88/graphcache/internal/keys"
)

const recordSchemaURL = "graphcache://record.schema.json"

var recordSchema = fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["key", "fields"],
  "properties": {
    "format":  {"type": "integer", "minimum": 0, "maximum": %d},
    "key":     {"type": "string", "minLength": 1},
    "type":    {"type": "string"},
    "fields":  {"type": "object"},
    "version": {"type": "integer", "minimum": 0}
  }
}`, ir.RecordFormat)

// Codec converts records to and from the persisted envelope.
//
// Decode validates the envelope against a JSON Schema before parsing and
// migrates older formats to the current one:
//   - format 0 (untagged): version may be absent; records decode with
//     version 1 so the first merge after hydration bumps it normally
type Codec struct {
	schema *jsonschema.Schema
}

// NewCodec compiles the envelope schema.
func NewCodec() (*Codec, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(recordSchema)))
	if err != nil {
		return nil, fmt.Errorf("parse record schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(recordSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add record schema: %w", err)
	}
	schema, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &Codec{schema: schema}, nil
}

var defaultCodec = sync.OnceValues(NewCodec)

// DefaultCodec returns a shared codec. The schema is compiled once.
func DefaultCodec() *Codec {
	c, err := defaultCodec()
	if err != nil {
		panic(err) // the embedded schema is static
	}
	return c
}

// Encode serializes r in the current envelope format.
func (c *Codec) Encode(r ir.Record) ([]byte, error) {
	return ir.EncodeRecord(r)
}

// Decode validates, parses and migrates an envelope. The returned format is
// the one found in data, before migration.
func (c *Codec) Decode(data []byte) (ir.Record, int, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return ir.Record{}, 0, fmt.Errorf("decode record: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return ir.Record{}, 0, fmt.Errorf("decode record: invalid envelope: %w", err)
	}

	rec, format, err := ir.DecodeRecord(data)
	if err != nil {
		return ir.Record{}, format, err
	}
	return migrate(rec, format), format, nil
}

func migrate(rec ir.Record, format int) ir.Record {
	if format < 1 && rec.Version < 1 {
		rec.Version = 1
	}
	if rec.Type == "" {
		rec.Type = keys.TypeOf(rec.Key)
	}
	return rec
}
