package ir

import (
	"encoding/json"
	"fmt"
)

// Record is the normalized stored representation of one entity.
//
// INVARIANTS:
//   - Key never changes after creation
//   - Fields hold scalars, IRRef values, inline IRObjects or lists of those;
//     entities are never nested by value
//   - Version increases by one for every merge that changes Fields
type Record struct {
	Key     string   `json:"key"`
	Type    string   `json:"type"`
	Fields  IRObject `json:"fields"`
	Version int64    `json:"version"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// Equal reports whether two records are structurally equal, version included.
func (r Record) Equal(other Record) bool {
	return r.Key == other.Key &&
		r.Type == other.Type &&
		r.Version == other.Version &&
		Equal(r.Fields, other.Fields)
}

// References returns the keys of every IRRef held in the record's fields,
// including references nested inside inline objects and lists.
func (r Record) References() []string {
	var keys []string
	var walk func(IRValue)
	walk = func(v IRValue) {
		switch val := v.(type) {
		case IRRef:
			keys = append(keys, val.Key)
		case IRArray:
			for _, elem := range val {
				walk(elem)
			}
		case IRObject:
			for _, k := range val.SortedKeys() {
				walk(val[k])
			}
		}
	}
	walk(r.Fields)
	return keys
}

// EncodeRecord serializes a record in the current envelope format:
//
//	{"fields":{...},"format":1,"key":"Account:1","type":"Account","version":3}
//
// The output is canonical JSON, so equal records encode to equal bytes.
func EncodeRecord(r Record) ([]byte, error) {
	fields := r.Fields
	if fields == nil {
		fields = IRObject{}
	}
	data, err := MarshalCanonical(IRObject{
		"format":  IRInt(RecordFormat),
		"key":     IRString(r.Key),
		"type":    IRString(r.Type),
		"fields":  fields,
		"version": IRInt(r.Version),
	})
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.Key, err)
	}
	return data, nil
}

// recordEnvelope is the decoded envelope before format migration.
type recordEnvelope struct {
	Format  *int            `json:"format"`
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Fields  json.RawMessage `json:"fields"`
	Version int64           `json:"version"`
}

// DecodeRecord parses an encoded record. It returns the envelope format it
// found so callers can decide whether a migration ran.
func DecodeRecord(data []byte) (Record, int, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, 0, fmt.Errorf("decode record: %w", err)
	}

	format := 0
	if env.Format != nil {
		format = *env.Format
	}
	if format > RecordFormat {
		return Record{}, format, fmt.Errorf("decode record %s: unsupported format %d", env.Key, format)
	}
	if env.Key == "" {
		return Record{}, format, fmt.Errorf("decode record: missing key")
	}

	fields := IRObject{}
	if len(env.Fields) > 0 {
		parsed, err := ParseObject(env.Fields)
		if err != nil {
			return Record{}, format, fmt.Errorf("decode record %s: fields: %w", env.Key, err)
		}
		fields = parsed
	}

	return Record{
		Key:     env.Key,
		Type:    env.Type,
		Fields:  fields,
		Version: env.Version,
	}, format, nil
}
