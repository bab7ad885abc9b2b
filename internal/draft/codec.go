package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/graphcache/internal/ir"
)

// KeyPrefix namespaces persisted drafts in the durable store.
const KeyPrefix = "draft:"

// IndexKey lists the ids of every persisted draft.
const IndexKey = "draft-index"

// StorageKey returns the durable key of the draft with id.
func StorageKey(id string) string {
	return KeyPrefix + id
}

type wireDraft struct {
	ID          string      `json:"id"`
	TargetKey   string      `json:"target"`
	Type        string      `json:"type,omitempty"`
	Operation   Operation   `json:"op"`
	Payload     ir.IRObject `json:"payload"`
	Status      Status      `json:"status"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Seq         int64       `json:"seq"`
	BaseVersion int64       `json:"base_version,omitempty"`
}

// Encode serializes a draft for the durable store. The upload error is kept
// as its message.
func Encode(d Draft) ([]byte, error) {
	w := wireDraft{
		ID:          d.ID,
		TargetKey:   d.TargetKey,
		Type:        d.Type,
		Operation:   d.Operation,
		Payload:     d.Payload,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt.UTC(),
		Seq:         d.Seq,
		BaseVersion: d.BaseVersion,
	}
	if w.Payload == nil {
		w.Payload = ir.IRObject{}
	}
	if d.Err != nil {
		var ue *UploadError
		if errors.As(d.Err, &ue) {
			w.Error = ue.Err.Error()
		} else {
			w.Error = d.Err.Error()
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode draft %s: %w", d.ID, err)
	}
	return data, nil
}

// Decode restores a draft written by Encode.
func Decode(data []byte) (Draft, error) {
	var w wireDraft
	if err := json.Unmarshal(data, &w); err != nil {
		return Draft{}, fmt.Errorf("decode draft: %w", err)
	}
	if w.ID == "" || w.TargetKey == "" {
		return Draft{}, fmt.Errorf("decode draft: id and target are required")
	}
	if !w.Operation.Valid() {
		return Draft{}, fmt.Errorf("decode draft %s: unknown operation %q", w.ID, w.Operation)
	}
	d := Draft{
		ID:          w.ID,
		TargetKey:   w.TargetKey,
		Type:        w.Type,
		Operation:   w.Operation,
		Payload:     w.Payload,
		Status:      w.Status,
		CreatedAt:   w.CreatedAt,
		Seq:         w.Seq,
		BaseVersion: w.BaseVersion,
	}
	if w.Error != "" {
		d.Err = &UploadError{DraftID: w.ID, TargetKey: w.TargetKey, Err: errors.New(w.Error)}
	}
	return d, nil
}

// EncodeIndex serializes the list of persisted draft ids.
func EncodeIndex(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// DecodeIndex parses a draft index written by EncodeIndex.
func DecodeIndex(data []byte) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode draft index: %w", err)
	}
	return ids, nil
}
