package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// File is an Adapter that keeps every entry in one JSON document. Each write
// rewrites the document through a temporary file and rename, so readers never
// observe a partial file. Intended for small caches and tooling.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile creates an adapter for path. The file is created on first write.
func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, storeErr("file", "open", 0, fmt.Errorf("path is required"))
	}
	return &File{path: path}, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// GetAll implements Adapter.
func (f *File) GetAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("file", "get", len(keys), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, storeErr("file", "get", len(keys), err)
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := doc[key]; ok {
			out[key] = slices.Clone([]byte(v))
		}
	}
	return out, nil
}

// SetAll implements Adapter. Values must be valid JSON.
func (f *File) SetAll(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return storeErr("file", "set", len(entries), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return storeErr("file", "set", len(entries), err)
	}
	for key, v := range entries {
		if !json.Valid(v) {
			return storeErr("file", "set", len(entries), fmt.Errorf("value for %s is not valid JSON", key))
		}
		doc[key] = json.RawMessage(slices.Clone(v))
	}
	return storeErr("file", "set", len(entries), f.save(doc))
}

// EvictAll implements Adapter.
func (f *File) EvictAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return storeErr("file", "evict", len(keys), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return storeErr("file", "evict", len(keys), err)
	}
	for _, key := range keys {
		delete(doc, key)
	}
	return storeErr("file", "evict", len(keys), f.save(doc))
}

// Keys implements Lister.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, storeErr("file", "list", 0, err)
	}
	var out []string
	for key := range doc {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Adapter.
func (f *File) Close() error {
	return nil
}

func (f *File) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, err
	}
	doc := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return doc, nil
}

func (f *File) save(doc map[string]json.RawMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // stored values keep their exact bytes
	if err := enc.Encode(doc); err != nil {
		return err
	}
	data := buf.Bytes()
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
