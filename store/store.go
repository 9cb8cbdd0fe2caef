// Package store persists tables and metadata of models and experiments.
// The numeric packages never import it; callers read and write the plain
// values those packages produce.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when nothing is stored at a path.
var ErrNotFound = errors.New("store: not found")

// Meta is a string-keyed record of JSON values.
type Meta map[string]any

// Store reads and writes tables and metadata by slash-separated path.
type Store interface {
	Read(path string) (*Table, error)
	Write(t *Table, path string) error
	ReadMeta(path string) (Meta, error)
	WriteMeta(m Meta, path string) error
}

// MetaOf converts a JSON-encodable value to a Meta.
func MetaOf(v any) (Meta, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("store: meta is not an object: %w", err)
	}
	return m, nil
}

// Decode stores the meta into the value pointed to by v.
func (m Meta) Decode(v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode meta: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("store: decode meta: %w", err)
	}
	return nil
}
