// Package store is the hierarchical key-value record store the proxy writes
// readings and events into. Paths are slash separated ("sensors/00:11",
// "temperature/00:11/<id>"); every node may hold a JSON value and ordered
// children.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// Store is implemented by the memory, Redis and Postgres backends.
type Store interface {
	// Get returns the value stored at path or ErrNotFound.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Children returns the valued direct children of path in insertion order.
	Children(ctx context.Context, path string) ([]Child, error)
	// QueryByField returns the children of path whose field equals value.
	QueryByField(ctx context.Context, path, field string, value any) ([]Child, error)
	// Push appends value under path with a generated, time-ordered key.
	Push(ctx context.Context, path string, value any) (string, error)
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
	// Update merges fields into the object at path, creating it if needed.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes path and everything below it.
	Delete(ctx context.Context, path string) error
}

// Child is one entry returned by Children and QueryByField.
type Child struct {
	Key   string
	Value json.RawMessage
}

var ErrNotFound = errors.New("record not found")

// Join builds a path from its segments.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Split returns the parent path and last key of path.
func Split(path string) (parent, key string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// NewPushID returns a UUIDv7, which sorts lexically by creation time.
func NewPushID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate push id: %w", err)
	}
	return id.String(), nil
}

// GetInto decodes the value at path into v. It reports false when the path
// holds no value.
func GetInto(ctx context.Context, s Store, path string, v any) (bool, error) {
	raw, err := s.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}

func validatePath(path string) (string, error) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return "", fmt.Errorf("empty record path")
	}
	return clean, nil
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// mergeFields applies fields on top of an existing JSON object.
func mergeFields(existing json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &obj); err != nil {
			return nil, fmt.Errorf("cannot update non-object record: %w", err)
		}
	}
	for k, v := range fields {
		obj[k] = v
	}
	return encode(obj)
}

// fieldEquals compares a field of a JSON object with value after
// normalising both through JSON, so 80 and 80.0 compare equal.
func fieldEquals(raw json.RawMessage, field string, value any) bool {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	got, ok := obj[field]
	if !ok {
		return false
	}
	want, err := normalize(value)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(got, want)
}

func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(data, &out)
	return out, err
}
