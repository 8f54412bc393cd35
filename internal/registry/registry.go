// Package registry maps plugin names to constructors.
//
// Implementations register themselves from an init function in their own
// package. Names are matched case-insensitively.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Resolve for a name nobody registered.
var ErrNotFound = errors.New("plugin not found")

// Constructor builds an instance from its raw JSON options.
type Constructor[T any, D any] func(raw json.RawMessage, deps D) (T, error)

type Registry[T any, D any] struct {
	kind string

	mu    sync.RWMutex
	ctors map[string]Constructor[T, D]
}

// New returns an empty registry. kind names the namespace in errors ("source", "sink").
func New[T any, D any](kind string) *Registry[T, D] {
	return &Registry[T, D]{kind: kind, ctors: map[string]Constructor[T, D]{}}
}

// Register adds ctor under name. Registering the same name twice panics.
func (r *Registry[T, D]) Register(name string, ctor Constructor[T, D]) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || ctor == nil {
		panic(fmt.Sprintf("%s registry: invalid registration %q", r.kind, name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ctors[key]; dup {
		panic(fmt.Sprintf("%s registry: duplicate registration %q", r.kind, key))
	}
	r.ctors[key] = ctor
}

// Resolve builds the implementation registered under name.
func (r *Registry[T, D]) Resolve(name string, raw json.RawMessage, deps D) (T, error) {
	var zero T
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	ctor, ok := r.ctors[key]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s %q: %w (known: %s)", r.kind, name, ErrNotFound, strings.Join(r.Names(), ", "))
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	v, err := ctor(raw, deps)
	if err != nil {
		return zero, fmt.Errorf("%s %q: %w", r.kind, key, err)
	}
	return v, nil
}

func (r *Registry[T, D]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CanonicalName derives a plugin name from a type name by dropping suffix
// and lowercasing: CanonicalName("EnzeSource", "Source") == "enze".
func CanonicalName(typeName, suffix string) string {
	return strings.ToLower(strings.TrimSuffix(typeName, suffix))
}

// Decode unmarshals plugin options strictly: unknown keys are rejected.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}
