package version

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// EntityType is the capability each versioned business entity provides.
// Payloads stay opaque to the engine beyond these two hooks.
type EntityType interface {
	Name() string
	ValidatePayload(payload json.RawMessage) error
	Serialize(payload json.RawMessage) (json.RawMessage, error)
}

// ObjectEntity accepts JSON objects carrying the required top-level fields.
type ObjectEntity struct {
	TypeName       string
	RequiredFields []string
}

func (e ObjectEntity) Name() string { return e.TypeName }

func (e ObjectEntity) ValidatePayload(payload json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if obj == nil {
		return fmt.Errorf("payload must be a JSON object")
	}
	for _, f := range e.RequiredFields {
		raw, ok := obj[f]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("payload field %q is required", f)
		}
	}
	return nil
}

// Serialize re-encodes the payload so equal documents compare byte-equal.
func (e ObjectEntity) Serialize(payload json.RawMessage) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type Registry struct {
	mu    sync.RWMutex
	types map[string]EntityType
}

func NewRegistry(types ...EntityType) *Registry {
	r := &Registry{types: make(map[string]EntityType, len(types))}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t EntityType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name()] = t
}

func (r *Registry) Lookup(name string) (EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
