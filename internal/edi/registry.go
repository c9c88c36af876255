package edi

import (
	"fmt"
	"sort"
	"sync"
)

// TypeRegistry holds the static configuration: backend types, exchange
// types and backends. It is built once at startup and treated as
// read-only during phase execution.
type TypeRegistry struct {
	mu            sync.RWMutex
	backendTypes  map[string]*BackendType
	exchangeTypes map[string]*ExchangeType
	backends      map[string]*Backend
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		backendTypes:  make(map[string]*BackendType),
		exchangeTypes: make(map[string]*ExchangeType),
		backends:      make(map[string]*Backend),
	}
}

// AddBackendType registers a backend type.
func (r *TypeRegistry) AddBackendType(bt *BackendType) error {
	if bt.Code == "" {
		return ErrUnknownBackendType
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backendTypes[bt.Code]; dup {
		return fmt.Errorf("backend type %q registered twice", bt.Code)
	}
	r.backendTypes[bt.Code] = bt
	return nil
}

// AddExchangeType registers an exchange type. The backend type it names
// must already exist.
func (r *TypeRegistry) AddExchangeType(t *ExchangeType) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Retry.MaxAttempts == 0 {
		t.Retry = DefaultRetryPolicy()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backendTypes[t.BackendTypeCode]; !ok {
		return fmt.Errorf("exchange type %q: %w: %q", t.Code, ErrUnknownBackendType, t.BackendTypeCode)
	}
	if _, dup := r.exchangeTypes[t.Code]; dup {
		return fmt.Errorf("exchange type %q registered twice", t.Code)
	}
	r.exchangeTypes[t.Code] = t
	return nil
}

// AddBackend registers a configured backend.
func (r *TypeRegistry) AddBackend(b *Backend) error {
	if b.ID == "" {
		return ErrUnknownBackend
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backendTypes[b.TypeCode]; !ok {
		return fmt.Errorf("backend %q: %w: %q", b.ID, ErrUnknownBackendType, b.TypeCode)
	}
	if _, dup := r.backends[b.ID]; dup {
		return fmt.Errorf("backend %q registered twice", b.ID)
	}
	r.backends[b.ID] = b
	return nil
}

// BackendType looks up a backend type by code.
func (r *TypeRegistry) BackendType(code string) (*BackendType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bt, ok := r.backendTypes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackendType, code)
	}
	return bt, nil
}

// ExchangeType looks up an exchange type by code.
func (r *TypeRegistry) ExchangeType(code string) (*ExchangeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.exchangeTypes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchangeType, code)
	}
	return t, nil
}

// Backend looks up a backend by ID.
func (r *TypeRegistry) Backend(id string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
	}
	return b, nil
}

// Backends returns all backends sorted by ID.
func (r *TypeRegistry) Backends() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExchangeTypes returns all exchange types sorted by code.
func (r *TypeRegistry) ExchangeTypes() []*ExchangeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ExchangeType, 0, len(r.exchangeTypes))
	for _, t := range r.exchangeTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ExchangeTypesFor returns the exchange types valid for a backend,
// optionally filtered by direction, sorted by code.
func (r *TypeRegistry) ExchangeTypesFor(backend *Backend, direction Direction) []*ExchangeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ExchangeType
	for _, t := range r.exchangeTypes {
		if t.BackendTypeCode != backend.TypeCode {
			continue
		}
		if direction != "" && t.Direction != direction {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ValidatePair checks that an exchange type is usable with a backend:
// same backend type and the backend enabled.
func (r *TypeRegistry) ValidatePair(backendID, typeCode string) (*Backend, *ExchangeType, error) {
	b, err := r.Backend(backendID)
	if err != nil {
		return nil, nil, err
	}
	t, err := r.ExchangeType(typeCode)
	if err != nil {
		return nil, nil, err
	}
	if t.BackendTypeCode != b.TypeCode {
		return nil, nil, fmt.Errorf("%w: type %q wants backend type %q, backend %q is %q",
			ErrTypeBackendMismatch, t.Code, t.BackendTypeCode, b.ID, b.TypeCode)
	}
	if !b.Enabled {
		return nil, nil, fmt.Errorf("%w: %q", ErrBackendDisabled, b.ID)
	}
	return b, t, nil
}
