package component

import (
	"errors"
	"fmt"
	"sync"

	"go.edirelay.tech/internal/edi"
)

var (
	// ErrNoComponent means no implementation matches the discriminators.
	ErrNoComponent = errors.New("no component registered")

	// ErrAmbiguousComponent means two implementations match with equal
	// specificity. This is a configuration error, never retried.
	ErrAmbiguousComponent = errors.New("ambiguous component registration")

	// ErrDuplicateComponent means the exact same key was registered twice.
	ErrDuplicateComponent = errors.New("component registered twice")
)

// Key identifies a component registration. Direction and Usage are
// mandatory; BackendType and ExchangeType narrow the registration and
// raise its specificity.
type Key struct {
	Direction    edi.Direction
	Usage        Usage
	BackendType  string
	ExchangeType string
}

func (k Key) String() string {
	s := fmt.Sprintf("%s.%s", k.Direction, k.Usage)
	if k.BackendType != "" {
		s += "." + k.BackendType
	}
	if k.ExchangeType != "" {
		s += "." + k.ExchangeType
	}
	return s
}

// specificity counts the optional discriminators a key pins down.
func (k Key) specificity() int {
	n := 0
	if k.BackendType != "" {
		n++
	}
	if k.ExchangeType != "" {
		n++
	}
	return n
}

// matches reports whether this registration applies to a lookup for the
// given concrete discriminators.
func (k Key) matches(direction edi.Direction, usage Usage, backendType, exchangeType string) bool {
	if k.Direction != direction || k.Usage != usage {
		return false
	}
	if k.BackendType != "" && k.BackendType != backendType {
		return false
	}
	if k.ExchangeType != "" && k.ExchangeType != exchangeType {
		return false
	}
	return true
}

// Registry is the component lookup table. It is populated at startup and
// read-only afterwards; tests build a fresh registry instead of relying
// on package-level state.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]any
}

// NewRegistry returns an empty component registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]any)}
}

// Register adds an implementation under the given key.
func (r *Registry) Register(key Key, impl any) error {
	if !key.Direction.Valid() {
		return fmt.Errorf("register %s: direction required", key)
	}
	if key.Usage == "" {
		return fmt.Errorf("register %s: usage required", key)
	}
	if impl == nil {
		return fmt.Errorf("register %s: nil implementation", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[key]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, key)
	}
	r.entries[key] = impl
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(key Key, impl any) {
	if err := r.Register(key, impl); err != nil {
		panic(err)
	}
}

// Resolve returns the single most specific implementation for the given
// discriminators. A tie between equally specific candidates is a
// configuration error and fails with ErrAmbiguousComponent.
func (r *Registry) Resolve(direction edi.Direction, usage Usage, backendType, exchangeType string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	var candidates []Key
	for key := range r.entries {
		if !key.matches(direction, usage, backendType, exchangeType) {
			continue
		}
		switch spec := key.specificity(); {
		case spec > best:
			best = spec
			candidates = candidates[:0]
			candidates = append(candidates, key)
		case spec == best:
			candidates = append(candidates, key)
		}
	}

	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w for %s.%s (backend type %q, exchange type %q)",
			ErrNoComponent, direction, usage, backendType, exchangeType)
	case 1:
		return r.entries[candidates[0]], nil
	default:
		return nil, fmt.Errorf("%w: %v all match %s.%s (backend type %q, exchange type %q)",
			ErrAmbiguousComponent, candidates, direction, usage, backendType, exchangeType)
	}
}
