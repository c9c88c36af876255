package host

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHost is an in-memory business record host used in embedded/dev
// mode and in tests.
type MemoryHost struct {
	mu      sync.Mutex
	nextID  map[string]int64
	records map[Ref]Fields

	// linked tracks exchange record IDs per business record, satisfying
	// the ExchangeConsumer capability.
	linked map[Ref][]string
}

// NewMemoryHost returns an empty in-memory host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		nextID:  make(map[string]int64),
		records: make(map[Ref]Fields),
		linked:  make(map[Ref][]string),
	}
}

func (h *MemoryHost) Create(ctx context.Context, model string, fields Fields) (Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID[model]++
	ref := Ref{Model: model, ID: h.nextID[model]}
	h.records[ref] = cloneFields(fields)
	return ref, nil
}

func (h *MemoryHost) Update(ctx context.Context, ref Ref, fields Fields) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	existing, ok := h.records[ref]
	if !ok {
		return fmt.Errorf("%s/%d: %w", ref.Model, ref.ID, ErrNotFound)
	}
	for k, v := range fields {
		existing[k] = v
	}
	return nil
}

func (h *MemoryHost) Lookup(ctx context.Context, ref Ref) (Fields, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fields, ok := h.records[ref]
	if !ok {
		return nil, fmt.Errorf("%s/%d: %w", ref.Model, ref.ID, ErrNotFound)
	}
	return cloneFields(fields), nil
}

// Count returns the number of records for a model.
func (h *MemoryHost) Count(model string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ref := range h.records {
		if ref.Model == model {
			n++
		}
	}
	return n
}

func (h *MemoryHost) NotifyExchange(ctx context.Context, ref Ref, event, recordID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.linked[ref] {
		if id == recordID {
			return nil
		}
	}
	h.linked[ref] = append(h.linked[ref], recordID)
	return nil
}

func (h *MemoryHost) LinkedExchangeRecords(ctx context.Context, ref Ref) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.linked[ref]...), nil
}

func cloneFields(fields Fields) Fields {
	cp := make(Fields, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}
