// Package host defines the narrow contract towards the business record
// host — the system of record (ERP, order management, billing) whose
// documents the engine exchanges. The engine assumes nothing about the
// host beyond create/update/lookup and transactional atomicity with its
// own state writes.
package host

import (
	"context"
	"errors"
)

// ErrNotFound indicates the referenced business record does not exist.
var ErrNotFound = errors.New("business record not found")

// Ref is a weak reference to one business record.
type Ref struct {
	Model string `json:"model"`
	ID    int64  `json:"id"`
}

// Fields is an untyped field map, the lowest common denominator across
// host systems.
type Fields map[string]any

// Host is the business record port.
type Host interface {
	Create(ctx context.Context, model string, fields Fields) (Ref, error)
	Update(ctx context.Context, ref Ref, fields Fields) error
	Lookup(ctx context.Context, ref Ref) (Fields, error)
}

// ExchangeConsumer is the capability a business-record adapter implements
// to participate in exchanges: it gets notified when an exchange it is
// linked to changes state, and can enumerate its linked exchanges.
type ExchangeConsumer interface {
	// NotifyExchange is called after an exchange record linked to ref
	// changed state. event is the event name, recordID the exchange
	// record.
	NotifyExchange(ctx context.Context, ref Ref, event, recordID string) error

	// LinkedExchangeRecords returns the IDs of exchange records linked
	// to ref.
	LinkedExchangeRecords(ctx context.Context, ref Ref) ([]string, error)
}
