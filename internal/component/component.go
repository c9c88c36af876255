// Package component provides the pluggable strategy registry of the
// exchange engine. Implementations (format codecs, transport adapters)
// are registered against a discriminator key and resolved by the
// orchestrator with a most-specific-match policy.
package component

import (
	"context"

	"go.edirelay.tech/internal/edi"
)

// Usage names the slot a component fills in the exchange lifecycle.
type Usage string

const (
	UsageGenerate Usage = "generate"
	UsageSend     Usage = "send"
	UsageCheck    Usage = "check"
	UsageReceive  Usage = "receive"
	UsageProcess  Usage = "process"
	UsageValidate Usage = "validate"
	UsageList     Usage = "list"
)

// Work is the context a component is bound to for one phase invocation.
// Components read from it and return results; they never mutate the
// record's state.
type Work struct {
	Record  *edi.ExchangeRecord
	Backend *edi.Backend
	Type    *edi.ExchangeType
}

// Generator produces the outbound document bytes for the record's
// linked business record.
type Generator interface {
	Generate(ctx context.Context, w *Work) ([]byte, error)
}

// Sender transmits the stored exchange file over the backend's transport.
type Sender interface {
	Send(ctx context.Context, w *Work) error
}

// Checker verifies the backend-side processing of a sent file, typically
// by looking for an acknowledgment. It returns the ack content when one
// was found.
type Checker interface {
	Check(ctx context.Context, w *Work) ([]byte, error)
}

// Receiver fetches the inbound file content for a record whose filename
// is already known.
type Receiver interface {
	Receive(ctx context.Context, w *Work) ([]byte, error)
}

// ProcessResult is what a Processor reports back after consuming an
// inbound file.
type ProcessResult struct {
	// Model and RecordID reference the business record that was created
	// or updated.
	Model    string
	RecordID int64
}

// Processor consumes an inbound file into the target business record.
type Processor interface {
	Process(ctx context.Context, w *Work) (*ProcessResult, error)
}

// Validator checks content before it is stored or processed.
type Validator interface {
	Validate(ctx context.Context, w *Work, content []byte) error
}

// PendingFile is one inbound file discovered on a backend channel.
type PendingFile struct {
	Filename string
	Content  []byte
}

// Lister discovers pending inbound files on a backend. Listing is
// idempotent: repeated calls before acknowledgment may return the same
// items, deduplication happens on the caller side.
type Lister interface {
	ListPending(ctx context.Context, backend *edi.Backend, xtype *edi.ExchangeType) ([]PendingFile, error)
}
