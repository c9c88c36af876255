package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/host"
)

// envelopeKind is the discriminator every envelope document carries.
const envelopeKind = "edirelay.envelope.v1"

// Envelope is the self-describing JSON document exchanged in embedded
// mode: the business record's model, its fields and enough metadata for
// the receiving side to reconstruct it.
type Envelope struct {
	Kind        string      `json:"kind"`
	Model       string      `json:"model"`
	Ref         host.Ref    `json:"ref"`
	Fields      host.Fields `json:"fields"`
	GeneratedAt time.Time   `json:"generatedAt"`
}

// EnvelopeCodec generates and processes envelope documents against a
// business record host. It fills the generate slot for outbound types
// and the process slot for inbound ones.
type EnvelopeCodec struct {
	host host.Host
}

// NewEnvelopeCodec returns a codec bound to the given host.
func NewEnvelopeCodec(h host.Host) *EnvelopeCodec {
	return &EnvelopeCodec{host: h}
}

// Generate serializes the record's linked business record into an
// envelope. A missing business record is recoverable: the host may not
// have committed it yet.
func (c *EnvelopeCodec) Generate(ctx context.Context, w *component.Work) ([]byte, error) {
	ref := host.Ref{Model: w.Record.Model, ID: w.Record.RecordID}
	fields, err := c.host.Lookup(ctx, ref)
	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			return nil, edi.Recoverable(err)
		}
		return nil, err
	}

	env := Envelope{
		Kind:        envelopeKind,
		Model:       w.Record.Model,
		Ref:         ref,
		Fields:      fields,
		GeneratedAt: time.Now().UTC(),
	}
	return json.MarshalIndent(env, "", "  ")
}

// Process parses an inbound envelope and creates the business record it
// describes. Parse failures are recoverable so the record lands in the
// process error state instead of aborting the batch.
func (c *EnvelopeCodec) Process(ctx context.Context, w *component.Work) (*component.ProcessResult, error) {
	var env Envelope
	if err := json.Unmarshal(w.Record.Content, &env); err != nil {
		return nil, edi.Recoverable(fmt.Errorf("%w: %v", ErrMalformedDocument, err))
	}
	if env.Kind != envelopeKind {
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedDocument, env.Kind)
	}
	if env.Model == "" {
		return nil, edi.Recoverable(fmt.Errorf("%w: missing model", ErrMalformedDocument))
	}
	if w.Type.Model != "" && env.Model != w.Type.Model {
		return nil, edi.Recoverable(fmt.Errorf("%w: envelope model %q, expected %q",
			ErrMalformedDocument, env.Model, w.Type.Model))
	}

	fields := env.Fields
	if fields == nil {
		fields = host.Fields{}
	}
	fields["origin_ref"] = fmt.Sprintf("%s/%d", env.Ref.Model, env.Ref.ID)

	ref, err := c.host.Create(ctx, env.Model, fields)
	if err != nil {
		return nil, err
	}
	return &component.ProcessResult{Model: ref.Model, RecordID: ref.ID}, nil
}

var (
	_ component.Generator = (*EnvelopeCodec)(nil)
	_ component.Processor = (*EnvelopeCodec)(nil)
)
