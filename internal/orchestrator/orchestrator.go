// Package orchestrator drives exchange records through their lifecycle:
// it resolves the component for each phase, runs it, and persists the
// resulting state transition atomically. All state changes of a record
// after creation go through this package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.edirelay.tech/internal/common/metrics"
	"go.edirelay.tech/internal/common/repository"
	"go.edirelay.tech/internal/common/tsid"
	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/events"
	"go.edirelay.tech/internal/host"
)

// Orchestrator owns the exchange lifecycle.
type Orchestrator struct {
	repo       edi.Repository
	registry   *edi.TypeRegistry
	components *component.Registry
	bus        *events.Bus
	consumer   host.ExchangeConsumer
	log        *slog.Logger

	now func() time.Time
}

// New creates an orchestrator. consumer may be nil when no business
// record adapter wants lifecycle notifications.
func New(repo edi.Repository, registry *edi.TypeRegistry, components *component.Registry,
	bus *events.Bus, consumer host.ExchangeConsumer, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		repo:       repo,
		registry:   registry,
		components: components,
		bus:        bus,
		consumer:   consumer,
		log:        log,
		now:        time.Now,
	}
}

// CreateInput describes a new exchange record.
type CreateInput struct {
	TypeCode  string
	BackendID string

	// Model and RecordID link an outbound exchange to the business record
	// it will carry. Optional for inbound records.
	Model    string
	RecordID int64

	// Filename is required for inbound records (the discovered file) and
	// optional for outbound ones, where the type's pattern applies.
	Filename string

	// Content, when already known at creation (push endpoints, ack
	// payloads), lets the record skip its fetch/generate phase.
	Content []byte

	ParentID    string
	ExternalRef string
}

// CreateRecord validates the input against the configured types and
// inserts a record in its initial state. Inbound records advance past new
// immediately: to input_received when the content came with the request,
// to input_pending otherwise.
func (o *Orchestrator) CreateRecord(ctx context.Context, in CreateInput) (*edi.ExchangeRecord, error) {
	backend, xtype, err := o.registry.ValidatePair(in.BackendID, in.TypeCode)
	if err != nil {
		return nil, err
	}
	if xtype.Model != "" && in.Model != "" && in.Model != xtype.Model {
		return nil, fmt.Errorf("%w: type %q targets %q, got %q",
			edi.ErrModelMismatch, xtype.Code, xtype.Model, in.Model)
	}
	if xtype.Direction == edi.DirectionInput && in.Filename == "" {
		return nil, fmt.Errorf("inbound exchange type %q requires a filename", xtype.Code)
	}

	now := o.now()
	rec := &edi.ExchangeRecord{
		ID:             tsid.Generate(),
		TypeCode:       xtype.Code,
		BackendID:      backend.ID,
		Direction:      xtype.Direction,
		Model:          in.Model,
		RecordID:       in.RecordID,
		Filename:       in.Filename,
		Content:        in.Content,
		ExternalRef:    in.ExternalRef,
		ParentID:       in.ParentID,
		State:          edi.StateNew,
		MaxAttempts:    xtype.Retry.MaxAttempts,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if rec.Filename == "" && rec.Direction == edi.DirectionOutput {
		rec.Filename = xtype.MakeFilename(recordName(rec), rec.ID, now)
	}

	if err := o.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	metrics.ExchangeRecordsCreated.WithLabelValues(backend.ID, xtype.Code, string(xtype.Direction)).Inc()
	o.emit(ctx, events.EventRecordCreated, rec, nil)
	o.log.Info("Exchange record created",
		"recordId", rec.ID,
		"type", rec.TypeCode,
		"backendId", rec.BackendID,
		"direction", rec.Direction,
		"filename", rec.Filename)

	switch {
	case rec.Direction == edi.DirectionInput && rec.HasContent():
		return o.advance(ctx, rec, edi.StateInputReceived, edi.Mutation{})
	case rec.Direction == edi.DirectionInput:
		return o.advance(ctx, rec, edi.StateInputPending, edi.Mutation{})
	case rec.HasContent():
		// Content supplied up front: no generate phase needed.
		return o.advance(ctx, rec, edi.StateOutputPending, edi.Mutation{})
	}
	return rec, nil
}

// advance applies an initial transition right after insert.
func (o *Orchestrator) advance(ctx context.Context, rec *edi.ExchangeRecord, to edi.State, mut edi.Mutation) (*edi.ExchangeRecord, error) {
	from := rec.State
	updated, err := o.repo.Transition(ctx, rec.ID, from, to, mut)
	if err != nil {
		return nil, err
	}
	o.transitioned(ctx, updated, from)
	return updated, nil
}

// transitioned records a successful transition: metric, state-change
// event, and the done event plus consumer notification for terminal
// states.
func (o *Orchestrator) transitioned(ctx context.Context, rec *edi.ExchangeRecord, from edi.State) {
	metrics.ExchangeTransitions.WithLabelValues(string(from), string(rec.State)).Inc()
	o.emit(ctx, events.EventStateChanged, rec, map[string]string{
		"from": string(from),
		"to":   string(rec.State),
	})
	o.log.Info("Exchange record transitioned",
		"recordId", rec.ID,
		"from", from,
		"to", rec.State)

	if rec.State.IsTerminal() {
		o.emit(ctx, events.EventExchangeDone, rec, nil)
		o.notifyConsumer(ctx, rec, events.EventExchangeDone)
	}
}

// recordFailure persists a recoverable phase failure. Records in a state
// with a dedicated error edge transition there; the generate phase,
// which has none, keeps its state and only stores the error.
func (o *Orchestrator) recordFailure(ctx context.Context, rec *edi.ExchangeRecord, phase Phase, errState edi.State, xtype *edi.ExchangeType, cause error) error {
	msg := cause.Error()
	next := o.now().Add(xtype.Retry.NextDelay(rec.Attempts + 1))

	var updated *edi.ExchangeRecord
	var err error
	if errState == "" {
		updated, err = o.repo.RecordError(ctx, rec.ID, msg, next)
	} else {
		from := rec.State
		updated, err = o.repo.Transition(ctx, rec.ID, from, errState, edi.Mutation{
			Error:            &msg,
			IncrementAttempt: true,
			NextAttemptAt:    &next,
			ClearQueued:      true,
		})
		if err == nil {
			o.transitioned(ctx, updated, from)
		}
	}
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}

	metrics.ExchangePhaseResults.WithLabelValues(string(phase), "recoverable").Inc()
	o.log.Warn("Exchange phase failed, scheduled retry",
		"recordId", rec.ID,
		"state", updated.State,
		"attempts", updated.Attempts,
		"maxAttempts", updated.MaxAttempts,
		"nextAttemptAt", next,
		"error", msg)
	o.emit(ctx, events.EventExchangeError, updated, map[string]string{"error": msg})
	o.notifyConsumer(ctx, updated, events.EventExchangeError)
	return nil
}

// rescheduleCheck pushes the next acknowledgment poll into the future
// without consuming the retry budget. The record keeps its state; the
// scheduler picks it up again once the backoff has elapsed.
func (o *Orchestrator) rescheduleCheck(ctx context.Context, rec *edi.ExchangeRecord, xtype *edi.ExchangeType, cause error) error {
	next := o.now().Add(xtype.Retry.NextDelay(1))
	if err := o.repo.Reschedule(ctx, rec.ID, next); err != nil {
		return err
	}
	metrics.ExchangePhaseResults.WithLabelValues(string(PhaseCheck), "waiting").Inc()
	o.log.Debug("No acknowledgment yet, check rescheduled",
		"recordId", rec.ID,
		"nextAttemptAt", next,
		"reason", cause.Error())
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, name string, rec *edi.ExchangeRecord, extra map[string]string) {
	if o.bus == nil {
		return
	}
	data := map[string]string{
		"direction": string(rec.Direction),
		"backendId": rec.BackendID,
		"typeCode":  rec.TypeCode,
		"filename":  rec.Filename,
		"state":     string(rec.State),
	}
	for k, v := range extra {
		data[k] = v
	}
	o.bus.Emit(ctx, events.New(name, rec.ID, data))
}

func (o *Orchestrator) notifyConsumer(ctx context.Context, rec *edi.ExchangeRecord, event string) {
	if o.consumer == nil {
		return
	}
	model, id, ok := rec.BusinessRef()
	if !ok {
		return
	}
	ref := host.Ref{Model: model, ID: id}
	if err := o.consumer.NotifyExchange(ctx, ref, event, rec.ID); err != nil {
		o.log.Error("Failed to notify exchange consumer",
			"recordId", rec.ID,
			"model", model,
			"businessId", id,
			"error", err)
	}
}

// work loads the record's backend and type and builds the component
// binding for one phase run.
func (o *Orchestrator) work(rec *edi.ExchangeRecord) (*component.Work, error) {
	backend, xtype, err := o.registry.ValidatePair(rec.BackendID, rec.TypeCode)
	if err != nil {
		return nil, err
	}
	return &component.Work{Record: rec, Backend: backend, Type: xtype}, nil
}

func recordName(rec *edi.ExchangeRecord) string {
	if model, id, ok := rec.BusinessRef(); ok {
		return fmt.Sprintf("%s-%d", model, id)
	}
	return rec.TypeCode
}
