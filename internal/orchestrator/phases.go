package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.edirelay.tech/internal/common/metrics"
	"go.edirelay.tech/internal/common/repository"
	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
	"go.edirelay.tech/internal/transport"
)

// Phase names one runnable step of the exchange lifecycle.
type Phase string

const (
	PhaseGenerate Phase = "generate"
	PhaseSend     Phase = "send"
	PhaseCheck    Phase = "check"
	PhaseReceive  Phase = "receive"
	PhaseProcess  Phase = "process"
)

// PhaseForRecord derives the runnable phase from the record's state. The
// second return is false for terminal states and states with nothing to
// run (e.g. output_sent when the type needs no acknowledgment).
func PhaseForRecord(rec *edi.ExchangeRecord, xtype *edi.ExchangeType) (Phase, bool) {
	switch rec.State {
	case edi.StateNew:
		if rec.Direction == edi.DirectionOutput {
			return PhaseGenerate, true
		}
		return "", false
	case edi.StateOutputPending, edi.StateOutputErrorOnSend:
		return PhaseSend, true
	case edi.StateOutputSent, edi.StateOutputErrorOnProcessed:
		return PhaseCheck, xtype.AckNeeded
	case edi.StateInputPending, edi.StateInputReceiveError:
		return PhaseReceive, true
	case edi.StateInputReceived, edi.StateInputProcessedError:
		return PhaseProcess, true
	}
	return "", false
}

// ExecutePhase runs one phase on one record. A nil return means the
// record either advanced or parked itself in an error state with a retry
// scheduled; a non-nil return is an infrastructure or configuration
// fault the caller must handle (nack, alert).
func (o *Orchestrator) ExecutePhase(ctx context.Context, id string, phase Phase) error {
	start := time.Now()
	err := o.runPhase(ctx, id, phase)
	metrics.ExchangePhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "fatal"
	}
	metrics.ExchangePhaseResults.WithLabelValues(string(phase), result).Inc()
	return err
}

// retryable reports whether a phase failure belongs on the record with a
// scheduled retry. Components flag their own errors with edi.Recoverable;
// a bare classified transport fault counts too, so an adapter returning
// one still parks the record instead of bouncing the job forever.
func retryable(err error) bool {
	return edi.IsRecoverable(err) || transport.IsRetryable(err)
}

func (o *Orchestrator) runPhase(ctx context.Context, id string, phase Phase) error {
	switch phase {
	case PhaseGenerate:
		return o.GenerateOutput(ctx, id)
	case PhaseSend:
		return o.Send(ctx, id)
	case PhaseCheck:
		return o.CheckOutput(ctx, id)
	case PhaseReceive:
		return o.Receive(ctx, id)
	case PhaseProcess:
		return o.ProcessInput(ctx, id)
	default:
		return fmt.Errorf("unknown phase %q for record %s", phase, id)
	}
}

// GenerateOutput produces the exchange file for an output record in state
// new. A record that already advanced is left alone.
func (o *Orchestrator) GenerateOutput(ctx context.Context, id string) error {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Direction != edi.DirectionOutput {
		return fmt.Errorf("%w: generate on %s record %s", edi.ErrDirectionMismatch, rec.Direction, id)
	}
	if rec.State != edi.StateNew {
		o.log.Debug("Skipping generate, record already advanced", "recordId", id, "state", rec.State)
		return nil
	}

	w, err := o.work(rec)
	if err != nil {
		return err
	}
	gen, err := resolveGenerator(o.components, w)
	if err != nil {
		return err
	}

	content, err := gen.Generate(ctx, w)
	if err == nil {
		err = o.validate(ctx, w, content)
	}
	if err != nil {
		if retryable(err) {
			return o.recordFailure(ctx, rec, PhaseGenerate, "", w.Type, err)
		}
		return err
	}

	filename := rec.Filename
	if filename == "" {
		filename = w.Type.MakeFilename(recordName(rec), rec.ID, o.now())
	}
	empty := ""
	updated, err := o.repo.Transition(ctx, rec.ID, edi.StateNew, edi.StateOutputPending, edi.Mutation{
		Content:     content,
		Filename:    &filename,
		Error:       &empty,
		ClearQueued: true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	o.transitioned(ctx, updated, edi.StateNew)
	return nil
}

// Send transmits the exchange file of an output record. Works from
// output_pending and from output_error_on_send on retry. When the type
// needs no acknowledgment the record completes immediately.
func (o *Orchestrator) Send(ctx context.Context, id string) error {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Direction != edi.DirectionOutput {
		return fmt.Errorf("%w: send on %s record %s", edi.ErrDirectionMismatch, rec.Direction, id)
	}
	if rec.State != edi.StateOutputPending && rec.State != edi.StateOutputErrorOnSend {
		o.log.Debug("Skipping send, record not sendable", "recordId", id, "state", rec.State)
		return nil
	}
	if !rec.HasContent() {
		return fmt.Errorf("record %s has no content to send", id)
	}

	w, err := o.work(rec)
	if err != nil {
		return err
	}
	sender, err := resolveSender(o.components, w)
	if err != nil {
		return err
	}

	if err := sender.Send(ctx, w); err != nil {
		if retryable(err) {
			return o.recordFailure(ctx, rec, PhaseSend, edi.StateOutputErrorOnSend, w.Type, err)
		}
		return err
	}

	from := rec.State
	now := o.now()
	empty := ""
	updated, err := o.repo.Transition(ctx, rec.ID, from, edi.StateOutputSent, edi.Mutation{
		Error:       &empty,
		ExchangedAt: &now,
		ClearQueued: true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	o.transitioned(ctx, updated, from)

	if !w.Type.AckNeeded {
		// No acknowledgment expected: sent is as processed as it gets.
		done, err := o.repo.Transition(ctx, rec.ID, edi.StateOutputSent, edi.StateOutputSentAndProcessed, edi.Mutation{})
		if err != nil {
			if errors.Is(err, repository.ErrOptimisticLock) {
				return nil
			}
			return err
		}
		o.transitioned(ctx, done, edi.StateOutputSent)
	}
	return nil
}

// CheckOutput verifies backend-side processing of a sent file. A found
// acknowledgment completes the exchange and, when the type declares an
// ack exchange type, spawns a child record carrying the ack document.
func (o *Orchestrator) CheckOutput(ctx context.Context, id string) error {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Direction != edi.DirectionOutput {
		return fmt.Errorf("%w: check on %s record %s", edi.ErrDirectionMismatch, rec.Direction, id)
	}
	if rec.State != edi.StateOutputSent && rec.State != edi.StateOutputErrorOnProcessed {
		o.log.Debug("Skipping check, record not checkable", "recordId", id, "state", rec.State)
		return nil
	}

	w, err := o.work(rec)
	if err != nil {
		return err
	}
	checker, err := resolveChecker(o.components, w)
	if err != nil {
		return err
	}

	ack, err := checker.Check(ctx, w)
	if err != nil {
		if errors.Is(err, transport.ErrNoAck) {
			// The partner simply has not answered yet. Waiting is not a
			// failure, so the attempt budget stays untouched.
			return o.rescheduleCheck(ctx, rec, w.Type, err)
		}
		if retryable(err) {
			return o.recordFailure(ctx, rec, PhaseCheck, edi.StateOutputErrorOnProcessed, w.Type, err)
		}
		return err
	}

	from := rec.State
	empty := ""
	updated, err := o.repo.Transition(ctx, rec.ID, from, edi.StateOutputSentAndProcessed, edi.Mutation{
		AckContent:  ack,
		Error:       &empty,
		ClearQueued: true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	o.transitioned(ctx, updated, from)

	if w.Type.AckTypeCode != "" && len(ack) > 0 {
		o.spawnAckRecord(ctx, updated, w.Type, ack)
	}
	return nil
}

// spawnAckRecord creates the child exchange tracking the ack document.
// Best effort: a failure here never rolls back the completed exchange.
func (o *Orchestrator) spawnAckRecord(ctx context.Context, parent *edi.ExchangeRecord, xtype *edi.ExchangeType, ack []byte) {
	child, err := o.CreateRecord(ctx, CreateInput{
		TypeCode:    xtype.AckTypeCode,
		BackendID:   parent.BackendID,
		Filename:    parent.Filename + ".ack",
		Content:     ack,
		ParentID:    parent.ID,
		ExternalRef: parent.ExternalRef,
	})
	if err != nil {
		o.log.Error("Failed to spawn ack exchange record",
			"recordId", parent.ID,
			"ackType", xtype.AckTypeCode,
			"error", err)
		return
	}
	o.log.Info("Spawned ack exchange record",
		"recordId", parent.ID,
		"ackRecordId", child.ID,
		"ackType", child.TypeCode)
}

// Receive fetches the content of an inbound record discovered earlier.
func (o *Orchestrator) Receive(ctx context.Context, id string) error {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Direction != edi.DirectionInput {
		return fmt.Errorf("%w: receive on %s record %s", edi.ErrDirectionMismatch, rec.Direction, id)
	}
	if rec.State != edi.StateInputPending && rec.State != edi.StateInputReceiveError {
		o.log.Debug("Skipping receive, record not receivable", "recordId", id, "state", rec.State)
		return nil
	}

	w, err := o.work(rec)
	if err != nil {
		return err
	}
	receiver, err := resolveReceiver(o.components, w)
	if err != nil {
		return err
	}

	content, err := receiver.Receive(ctx, w)
	if err == nil && len(content) == 0 {
		err = edi.Recoverable(fmt.Errorf("received empty file %s", rec.Filename))
	}
	if err == nil {
		err = o.validate(ctx, w, content)
	}
	if err != nil {
		if retryable(err) {
			return o.recordFailure(ctx, rec, PhaseReceive, edi.StateInputReceiveError, w.Type, err)
		}
		return err
	}

	from := rec.State
	now := o.now()
	empty := ""
	updated, err := o.repo.Transition(ctx, rec.ID, from, edi.StateInputReceived, edi.Mutation{
		Content:     content,
		Error:       &empty,
		ExchangedAt: &now,
		ClearQueued: true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	o.transitioned(ctx, updated, from)
	return nil
}

// ProcessInput consumes a received file into the host system.
func (o *Orchestrator) ProcessInput(ctx context.Context, id string) error {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Direction != edi.DirectionInput {
		return fmt.Errorf("%w: process on %s record %s", edi.ErrDirectionMismatch, rec.Direction, id)
	}
	if rec.State != edi.StateInputReceived && rec.State != edi.StateInputProcessedError {
		o.log.Debug("Skipping process, record not processable", "recordId", id, "state", rec.State)
		return nil
	}

	w, err := o.work(rec)
	if err != nil {
		return err
	}
	processor, err := resolveProcessor(o.components, w)
	if err != nil {
		return err
	}

	var res *component.ProcessResult
	if !rec.HasContent() {
		err = edi.Recoverable(fmt.Errorf("record %s has no content to process", id))
	} else {
		res, err = processor.Process(ctx, w)
	}
	if err != nil {
		if retryable(err) {
			return o.recordFailure(ctx, rec, PhaseProcess, edi.StateInputProcessedError, w.Type, err)
		}
		return err
	}

	from := rec.State
	empty := ""
	mut := edi.Mutation{Error: &empty, ClearQueued: true}
	if res != nil && res.Model != "" {
		mut.Model = &res.Model
		mut.RecordID = &res.RecordID
	}
	updated, err := o.repo.Transition(ctx, rec.ID, from, edi.StateInputProcessed, mut)
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			return nil
		}
		return err
	}
	o.transitioned(ctx, updated, from)
	return nil
}

// validate runs the optional validator component on content. A missing
// registration means validation is not configured for this type.
func (o *Orchestrator) validate(ctx context.Context, w *component.Work, content []byte) error {
	impl, err := o.components.Resolve(w.Type.Direction, component.UsageValidate, w.Backend.TypeCode, w.Type.Code)
	if err != nil {
		if errors.Is(err, component.ErrNoComponent) {
			return nil
		}
		return err
	}
	validator, ok := impl.(component.Validator)
	if !ok {
		return fmt.Errorf("component for %s.%s does not implement Validator",
			w.Type.Direction, component.UsageValidate)
	}
	return validator.Validate(ctx, w, content)
}

func resolveGenerator(reg *component.Registry, w *component.Work) (component.Generator, error) {
	impl, err := reg.Resolve(edi.DirectionOutput, component.UsageGenerate, w.Backend.TypeCode, w.Type.Code)
	if err != nil {
		return nil, err
	}
	gen, ok := impl.(component.Generator)
	if !ok {
		return nil, fmt.Errorf("component for output.generate is not a Generator")
	}
	return gen, nil
}

func resolveSender(reg *component.Registry, w *component.Work) (component.Sender, error) {
	impl, err := reg.Resolve(edi.DirectionOutput, component.UsageSend, w.Backend.TypeCode, w.Type.Code)
	if err != nil {
		return nil, err
	}
	sender, ok := impl.(component.Sender)
	if !ok {
		return nil, fmt.Errorf("component for output.send is not a Sender")
	}
	return sender, nil
}

func resolveChecker(reg *component.Registry, w *component.Work) (component.Checker, error) {
	impl, err := reg.Resolve(edi.DirectionOutput, component.UsageCheck, w.Backend.TypeCode, w.Type.Code)
	if err != nil {
		return nil, err
	}
	checker, ok := impl.(component.Checker)
	if !ok {
		return nil, fmt.Errorf("component for output.check is not a Checker")
	}
	return checker, nil
}

func resolveReceiver(reg *component.Registry, w *component.Work) (component.Receiver, error) {
	impl, err := reg.Resolve(edi.DirectionInput, component.UsageReceive, w.Backend.TypeCode, w.Type.Code)
	if err != nil {
		return nil, err
	}
	receiver, ok := impl.(component.Receiver)
	if !ok {
		return nil, fmt.Errorf("component for input.receive is not a Receiver")
	}
	return receiver, nil
}

func resolveProcessor(reg *component.Registry, w *component.Work) (component.Processor, error) {
	impl, err := reg.Resolve(edi.DirectionInput, component.UsageProcess, w.Backend.TypeCode, w.Type.Code)
	if err != nil {
		return nil, err
	}
	processor, ok := impl.(component.Processor)
	if !ok {
		return nil, fmt.Errorf("component for input.process is not a Processor")
	}
	return processor, nil
}
