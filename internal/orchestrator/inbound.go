package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.edirelay.tech/internal/common/metrics"
	"go.edirelay.tech/internal/common/repository"
	"go.edirelay.tech/internal/component"
	"go.edirelay.tech/internal/edi"
)

// PollAllInbound sweeps every enabled backend for new inbound files.
func (o *Orchestrator) PollAllInbound(ctx context.Context) error {
	var firstErr error
	for _, backend := range o.registry.Backends() {
		if !backend.Enabled {
			continue
		}
		if err := o.PollInbound(ctx, backend.ID); err != nil {
			metrics.SchedulerPollsTotal.WithLabelValues(backend.ID, "failed").Inc()
			o.log.Error("Inbound poll failed", "backendId", backend.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.SchedulerPollsTotal.WithLabelValues(backend.ID, "success").Inc()
	}
	return firstErr
}

// PollInbound discovers pending inbound files on one backend and creates
// an exchange record for each new one. Types claim files through their
// filename glob; within one sweep the first type (by code) wins a file
// matched by several globs. Already-tracked filenames are skipped, which
// makes polling idempotent.
func (o *Orchestrator) PollInbound(ctx context.Context, backendID string) error {
	backend, err := o.registry.Backend(backendID)
	if err != nil {
		return err
	}
	if !backend.Enabled {
		return fmt.Errorf("%w: %q", edi.ErrBackendDisabled, backendID)
	}

	claimed := make(map[string]string)
	var firstErr error
	for _, xtype := range o.registry.ExchangeTypesFor(backend, edi.DirectionInput) {
		lister, err := o.resolveLister(backend, xtype)
		if err != nil {
			if errors.Is(err, component.ErrNoComponent) {
				continue
			}
			return err
		}

		files, err := lister.ListPending(ctx, backend, xtype)
		if err != nil {
			o.log.Error("Failed to list pending inbound files",
				"backendId", backendID,
				"type", xtype.Code,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, file := range files {
			if winner, taken := claimed[file.Filename]; taken {
				o.log.Debug("Inbound file already claimed this sweep",
					"filename", file.Filename,
					"claimedBy", winner,
					"type", xtype.Code)
				continue
			}
			created, err := o.trackInbound(ctx, backend, xtype, file)
			if err != nil {
				o.log.Error("Failed to track inbound file",
					"backendId", backendID,
					"type", xtype.Code,
					"filename", file.Filename,
					"error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if created {
				claimed[file.Filename] = xtype.Code
			}
		}
	}
	return firstErr
}

// trackInbound creates the record for a discovered file unless one
// already exists. Returns whether a record was created.
func (o *Orchestrator) trackInbound(ctx context.Context, backend *edi.Backend, xtype *edi.ExchangeType, file component.PendingFile) (bool, error) {
	_, err := o.repo.FindByFilename(ctx, backend.ID, file.Filename)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}

	_, err = o.CreateRecord(ctx, CreateInput{
		TypeCode:  xtype.Code,
		BackendID: backend.ID,
		Filename:  file.Filename,
		Content:   file.Content,
	})
	if err != nil {
		// A concurrent sweep may have inserted the same filename.
		if errors.Is(err, repository.ErrDuplicateKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) resolveLister(backend *edi.Backend, xtype *edi.ExchangeType) (component.Lister, error) {
	impl, err := o.components.Resolve(edi.DirectionInput, component.UsageList, backend.TypeCode, xtype.Code)
	if err != nil {
		return nil, err
	}
	lister, ok := impl.(component.Lister)
	if !ok {
		return nil, fmt.Errorf("component for input.list is not a Lister")
	}
	return lister, nil
}

// Retry is the operator action on a record stuck in an error state: it
// zeroes the attempt counter and makes the retry due immediately.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*edi.ExchangeRecord, error) {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.State.IsError() && !(rec.State == edi.StateNew && rec.ErrorMessage != "") {
		return nil, fmt.Errorf("%w: record %s in state %s has nothing to retry",
			edi.ErrInvalidTransition, id, rec.State)
	}

	now := o.now()
	updated, err := o.repo.Transition(ctx, id, rec.State, rec.State, edi.Mutation{
		ResetAttempts: true,
		NextAttemptAt: &now,
		ClearQueued:   true,
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("Operator retry", "recordId", id, "state", updated.State)
	return updated, nil
}

// Reprocess is the operator action on a fully processed inbound record:
// it re-runs the process phase against the stored content, e.g. after a
// mapping fix in the host system.
func (o *Orchestrator) Reprocess(ctx context.Context, id string) (*edi.ExchangeRecord, error) {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != edi.StateInputProcessed {
		return nil, fmt.Errorf("%w: record %s in state %s cannot be reprocessed",
			edi.ErrInvalidTransition, id, rec.State)
	}

	now := o.now()
	empty := ""
	updated, err := o.repo.Transition(ctx, id, edi.StateInputProcessed, edi.StateInputReceived, edi.Mutation{
		ResetAttempts: true,
		NextAttemptAt: &now,
		Error:         &empty,
		ClearQueued:   true,
	})
	if err != nil {
		return nil, err
	}
	o.transitioned(ctx, updated, edi.StateInputProcessed)
	o.log.Info("Operator reprocess", "recordId", id)
	return updated, nil
}
