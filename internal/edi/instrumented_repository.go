package edi

import (
	"context"
	"time"

	"go.edirelay.tech/internal/common/repository"
)

// instrumentedRepository wraps a Repository with metrics and logging.
type instrumentedRepository struct {
	inner Repository
}

// NewInstrumentedRepository creates an instrumented wrapper around a
// Repository.
func NewInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "FindByID", func() (*ExchangeRecord, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) FindByFilename(ctx context.Context, backendID, filename string) (*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "FindByFilename", func() (*ExchangeRecord, error) {
		return r.inner.FindByFilename(ctx, backendID, filename)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, rec *ExchangeRecord) error {
	return repository.InstrumentVoid(ctx, recordCollection, "Insert", func() error {
		return r.inner.Insert(ctx, rec)
	})
}

func (r *instrumentedRepository) Transition(ctx context.Context, id string, from, to State, mut Mutation) (*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "Transition", func() (*ExchangeRecord, error) {
		return r.inner.Transition(ctx, id, from, to, mut)
	})
}

func (r *instrumentedRepository) RecordError(ctx context.Context, id string, msg string, nextAttemptAt time.Time) (*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "RecordError", func() (*ExchangeRecord, error) {
		return r.inner.RecordError(ctx, id, msg, nextAttemptAt)
	})
}

func (r *instrumentedRepository) Reschedule(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return repository.InstrumentVoid(ctx, recordCollection, "Reschedule", func() error {
		return r.inner.Reschedule(ctx, id, nextAttemptAt)
	})
}

func (r *instrumentedRepository) MarkQueued(ctx context.Context, id string, at time.Time) error {
	return repository.InstrumentVoid(ctx, recordCollection, "MarkQueued", func() error {
		return r.inner.MarkQueued(ctx, id, at)
	})
}

func (r *instrumentedRepository) ClearQueued(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, recordCollection, "ClearQueued", func() error {
		return r.inner.ClearQueued(ctx, id)
	})
}

func (r *instrumentedRepository) FindReady(ctx context.Context, now time.Time, limit int64) ([]*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "FindReady", func() ([]*ExchangeRecord, error) {
		return r.inner.FindReady(ctx, now, limit)
	})
}

func (r *instrumentedRepository) FindStaleQueued(ctx context.Context, olderThan time.Time, limit int64) ([]*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "FindStaleQueued", func() ([]*ExchangeRecord, error) {
		return r.inner.FindStaleQueued(ctx, olderThan, limit)
	})
}

func (r *instrumentedRepository) FindByState(ctx context.Context, backendID string, states []State, limit int64) ([]*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "FindByState", func() ([]*ExchangeRecord, error) {
		return r.inner.FindByState(ctx, backendID, states, limit)
	})
}

func (r *instrumentedRepository) CountByState(ctx context.Context, state State) (int64, error) {
	return repository.Instrument(ctx, recordCollection, "CountByState", func() (int64, error) {
		return r.inner.CountByState(ctx, state)
	})
}

func (r *instrumentedRepository) List(ctx context.Context, backendID string, skip, limit int64) ([]*ExchangeRecord, error) {
	return repository.Instrument(ctx, recordCollection, "List", func() ([]*ExchangeRecord, error) {
		return r.inner.List(ctx, backendID, skip, limit)
	})
}

func (r *instrumentedRepository) Delete(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, recordCollection, "Delete", func() error {
		return r.inner.Delete(ctx, id)
	})
}
