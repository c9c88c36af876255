package edi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.edirelay.tech/internal/common/repository"
)

// MemoryRepository is an in-memory Repository used in embedded/dev mode
// and in tests. Transitions are serialized by a single mutex, which gives
// the same "one phase at a time per record" guarantee the mongo
// implementation gets from guarded updates.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*ExchangeRecord
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*ExchangeRecord)}
}

func (r *MemoryRepository) FindByID(ctx context.Context, id string) (*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) FindByFilename(ctx context.Context, backendID, filename string) (*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.BackendID == backendID && rec.Filename == filename {
			return cloneRecord(rec), nil
		}
	}
	return nil, fmt.Errorf("exchange record for %s on %s: %w", filename, backendID, repository.ErrNotFound)
}

func (r *MemoryRepository) Insert(ctx context.Context, rec *ExchangeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.records[rec.ID]; dup {
		return fmt.Errorf("exchange record %s: %w", rec.ID, repository.ErrDuplicateKey)
	}
	// Mirrors the unique backendId+filename index the mongo repository
	// relies on.
	if rec.Filename != "" {
		for _, other := range r.records {
			if other.BackendID == rec.BackendID && other.Filename == rec.Filename {
				return fmt.Errorf("exchange record for %s on %s: %w",
					rec.Filename, rec.BackendID, repository.ErrDuplicateKey)
			}
		}
	}
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Transition(ctx context.Context, id string, from, to State, mut Mutation) (*ExchangeRecord, error) {
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	if rec.State != from {
		return nil, fmt.Errorf("exchange record %s is %s, expected %s: %w",
			id, rec.State, from, repository.ErrOptimisticLock)
	}
	applyMutation(rec, to, mut)
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) RecordError(ctx context.Context, id string, msg string, nextAttemptAt time.Time) (*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	now := time.Now()
	rec.ErrorMessage = msg
	rec.Attempts++
	rec.NextAttemptAt = nextAttemptAt
	rec.QueuedAt = time.Time{}
	rec.UpdatedAt = now
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) Reschedule(ctx context.Context, id string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	rec.NextAttemptAt = nextAttemptAt
	rec.QueuedAt = time.Time{}
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) MarkQueued(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	if rec.IsQueued() {
		return fmt.Errorf("exchange record %s already queued: %w", id, repository.ErrOptimisticLock)
	}
	rec.QueuedAt = at
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) ClearQueued(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	rec.QueuedAt = time.Time{}
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) FindReady(ctx context.Context, now time.Time, limit int64) ([]*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExchangeRecord
	for _, rec := range r.records {
		if recordReady(rec, now) {
			out = append(out, cloneRecord(rec))
		}
	}
	sortByCreated(out)
	return capSlice(out, limit), nil
}

func (r *MemoryRepository) FindStaleQueued(ctx context.Context, olderThan time.Time, limit int64) ([]*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExchangeRecord
	for _, rec := range r.records {
		if rec.IsQueued() && rec.QueuedAt.Before(olderThan) {
			out = append(out, cloneRecord(rec))
		}
	}
	sortByCreated(out)
	return capSlice(out, limit), nil
}

func (r *MemoryRepository) FindByState(ctx context.Context, backendID string, states []State, limit int64) ([]*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExchangeRecord
	for _, rec := range r.records {
		if backendID != "" && rec.BackendID != backendID {
			continue
		}
		for _, s := range states {
			if rec.State == s {
				out = append(out, cloneRecord(rec))
				break
			}
		}
	}
	sortByCreated(out)
	return capSlice(out, limit), nil
}

func (r *MemoryRepository) CountByState(ctx context.Context, state State) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.records {
		if rec.State == state {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) List(ctx context.Context, backendID string, skip, limit int64) ([]*ExchangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExchangeRecord
	for _, rec := range r.records {
		if backendID != "" && rec.BackendID != backendID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sortByCreated(out)
	if skip > 0 {
		if skip >= int64(len(out)) {
			return nil, nil
		}
		out = out[skip:]
	}
	return capSlice(out, limit), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	delete(r.records, id)
	return nil
}

// recordReady mirrors the mongo FindReady filter: not queued, not
// terminal, attempt budget left, backoff elapsed. StateNew records are
// surfaced too; the scheduler decides whether the type auto-generates.
func recordReady(rec *ExchangeRecord, now time.Time) bool {
	if rec.IsQueued() || rec.State.IsTerminal() {
		return false
	}
	if rec.Attempts >= rec.MaxAttempts {
		return false
	}
	return !rec.NextAttemptAt.After(now)
}

func applyMutation(rec *ExchangeRecord, to State, mut Mutation) {
	now := time.Now()
	rec.State = to
	rec.StateChangedAt = now
	rec.UpdatedAt = now
	if mut.Error != nil {
		rec.ErrorMessage = *mut.Error
	}
	if mut.IncrementAttempt {
		rec.Attempts++
	}
	if mut.ResetAttempts {
		rec.Attempts = 0
	}
	if mut.Model != nil {
		rec.Model = *mut.Model
	}
	if mut.RecordID != nil {
		rec.RecordID = *mut.RecordID
	}
	if mut.Content != nil {
		rec.Content = append([]byte(nil), mut.Content...)
	}
	if mut.AckContent != nil {
		rec.AckContent = append([]byte(nil), mut.AckContent...)
	}
	if mut.Filename != nil {
		rec.Filename = *mut.Filename
	}
	if mut.NextAttemptAt != nil {
		rec.NextAttemptAt = *mut.NextAttemptAt
	}
	if mut.ExchangedAt != nil {
		rec.ExchangedAt = *mut.ExchangedAt
	}
	if mut.ClearQueued {
		rec.QueuedAt = time.Time{}
	}
}

func cloneRecord(rec *ExchangeRecord) *ExchangeRecord {
	cp := *rec
	cp.Content = append([]byte(nil), rec.Content...)
	cp.AckContent = append([]byte(nil), rec.AckContent...)
	return &cp
}

func sortByCreated(recs []*ExchangeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func capSlice(recs []*ExchangeRecord, limit int64) []*ExchangeRecord {
	if limit > 0 && int64(len(recs)) > limit {
		return recs[:limit]
	}
	return recs
}
