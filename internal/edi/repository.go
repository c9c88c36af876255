package edi

import (
	"context"
	"time"
)

// Mutation describes the fields applied together with a state transition.
// A transition and its mutation are persisted as one atomic unit.
type Mutation struct {
	// Error sets (or clears, when pointing at an empty string) the
	// record's error message.
	Error *string

	// IncrementAttempt bumps the retry counter. Only transitions into an
	// error state set this.
	IncrementAttempt bool

	// Content stores the exchange file when non-nil.
	Content []byte

	// Filename sets the exchange filename when non-nil.
	Filename *string

	// AckContent stores the acknowledgment file when non-nil.
	AckContent []byte

	// NextAttemptAt schedules the earliest retry when non-nil.
	NextAttemptAt *time.Time

	// ResetAttempts zeroes the retry counter, used by operator-triggered
	// retries.
	ResetAttempts bool

	// Model and RecordID link the record to a business record when
	// non-nil, set once the process phase has created one.
	Model    *string
	RecordID *int64

	// ExchangedAt marks when the document was actually sent/received.
	ExchangedAt *time.Time

	// ClearQueued resets the queued flag together with the transition.
	ClearQueued bool
}

// Repository is the persistence port for exchange records.
// All implementations must be wrapped with instrumentation.
type Repository interface {
	FindByID(ctx context.Context, id string) (*ExchangeRecord, error)

	// FindByFilename locates a record on a backend by its exchange
	// filename, used to deduplicate inbound files.
	FindByFilename(ctx context.Context, backendID, filename string) (*ExchangeRecord, error)

	Insert(ctx context.Context, rec *ExchangeRecord) error

	// Transition atomically moves a record from one state to another and
	// applies the mutation. It fails with repository.ErrOptimisticLock
	// when the record is no longer in the expected state, which is how
	// two concurrent phase invocations are serialized, and with
	// ErrInvalidTransition for an undeclared edge.
	Transition(ctx context.Context, id string, from, to State, mut Mutation) (*ExchangeRecord, error)

	// RecordError stores a failure on a record without a state change,
	// used for phases that fail before their state has a dedicated error
	// edge (e.g. output generation, which leaves the record in new).
	// It increments the attempt counter and schedules the next try.
	RecordError(ctx context.Context, id string, msg string, nextAttemptAt time.Time) (*ExchangeRecord, error)

	// Reschedule moves the record's next attempt time without touching
	// its state or attempt counter, used when a phase is merely waiting
	// on the partner (no acknowledgment published yet). It clears the
	// queued flag so the scheduler picks the record up again when due.
	Reschedule(ctx context.Context, id string, nextAttemptAt time.Time) error

	// MarkQueued sets the queued flag, failing with
	// repository.ErrOptimisticLock if already queued, so a record is
	// never enqueued twice.
	MarkQueued(ctx context.Context, id string, at time.Time) error

	// ClearQueued resets the queued flag unconditionally.
	ClearQueued(ctx context.Context, id string) error

	// FindReady returns non-queued records that have a runnable phase:
	// active states immediately, error states once their retry is due
	// and attempts remain under the record's budget.
	FindReady(ctx context.Context, now time.Time, limit int64) ([]*ExchangeRecord, error)

	// FindStaleQueued returns records whose queued flag is older than
	// the threshold with no live job, e.g. after a crash.
	FindStaleQueued(ctx context.Context, olderThan time.Time, limit int64) ([]*ExchangeRecord, error)

	FindByState(ctx context.Context, backendID string, states []State, limit int64) ([]*ExchangeRecord, error)

	CountByState(ctx context.Context, state State) (int64, error)

	List(ctx context.Context, backendID string, skip, limit int64) ([]*ExchangeRecord, error)

	Delete(ctx context.Context, id string) error
}
