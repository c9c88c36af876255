// Package edi defines the core entities of the exchange lifecycle engine:
// backends, backend types, exchange types and the exchange record with its
// state machine.
package edi

import (
	"time"
)

// Direction defines which way a document travels relative to this system.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Valid returns true for a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInput || d == DirectionOutput
}

// State defines the lifecycle state of an exchange record.
type State string

const (
	StateNew State = "new"

	// Output lifecycle
	StateOutputPending          State = "output_pending"
	StateOutputSent             State = "output_sent"
	StateOutputErrorOnSend      State = "output_error_on_send"
	StateOutputSentAndProcessed State = "output_sent_and_processed"
	StateOutputErrorOnProcessed State = "output_error_on_processed"

	// Input lifecycle
	StateInputPending        State = "input_pending"
	StateInputReceived       State = "input_received"
	StateInputReceiveError   State = "input_receive_error"
	StateInputProcessed      State = "input_processed"
	StateInputProcessedError State = "input_processed_error"
)

// transitions is the allowed-edge table of the state machine. A transition
// not listed here is rejected by the repository layer.
var transitions = map[State][]State{
	StateNew: {
		StateNew, // operator retry after a generate failure
		StateOutputPending,
		StateInputPending,
		StateInputReceived,
	},
	StateOutputPending: {
		StateOutputSent,
		StateOutputErrorOnSend,
	},
	StateOutputErrorOnSend: {
		StateOutputSent,
		StateOutputErrorOnSend,
	},
	StateOutputSent: {
		StateOutputSentAndProcessed,
		StateOutputErrorOnProcessed,
	},
	StateOutputErrorOnProcessed: {
		StateOutputSentAndProcessed,
		StateOutputErrorOnProcessed,
	},
	StateInputPending: {
		StateInputReceived,
		StateInputReceiveError,
	},
	StateInputReceiveError: {
		StateInputReceived,
		StateInputReceiveError,
	},
	StateInputReceived: {
		StateInputProcessed,
		StateInputProcessedError,
	},
	StateInputProcessedError: {
		StateInputProcessed,
		StateInputProcessedError,
	},

	// Operator reprocess: the one way out of a terminal input state.
	StateInputProcessed: {
		StateInputReceived,
	},
}

// AllStates lists every lifecycle state, for gauges and filters.
func AllStates() []State {
	return []State{
		StateNew,
		StateOutputPending,
		StateOutputSent,
		StateOutputErrorOnSend,
		StateOutputSentAndProcessed,
		StateOutputErrorOnProcessed,
		StateInputPending,
		StateInputReceived,
		StateInputReceiveError,
		StateInputProcessed,
		StateInputProcessedError,
	}
}

// CanTransition reports whether the edge from -> to is declared.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states that are never left again
// (except an explicit operator reprocess).
func (s State) IsTerminal() bool {
	return s == StateOutputSentAndProcessed || s == StateInputProcessed
}

// IsError returns true for retryable error states.
func (s State) IsError() bool {
	switch s {
	case StateOutputErrorOnSend,
		StateOutputErrorOnProcessed,
		StateInputReceiveError,
		StateInputProcessedError:
		return true
	}
	return false
}

// DirectionOf returns the direction a state belongs to. StateNew belongs
// to both and returns the empty direction.
func (s State) DirectionOf() Direction {
	switch s {
	case StateOutputPending, StateOutputSent, StateOutputErrorOnSend,
		StateOutputSentAndProcessed, StateOutputErrorOnProcessed:
		return DirectionOutput
	case StateInputPending, StateInputReceived, StateInputReceiveError,
		StateInputProcessed, StateInputProcessedError:
		return DirectionInput
	}
	return ""
}

// ExchangeRecord is one tracked attempt to send or receive one document.
// Collection: exchange_records
type ExchangeRecord struct {
	ID        string    `bson:"_id" json:"id"`
	TypeCode  string    `bson:"typeCode" json:"typeCode"`
	BackendID string    `bson:"backendId" json:"backendId"`
	Direction Direction `bson:"direction" json:"direction"`

	// Weak reference to the business record this exchange belongs to.
	// The engine never owns the business record's lifecycle.
	Model    string `bson:"model,omitempty" json:"model,omitempty"`
	RecordID int64  `bson:"recordId,omitempty" json:"recordId,omitempty"`

	Filename string `bson:"filename,omitempty" json:"filename,omitempty"`
	Content  []byte `bson:"content,omitempty" json:"-"`

	AckFilename string `bson:"ackFilename,omitempty" json:"ackFilename,omitempty"`
	AckContent  []byte `bson:"ackContent,omitempty" json:"-"`

	// ExternalRef identifies the exchange towards the trading partner,
	// useful to join related documents.
	ExternalRef string `bson:"externalRef,omitempty" json:"externalRef,omitempty"`

	State        State  `bson:"state" json:"state"`
	ErrorMessage string `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`

	// Attempts counts recoverable failures. MaxAttempts is copied from
	// the exchange type's retry policy at creation so eligibility can be
	// decided without a type lookup.
	Attempts      int       `bson:"attempts" json:"attempts"`
	MaxAttempts   int       `bson:"maxAttempts" json:"maxAttempts"`
	NextAttemptAt time.Time `bson:"nextAttemptAt,omitempty" json:"nextAttemptAt,omitempty"`

	// QueuedAt is set while a phase job targeting this record is pending
	// on the queue. Zero means not queued.
	QueuedAt time.Time `bson:"queuedAt,omitempty" json:"queuedAt,omitempty"`

	// ParentID links a spawned exchange (e.g. an ack request) to the
	// exchange that created it.
	ParentID string `bson:"parentId,omitempty" json:"parentId,omitempty"`

	ExchangedAt    time.Time `bson:"exchangedAt,omitempty" json:"exchangedAt,omitempty"`
	StateChangedAt time.Time `bson:"stateChangedAt" json:"stateChangedAt"`
	CreatedAt      time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt" json:"updatedAt"`
}

// IsQueued returns true if a phase job for this record is pending.
func (r *ExchangeRecord) IsQueued() bool {
	return !r.QueuedAt.IsZero()
}

// HasContent returns true if the exchange file has been set.
func (r *ExchangeRecord) HasContent() bool {
	return len(r.Content) > 0
}

// CanRetry reports whether the record is in an error state with attempts
// left under its budget.
func (r *ExchangeRecord) CanRetry() bool {
	return r.State.IsError() && r.Attempts < r.MaxAttempts
}

// BusinessRef returns true and the (model, id) pair when the record is
// linked to a business record.
func (r *ExchangeRecord) BusinessRef() (string, int64, bool) {
	if r.Model == "" || r.RecordID == 0 {
		return "", 0, false
	}
	return r.Model, r.RecordID, true
}
