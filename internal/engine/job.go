// Package engine consumes phase jobs from the queue and runs them
// against the orchestrator through a worker pool that keeps jobs for
// the same record ordered.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"go.edirelay.tech/internal/orchestrator"
)

// SubjectPrefix is the root of all phase job subjects on the stream.
const SubjectPrefix = "exchange"

// PhaseJob is the wire format of one scheduled phase run. The record ID
// doubles as the message group so the broker preserves per-record order.
type PhaseJob struct {
	RecordID   string             `json:"recordId"`
	Phase      orchestrator.Phase `json:"phase"`
	Attempt    int                `json:"attempt,omitempty"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

// Subject returns the queue subject for this job, one per phase so
// consumers can filter (e.g. "exchange.send").
func (j *PhaseJob) Subject() string {
	return SubjectPrefix + "." + string(j.Phase)
}

// DeduplicationID keys broker-side deduplication. One attempt of one
// phase on one record is published at most once.
func (j *PhaseJob) DeduplicationID() string {
	return fmt.Sprintf("%s:%s:%d", j.RecordID, j.Phase, j.Attempt)
}

// EncodePhaseJob serializes a job for publishing.
func EncodePhaseJob(job *PhaseJob) ([]byte, error) {
	return json.Marshal(job)
}

// DecodePhaseJob parses a job from a queue message payload.
func DecodePhaseJob(data []byte) (*PhaseJob, error) {
	var job PhaseJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode phase job: %w", err)
	}
	if job.RecordID == "" {
		return nil, fmt.Errorf("phase job without record ID")
	}
	if job.Phase == "" {
		return nil, fmt.Errorf("phase job without phase")
	}
	return &job, nil
}
