package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job is one unit of queued work. The payload is opaque to the broker;
// workers decode it against their own input type.
type Job struct {
	// ID is a ULID, so ids sort by enqueue time.
	ID string `json:"id"`

	// Queue is the queue the job was enqueued on.
	Queue string `json:"queue"`

	// RunID ties the job to its extraction run.
	RunID string `json:"run_id"`

	// Payload is the worker input, opaque to the broker.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey deduplicates enqueues. Empty disables dedup for this
	// job.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Attempts counts deliveries that ended in a nack.
	Attempts int `json:"attempts"`

	// MaxAttempts caps retries before dead-lettering. Zero means the
	// broker default.
	MaxAttempts int `json:"max_attempts"`

	// LastError preserves the most recent nack cause.
	LastError string `json:"last_error,omitempty"`

	// EnqueuedAt is when the job first entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// receipt identifies the current lease. Brokers set it on Reserve and
	// require it back on Ack and Nack.
	receipt string
}

// NewJob builds a job with a fresh ULID and the payload marshaled.
func NewJob(queueName, runID string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling job payload: %w", err)
	}

	return &Job{
		ID:         ulid.Make().String(),
		Queue:      queueName,
		RunID:      runID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// checkPayload rejects payloads the JSON codec cannot carry. Brokers call it
// on Enqueue so the two implementations agree on what a valid job is.
func checkPayload(job *Job) error {
	if len(job.Payload) > 0 && !json.Valid(job.Payload) {
		return fmt.Errorf("%w: job %s", ErrInvalidPayload, job.ID)
	}
	return nil
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Receipt returns the current lease receipt. Empty for unleased jobs.
func (j *Job) Receipt() string { return j.receipt }

// setReceipt is used by brokers when leasing.
func (j *Job) setReceipt(r string) { j.receipt = r }
