// Package queue implements the durable retry queue for replication jobs.
//
// A job describes one write that could not be applied immediately to one
// destination. Jobs move PENDING -> PROCESSING -> COMPLETE, or back to
// PENDING on transient failure, or to FAILED (terminal) once the retry
// ceiling is exceeded or an application-level error is hit. The
// PENDING -> PROCESSING claim is the only transition with a hard atomicity
// contract: two concurrent claimers must never receive the same job.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ferrydb/ferry/encoding"
)

// Operation types
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Job statuses
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusComplete   = "COMPLETE"
	StatusFailed     = "FAILED"
)

var (
	// ErrJobNotProcessing is returned when a status transition is attempted
	// on a job that is not currently claimed.
	ErrJobNotProcessing = errors.New("job is not in PROCESSING state")

	// ErrUnknownOperation is returned for an operation outside the
	// INSERT/UPDATE/DELETE set.
	ErrUnknownOperation = errors.New("unknown operation type")
)

// Job is a durable unit of pending replication work.
//
// Payload is the operation-specific variant: for INSERT the full record
// field map, for UPDATE the partial field set, for DELETE nil. Payload is
// immutable once created; only Status, RetryCount and LastError mutate.
type Job struct {
	ID           uint64 `json:"id"`
	TargetNodeID uint64 `json:"target_node_id"`
	Op           string `json:"operation"`
	RecordID     uint64 `json:"record_id"`
	Payload      []byte `json:"-"` // msgpack-encoded field map, nil for DELETE
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	CreatedAt    int64  `json:"created_at"` // unix nanos, FIFO key within a target
	ClaimedAt    int64  `json:"claimed_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// NewJob builds a PENDING job with an encoded payload.
// fields must be nil exactly when op is DELETE.
func NewJob(jobID, targetNodeID uint64, op string, recordID uint64, fields map[string]interface{}, createdAt int64) (*Job, error) {
	switch op {
	case OpInsert, OpUpdate:
		if fields == nil {
			return nil, fmt.Errorf("%s job for record %d requires a payload", op, recordID)
		}
	case OpDelete:
		if fields != nil {
			return nil, fmt.Errorf("DELETE job for record %d must not carry a payload", recordID)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	payload, err := encoding.MarshalFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	return &Job{
		ID:           jobID,
		TargetNodeID: targetNodeID,
		Op:           op,
		RecordID:     recordID,
		Payload:      payload,
		Status:       StatusPending,
		CreatedAt:    createdAt,
	}, nil
}

// Fields decodes the job payload. Returns nil for DELETE jobs.
func (j *Job) Fields() (map[string]interface{}, error) {
	fields, err := encoding.UnmarshalFields(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %d: %w", j.ID, err)
	}
	return fields, nil
}

// Snapshot is an observability view over the queue.
type Snapshot struct {
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Complete   int    `json:"complete"`
	Failed     int    `json:"failed"`
	Jobs       []*Job `json:"jobs"`
}

// JobStore is the durable, shared job store behind the retry queue.
// It is created at startup and persists across restarts; nothing resets it
// implicitly.
type JobStore interface {
	// Enqueue appends a new PENDING job. An enqueue failure is the one
	// data-loss window in the design: the source write already committed
	// and no retry record exists. Callers must alert loudly on error.
	Enqueue(ctx context.Context, job *Job) error

	// ClaimNext atomically claims the oldest PENDING job across all
	// targets, transitioning it to PROCESSING and incrementing its retry
	// count. Returns (nil, nil) when no PENDING job exists. Two concurrent
	// calls never return the same job.
	ClaimNext(ctx context.Context) (*Job, error)

	// ClaimNextFor is ClaimNext restricted to one target, used by recovery
	// to drain a node's backlog without waiting behind unrelated targets.
	ClaimNextFor(ctx context.Context, targetNodeID uint64) (*Job, error)

	// MarkComplete transitions PROCESSING -> COMPLETE (terminal).
	MarkComplete(ctx context.Context, jobID uint64) error

	// Requeue transitions PROCESSING -> PENDING after a transient failure,
	// or PROCESSING -> FAILED once the retry ceiling is exceeded. Returns
	// the resulting status.
	Requeue(ctx context.Context, jobID uint64, reason string) (string, error)

	// Release transitions PROCESSING -> PENDING and refunds the claim's
	// retry increment. Used when the claimer discovers the target is
	// offline before attempting the apply: an offline target must be able
	// to outwait any retry ceiling, which only counts real apply attempts.
	Release(ctx context.Context, jobID uint64) error

	// MarkFailed transitions PROCESSING -> FAILED (terminal, operator
	// attention required). Used for application-level errors that retrying
	// cannot fix.
	MarkFailed(ctx context.Context, jobID uint64, reason string) error

	// ListPending returns PENDING jobs in claim order, optionally
	// restricted to one target (nil = all targets).
	ListPending(ctx context.Context, targetNodeID *uint64) ([]*Job, error)

	// CountPendingFor returns the number of PENDING jobs for one target.
	CountPendingFor(ctx context.Context, targetNodeID uint64) (int, error)

	// Snapshot returns status counts plus pending jobs, optionally
	// restricted to one target (nil = all targets).
	Snapshot(ctx context.Context, targetNodeID *uint64) (*Snapshot, error)

	// ReapStale reverts PROCESSING jobs claimed before the lease cutoff
	// back to PENDING, covering workers that crashed mid-job. Returns the
	// number of jobs reverted.
	ReapStale(ctx context.Context, olderThanNanos int64) (int, error)

	Close() error
}
