package coordinator

import (
	"errors"
	"fmt"

	"github.com/ferrydb/ferry/store"
)

// SourceRecordMissingError means an UPDATE or DELETE was requested for a
// record the source node does not hold. This is a caller mistake, not a
// replication failure, so nothing is queued for it.
type SourceRecordMissingError struct {
	SourceNodeID uint64
	RecordID     uint64
	Op           string
}

func (e *SourceRecordMissingError) Error() string {
	return fmt.Sprintf("%s: record %d not found on source node %d", e.Op, e.RecordID, e.SourceNodeID)
}

// ApplyError wraps a failure to apply an operation on a target node,
// carrying whether the failure is worth retrying.
type ApplyError struct {
	TargetNodeID uint64
	Op           string
	RecordID     uint64
	Err          error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s of record %d on node %d: %v", e.Op, e.RecordID, e.TargetNodeID, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// EnqueueError means the durable retry queue itself rejected a job. The
// operation it carried is lost unless the caller retries, so this is
// surfaced as loudly as the system can manage.
type EnqueueError struct {
	TargetNodeID uint64
	Op           string
	RecordID     uint64
	Err          error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("failed to queue %s of record %d for node %d: %v", e.Op, e.RecordID, e.TargetNodeID, e.Err)
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// IsApplicationError reports whether an apply failure reflects a state
// mismatch on the target rather than an infrastructure fault. Application
// errors are never retried: replaying the same operation cannot fix them.
func IsApplicationError(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnknownNode)
}
