package store

import (
	"context"
	"errors"
)

// Store errors. Callers distinguish these from connectivity-class errors:
// both are application-level outcomes of an apply, not reasons to retry.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by Insert when the record ID already exists.
	ErrDuplicate = errors.New("record already exists")

	// ErrUnknownNode is returned when no store is registered for a node.
	ErrUnknownNode = errors.New("unknown node")
)

// Record is the unit of replication: an immutable ID plus an opaque field
// map. Ferry never interprets the fields beyond routing by ID and merging
// partial updates.
type Record struct {
	ID     uint64
	Fields map[string]interface{}
}

// Clone returns a deep-enough copy of the record. Field values are shared;
// the field map itself is copied so callers can merge without aliasing.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{ID: r.ID, Fields: fields}
}

// MergeFields applies a partial field set on top of the record's fields.
// Existing keys are overwritten, missing keys are added, nothing is removed.
func (r *Record) MergeFields(partial map[string]interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{}, len(partial))
	}
	for k, v := range partial {
		r.Fields[k] = v
	}
}

// RecordStore is the keyed record table a node exposes to the replication
// core. Implementations provide their own internal consistency per row;
// the core only calls idempotent mutating operations on them.
type RecordStore interface {
	// Get returns the record or (nil, nil) when absent.
	Get(ctx context.Context, recordID uint64) (*Record, error)

	// Insert stores a new record. Returns ErrDuplicate if the ID exists.
	Insert(ctx context.Context, record *Record) error

	// UpdateFields merges a partial field set into an existing record.
	// Returns ErrNotFound if the record does not exist.
	UpdateFields(ctx context.Context, recordID uint64, fields map[string]interface{}) error

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, recordID uint64) error

	// ListRecent returns up to n records ordered most-recently-written
	// first. Used by the reconciliation scan against the central node.
	ListRecent(ctx context.Context, n int) ([]*Record, error)

	Close() error
}
