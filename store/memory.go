package store

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryRecordStore implements RecordStore without durability. Used for
// embedded deployments and tests; production nodes use SQLiteRecordStore.
type MemoryRecordStore struct {
	records *xsync.MapOf[uint64, *Record]

	// recency tracks write order for ListRecent, most recent last.
	recencyMu sync.Mutex
	recency   []uint64
}

// Ensure MemoryRecordStore implements RecordStore
var _ RecordStore = (*MemoryRecordStore)(nil)

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: xsync.NewMapOf[uint64, *Record](),
	}
}

// Get returns the record or (nil, nil) when absent.
func (m *MemoryRecordStore) Get(_ context.Context, recordID uint64) (*Record, error) {
	rec, ok := m.records.Load(recordID)
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Insert stores a new record. Returns ErrDuplicate if the ID exists.
func (m *MemoryRecordStore) Insert(_ context.Context, record *Record) error {
	if _, loaded := m.records.LoadOrStore(record.ID, record.Clone()); loaded {
		return ErrDuplicate
	}
	m.touch(record.ID)
	return nil
}

// UpdateFields merges a partial field set into an existing record.
func (m *MemoryRecordStore) UpdateFields(_ context.Context, recordID uint64, fields map[string]interface{}) error {
	rec, ok := m.records.Load(recordID)
	if !ok {
		return ErrNotFound
	}
	merged := rec.Clone()
	merged.MergeFields(fields)
	m.records.Store(recordID, merged)
	m.touch(recordID)
	return nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (m *MemoryRecordStore) Delete(_ context.Context, recordID uint64) error {
	m.records.Delete(recordID)
	m.recencyMu.Lock()
	for i, id := range m.recency {
		if id == recordID {
			m.recency = append(m.recency[:i], m.recency[i+1:]...)
			break
		}
	}
	m.recencyMu.Unlock()
	return nil
}

// ListRecent returns up to n records ordered most-recently-written first.
func (m *MemoryRecordStore) ListRecent(_ context.Context, n int) ([]*Record, error) {
	m.recencyMu.Lock()
	ids := make([]uint64, len(m.recency))
	copy(ids, m.recency)
	m.recencyMu.Unlock()

	records := make([]*Record, 0, n)
	for i := len(ids) - 1; i >= 0 && len(records) < n; i-- {
		if rec, ok := m.records.Load(ids[i]); ok {
			records = append(records, rec.Clone())
		}
	}
	return records, nil
}

// Close is a no-op for the memory store.
func (m *MemoryRecordStore) Close() error {
	return nil
}

// touch moves a record to the most-recent end of the recency order.
func (m *MemoryRecordStore) touch(recordID uint64) {
	m.recencyMu.Lock()
	defer m.recencyMu.Unlock()
	for i, id := range m.recency {
		if id == recordID {
			m.recency = append(m.recency[:i], m.recency[i+1:]...)
			break
		}
	}
	m.recency = append(m.recency, recordID)
}
