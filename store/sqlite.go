package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ferrydb/ferry/encoding"

	_ "github.com/mattn/go-sqlite3"
)

var dialect = goqu.Dialect("sqlite3")

const recordsTable = "ferry_records"

// recordSchemas returns the DDL for the record store.
func recordSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ferry_records (
			record_id  INTEGER PRIMARY KEY,
			fields     BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ferry_records_updated
			ON ferry_records(updated_at DESC)`,
	}
}

// SQLiteRecordStore implements RecordStore using SQLite.
// One write connection serializes mutations; a small read pool serves
// lookups and scans. An optional LRU caches decoded records by ID.
type SQLiteRecordStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	cache   *lru.Cache[uint64, *Record] // nil when caching disabled
}

// Ensure SQLiteRecordStore implements RecordStore
var _ RecordStore = (*SQLiteRecordStore)(nil)

// NewSQLiteRecordStore creates a new SQLite-backed record store.
// cacheSize <= 0 disables the read cache.
func NewSQLiteRecordStore(path string, busyTimeoutMS, cacheSize int) (*SQLiteRecordStore, error) {
	writeDB, readDB, err := openSQLitePair(path, busyTimeoutMS)
	if err != nil {
		return nil, err
	}

	for _, schema := range recordSchemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("failed to create record schema: %w", err)
		}
	}

	s := &SQLiteRecordStore{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
	}

	if cacheSize > 0 {
		cache, err := lru.New[uint64, *Record](cacheSize)
		if err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("failed to create record cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// openSQLitePair opens the write connection and read pool with WAL mode,
// shared by the record store and the retry queue store.
func openSQLitePair(path string, busyTimeoutMS int) (*sql.DB, *sql.DB, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection)
	writeDSN := path
	if !isMemoryDB {
		if strings.Contains(writeDSN, "?") {
			writeDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		} else {
			writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		}
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// In-memory databases must share the single write connection: a second
	// sql.Open would create a separate empty database.
	if isMemoryDB {
		return writeDB, writeDB, nil
	}

	readDSN := path
	if strings.Contains(readDSN, "?") {
		readDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	} else {
		readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	}

	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, nil, fmt.Errorf("failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	for _, db := range []*sql.DB{writeDB, readDB} {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA cache_size=-16000",
			"PRAGMA temp_store=MEMORY",
		} {
			if _, err := db.Exec(pragma); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	return writeDB, readDB, nil
}

// Close closes both database connections.
func (s *SQLiteRecordStore) Close() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// Get returns the record or (nil, nil) when absent.
func (s *SQLiteRecordStore) Get(ctx context.Context, recordID uint64) (*Record, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(recordID); ok {
			return rec.Clone(), nil
		}
	}

	query, args, err := dialect.From(recordsTable).
		Select("fields").
		Where(goqu.C("record_id").Eq(recordID)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	var blob []byte
	err = s.readDB.QueryRowContext(ctx, query, args...).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeRecord(recordID, blob)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(recordID, rec.Clone())
	}
	return rec, nil
}

// Insert stores a new record. Returns ErrDuplicate if the ID exists.
func (s *SQLiteRecordStore) Insert(ctx context.Context, record *Record) error {
	blob, err := encoding.MarshalFields(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	now := time.Now().UnixNano()
	query, args, err := dialect.Insert(recordsTable).
		Rows(goqu.Record{
			"record_id":  record.ID,
			"fields":     blob,
			"created_at": now,
			"updated_at": now,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.writeDB.ExecContext(ctx, query, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY constraint failed") {
			return ErrDuplicate
		}
		return err
	}

	if s.cache != nil {
		s.cache.Remove(record.ID)
	}
	return nil
}

// UpdateFields merges a partial field set into an existing record.
// The merge is read-modify-write on the single write connection, so
// concurrent merges against one store serialize cleanly.
func (s *SQLiteRecordStore) UpdateFields(ctx context.Context, recordID uint64, fields map[string]interface{}) error {
	selQuery, selArgs, err := dialect.From(recordsTable).
		Select("fields").
		Where(goqu.C("record_id").Eq(recordID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	var blob []byte
	err = s.writeDB.QueryRowContext(ctx, selQuery, selArgs...).Scan(&blob)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	rec, err := decodeRecord(recordID, blob)
	if err != nil {
		return err
	}
	rec.MergeFields(fields)

	merged, err := encoding.MarshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode merged fields: %w", err)
	}

	updQuery, updArgs, err := dialect.Update(recordsTable).
		Set(goqu.Record{
			"fields":     merged,
			"updated_at": time.Now().UnixNano(),
		}).
		Where(goqu.C("record_id").Eq(recordID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.writeDB.ExecContext(ctx, updQuery, updArgs...); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Remove(recordID)
	}
	return nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *SQLiteRecordStore) Delete(ctx context.Context, recordID uint64) error {
	query, args, err := dialect.Delete(recordsTable).
		Where(goqu.C("record_id").Eq(recordID)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.writeDB.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Remove(recordID)
	}
	return nil
}

// ListRecent returns up to n records ordered most-recently-written first.
func (s *SQLiteRecordStore) ListRecent(ctx context.Context, n int) ([]*Record, error) {
	query, args, err := dialect.From(recordsTable).
		Select("record_id", "fields").
		Order(goqu.C("updated_at").Desc(), goqu.C("record_id").Desc()).
		Limit(uint(n)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var recordID uint64
		var blob []byte
		if err := rows.Scan(&recordID, &blob); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(recordID, blob)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func decodeRecord(recordID uint64, blob []byte) (*Record, error) {
	fields, err := encoding.UnmarshalFields(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %d: %w", recordID, err)
	}
	return &Record{ID: recordID, Fields: fields}, nil
}
