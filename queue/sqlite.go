package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	_ "github.com/mattn/go-sqlite3"
)

// snapshotJobLimit caps the jobs list embedded in a snapshot.
const snapshotJobLimit = 200

// jobSchemas returns the DDL for the job store.
func jobSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ferry_jobs (
			job_id         INTEGER PRIMARY KEY,
			target_node_id INTEGER NOT NULL,
			operation      TEXT NOT NULL,
			record_id      INTEGER NOT NULL,
			payload        BLOB,
			status         TEXT NOT NULL DEFAULT 'PENDING',
			retry_count    INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			claimed_at     INTEGER,
			completed_at   INTEGER,
			last_error     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ferry_jobs_claim
			ON ferry_jobs(status, created_at, job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ferry_jobs_target
			ON ferry_jobs(target_node_id, status, created_at, job_id)`,
	}
}

// SQLiteJobStore implements JobStore using SQLite.
//
// The claim transition is a single conditional UPDATE ... RETURNING, so it
// is atomic with respect to concurrent claimers regardless of connection
// pooling; the single write connection additionally serializes all
// mutations.
type SQLiteJobStore struct {
	writeDB    *sql.DB
	readDB     *sql.DB
	path       string
	maxRetries int
}

// Ensure SQLiteJobStore implements JobStore
var _ JobStore = (*SQLiteJobStore)(nil)

// NewSQLiteJobStore creates a new SQLite-backed job store.
// maxRetries bounds how often a job may be claimed before it goes FAILED.
func NewSQLiteJobStore(path string, busyTimeoutMS, maxRetries int) (*SQLiteJobStore, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

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
		return nil, fmt.Errorf("failed to open queue write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB := writeDB
	if !isMemoryDB {
		readDSN := path
		if strings.Contains(readDSN, "?") {
			readDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		} else {
			readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		}

		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open queue read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
		}
	}

	for _, schema := range jobSchemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create queue schema: %w", err)
		}
	}

	return &SQLiteJobStore{
		writeDB:    writeDB,
		readDB:     readDB,
		path:       path,
		maxRetries: maxRetries,
	}, nil
}

// Close closes both database connections.
func (s *SQLiteJobStore) Close() error {
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

// Enqueue appends a new PENDING job.
func (s *SQLiteJobStore) Enqueue(ctx context.Context, job *Job) error {
	createdAt := job.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixNano()
	}

	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO ferry_jobs
		(job_id, target_node_id, operation, record_id, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, job.ID, job.TargetNodeID, job.Op, job.RecordID, job.Payload, StatusPending, createdAt)
	if err != nil {
		return fmt.Errorf("failed to persist job %d: %w", job.ID, err)
	}

	job.Status = StatusPending
	job.CreatedAt = createdAt
	return nil
}

// ClaimNext atomically claims the oldest PENDING job across all targets.
func (s *SQLiteJobStore) ClaimNext(ctx context.Context) (*Job, error) {
	return s.claim(ctx, nil)
}

// ClaimNextFor atomically claims the oldest PENDING job for one target.
func (s *SQLiteJobStore) ClaimNextFor(ctx context.Context, targetNodeID uint64) (*Job, error) {
	return s.claim(ctx, &targetNodeID)
}

func (s *SQLiteJobStore) claim(ctx context.Context, target *uint64) (*Job, error) {
	for {
		job, err := s.claimOne(ctx, target)
		if err != nil || job == nil {
			return job, err
		}

		// A job can outlive its retry budget while sitting PENDING (e.g.
		// reaped from a crashed worker on its last attempt). Fail it here
		// instead of handing it out again.
		if s.maxRetries > 0 && job.RetryCount > s.maxRetries {
			log.Warn().
				Uint64("job_id", job.ID).
				Uint64("target_node", job.TargetNodeID).
				Int("retry_count", job.RetryCount).
				Msg("Job exceeded retry ceiling at claim, marking FAILED")
			if err := s.MarkFailed(ctx, job.ID, "retry ceiling exceeded"); err != nil {
				return nil, err
			}
			continue
		}

		return job, nil
	}
}

// claimOne performs the atomic PENDING -> PROCESSING transition.
// The inner SELECT picks the FIFO head; the outer status guard makes the
// update a compare-and-set so a concurrently claimed job is never returned.
func (s *SQLiteJobStore) claimOne(ctx context.Context, target *uint64) (*Job, error) {
	var row *sql.Row
	now := time.Now().UnixNano()

	if target == nil {
		row = s.writeDB.QueryRowContext(ctx, `
			UPDATE ferry_jobs
			SET status = ?, retry_count = retry_count + 1, claimed_at = ?
			WHERE job_id = (
				SELECT job_id FROM ferry_jobs
				WHERE status = ?
				ORDER BY created_at ASC, job_id ASC
				LIMIT 1
			) AND status = ?
			RETURNING job_id, target_node_id, operation, record_id, payload,
			          status, retry_count, created_at, claimed_at, COALESCE(last_error, '')
		`, StatusProcessing, now, StatusPending, StatusPending)
	} else {
		row = s.writeDB.QueryRowContext(ctx, `
			UPDATE ferry_jobs
			SET status = ?, retry_count = retry_count + 1, claimed_at = ?
			WHERE job_id = (
				SELECT job_id FROM ferry_jobs
				WHERE status = ? AND target_node_id = ?
				ORDER BY created_at ASC, job_id ASC
				LIMIT 1
			) AND status = ?
			RETURNING job_id, target_node_id, operation, record_id, payload,
			          status, retry_count, created_at, claimed_at, COALESCE(last_error, '')
		`, StatusProcessing, now, StatusPending, *target, StatusPending)
	}

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkComplete transitions PROCESSING -> COMPLETE.
func (s *SQLiteJobStore) MarkComplete(ctx context.Context, jobID uint64) error {
	result, err := s.writeDB.ExecContext(ctx, `
		UPDATE ferry_jobs SET status = ?, completed_at = ?
		WHERE job_id = ? AND status = ?
	`, StatusComplete, time.Now().UnixNano(), jobID, StatusProcessing)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotProcessing)
	}
	return nil
}

// Requeue transitions PROCESSING -> PENDING, or -> FAILED once the retry
// ceiling is reached. The ceiling check and the transition happen in one
// statement so a concurrent reaper cannot race it.
func (s *SQLiteJobStore) Requeue(ctx context.Context, jobID uint64, reason string) (string, error) {
	var status string
	err := s.writeDB.QueryRowContext(ctx, `
		UPDATE ferry_jobs
		SET status = CASE WHEN ? > 0 AND retry_count >= ? THEN ? ELSE ? END,
		    last_error = ?
		WHERE job_id = ? AND status = ?
		RETURNING status
	`, s.maxRetries, s.maxRetries, StatusFailed, StatusPending, reason, jobID, StatusProcessing).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("job %d: %w", jobID, ErrJobNotProcessing)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// Release transitions PROCESSING -> PENDING and refunds the claim's retry
// increment, so a job held back by an offline target never walks toward
// the retry ceiling.
func (s *SQLiteJobStore) Release(ctx context.Context, jobID uint64) error {
	result, err := s.writeDB.ExecContext(ctx, `
		UPDATE ferry_jobs
		SET status = ?, retry_count = MAX(retry_count - 1, 0), claimed_at = NULL
		WHERE job_id = ? AND status = ?
	`, StatusPending, jobID, StatusProcessing)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotProcessing)
	}
	return nil
}

// MarkFailed transitions PROCESSING -> FAILED.
func (s *SQLiteJobStore) MarkFailed(ctx context.Context, jobID uint64, reason string) error {
	result, err := s.writeDB.ExecContext(ctx, `
		UPDATE ferry_jobs SET status = ?, last_error = ?
		WHERE job_id = ? AND status = ?
	`, StatusFailed, reason, jobID, StatusProcessing)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotProcessing)
	}
	return nil
}

// ListPending returns PENDING jobs in claim order.
func (s *SQLiteJobStore) ListPending(ctx context.Context, targetNodeID *uint64) ([]*Job, error) {
	query := `
		SELECT job_id, target_node_id, operation, record_id, payload,
		       status, retry_count, created_at, COALESCE(claimed_at, 0), COALESCE(last_error, '')
		FROM ferry_jobs
		WHERE status = ?`
	args := []interface{}{StatusPending}

	if targetNodeID != nil {
		query += ` AND target_node_id = ?`
		args = append(args, *targetNodeID)
	}
	query += ` ORDER BY created_at ASC, job_id ASC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountPendingFor returns the number of PENDING jobs for one target.
func (s *SQLiteJobStore) CountPendingFor(ctx context.Context, targetNodeID uint64) (int, error) {
	var count int
	err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ferry_jobs WHERE status = ? AND target_node_id = ?
	`, StatusPending, targetNodeID).Scan(&count)
	return count, err
}

// Snapshot returns status counts plus the pending job list.
func (s *SQLiteJobStore) Snapshot(ctx context.Context, targetNodeID *uint64) (*Snapshot, error) {
	query := `SELECT status, COUNT(*) FROM ferry_jobs`
	args := []interface{}{}
	if targetNodeID != nil {
		query += ` WHERE target_node_id = ?`
		args = append(args, *targetNodeID)
	}
	query += ` GROUP BY status`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &Snapshot{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			snap.Pending = count
		case StatusProcessing:
			snap.Processing = count
		case StatusComplete:
			snap.Complete = count
		case StatusFailed:
			snap.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs, err := s.ListPending(ctx, targetNodeID)
	if err != nil {
		return nil, err
	}
	if len(jobs) > snapshotJobLimit {
		jobs = jobs[:snapshotJobLimit]
	}
	snap.Jobs = jobs

	return snap, nil
}

// ReapStale reverts PROCESSING jobs claimed before the cutoff to PENDING.
func (s *SQLiteJobStore) ReapStale(ctx context.Context, olderThanNanos int64) (int, error) {
	result, err := s.writeDB.ExecContext(ctx, `
		UPDATE ferry_jobs SET status = ?, claimed_at = NULL
		WHERE status = ? AND claimed_at < ?
	`, StatusPending, StatusProcessing, olderThanNanos)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		log.Warn().
			Int64("reverted", affected).
			Msg("Reverted stale PROCESSING jobs to PENDING")
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	err := row.Scan(&job.ID, &job.TargetNodeID, &job.Op, &job.RecordID, &job.Payload,
		&job.Status, &job.RetryCount, &job.CreatedAt, &job.ClaimedAt, &job.LastError)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
