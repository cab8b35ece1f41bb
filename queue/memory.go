package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// MemoryJobStore implements JobStore without durability. Used for embedded
// deployments and tests. Claims are serialized by a single mutex, which
// trivially satisfies the atomic-claim contract; the xsync map carries the
// jobs so snapshot reads don't contend with claimers.
type MemoryJobStore struct {
	jobs       *xsync.MapOf[uint64, *Job]
	claimMu    sync.Mutex
	maxRetries int
}

// Ensure MemoryJobStore implements JobStore
var _ JobStore = (*MemoryJobStore)(nil)

// NewMemoryJobStore creates a new in-memory job store.
func NewMemoryJobStore(maxRetries int) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:       xsync.NewMapOf[uint64, *Job](),
		maxRetries: maxRetries,
	}
}

// Enqueue appends a new PENDING job.
func (m *MemoryJobStore) Enqueue(_ context.Context, job *Job) error {
	if _, loaded := m.jobs.Load(job.ID); loaded {
		return fmt.Errorf("job %d already enqueued", job.ID)
	}

	stored := *job
	stored.Status = StatusPending
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().UnixNano()
	}
	m.jobs.Store(job.ID, &stored)

	job.Status = stored.Status
	job.CreatedAt = stored.CreatedAt
	return nil
}

// ClaimNext atomically claims the oldest PENDING job across all targets.
func (m *MemoryJobStore) ClaimNext(ctx context.Context) (*Job, error) {
	return m.claim(ctx, nil)
}

// ClaimNextFor atomically claims the oldest PENDING job for one target.
func (m *MemoryJobStore) ClaimNextFor(ctx context.Context, targetNodeID uint64) (*Job, error) {
	return m.claim(ctx, &targetNodeID)
}

func (m *MemoryJobStore) claim(_ context.Context, target *uint64) (*Job, error) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	for {
		var oldest *Job
		m.jobs.Range(func(_ uint64, job *Job) bool {
			if job.Status != StatusPending {
				return true
			}
			if target != nil && job.TargetNodeID != *target {
				return true
			}
			if oldest == nil || job.CreatedAt < oldest.CreatedAt ||
				(job.CreatedAt == oldest.CreatedAt && job.ID < oldest.ID) {
				oldest = job
			}
			return true
		})

		if oldest == nil {
			return nil, nil
		}

		claimed := *oldest
		claimed.Status = StatusProcessing
		claimed.RetryCount++
		claimed.ClaimedAt = time.Now().UnixNano()

		if m.maxRetries > 0 && claimed.RetryCount > m.maxRetries {
			claimed.Status = StatusFailed
			claimed.LastError = "retry ceiling exceeded"
			m.jobs.Store(claimed.ID, &claimed)
			log.Warn().
				Uint64("job_id", claimed.ID).
				Uint64("target_node", claimed.TargetNodeID).
				Int("retry_count", claimed.RetryCount).
				Msg("Job exceeded retry ceiling at claim, marking FAILED")
			continue
		}

		m.jobs.Store(claimed.ID, &claimed)
		result := claimed
		return &result, nil
	}
}

// MarkComplete transitions PROCESSING -> COMPLETE.
func (m *MemoryJobStore) MarkComplete(_ context.Context, jobID uint64) error {
	return m.transition(jobID, func(job *Job) {
		job.Status = StatusComplete
	})
}

// Requeue transitions PROCESSING -> PENDING, or -> FAILED past the ceiling.
func (m *MemoryJobStore) Requeue(_ context.Context, jobID uint64, reason string) (string, error) {
	var status string
	err := m.transition(jobID, func(job *Job) {
		job.LastError = reason
		if m.maxRetries > 0 && job.RetryCount >= m.maxRetries {
			job.Status = StatusFailed
		} else {
			job.Status = StatusPending
		}
		status = job.Status
	})
	return status, err
}

// Release transitions PROCESSING -> PENDING and refunds the claim's retry
// increment.
func (m *MemoryJobStore) Release(_ context.Context, jobID uint64) error {
	return m.transition(jobID, func(job *Job) {
		job.Status = StatusPending
		job.ClaimedAt = 0
		if job.RetryCount > 0 {
			job.RetryCount--
		}
	})
}

// MarkFailed transitions PROCESSING -> FAILED.
func (m *MemoryJobStore) MarkFailed(_ context.Context, jobID uint64, reason string) error {
	return m.transition(jobID, func(job *Job) {
		job.Status = StatusFailed
		job.LastError = reason
	})
}

func (m *MemoryJobStore) transition(jobID uint64, mutate func(*Job)) error {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	job, ok := m.jobs.Load(jobID)
	if !ok || job.Status != StatusProcessing {
		return fmt.Errorf("job %d: %w", jobID, ErrJobNotProcessing)
	}

	updated := *job
	mutate(&updated)
	m.jobs.Store(jobID, &updated)
	return nil
}

// ListPending returns PENDING jobs in claim order.
func (m *MemoryJobStore) ListPending(_ context.Context, targetNodeID *uint64) ([]*Job, error) {
	var jobs []*Job
	m.jobs.Range(func(_ uint64, job *Job) bool {
		if job.Status != StatusPending {
			return true
		}
		if targetNodeID != nil && job.TargetNodeID != *targetNodeID {
			return true
		}
		copied := *job
		jobs = append(jobs, &copied)
		return true
	})

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// CountPendingFor returns the number of PENDING jobs for one target.
func (m *MemoryJobStore) CountPendingFor(ctx context.Context, targetNodeID uint64) (int, error) {
	jobs, err := m.ListPending(ctx, &targetNodeID)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Snapshot returns status counts plus the pending job list.
func (m *MemoryJobStore) Snapshot(ctx context.Context, targetNodeID *uint64) (*Snapshot, error) {
	snap := &Snapshot{}
	m.jobs.Range(func(_ uint64, job *Job) bool {
		if targetNodeID != nil && job.TargetNodeID != *targetNodeID {
			return true
		}
		switch job.Status {
		case StatusPending:
			snap.Pending++
		case StatusProcessing:
			snap.Processing++
		case StatusComplete:
			snap.Complete++
		case StatusFailed:
			snap.Failed++
		}
		return true
	})

	jobs, err := m.ListPending(ctx, targetNodeID)
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
func (m *MemoryJobStore) ReapStale(_ context.Context, olderThanNanos int64) (int, error) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	reverted := 0
	m.jobs.Range(func(_ uint64, job *Job) bool {
		if job.Status == StatusProcessing && job.ClaimedAt < olderThanNanos {
			updated := *job
			updated.Status = StatusPending
			updated.ClaimedAt = 0
			m.jobs.Store(updated.ID, &updated)
			reverted++
		}
		return true
	})

	if reverted > 0 {
		log.Warn().
			Int("reverted", reverted).
			Msg("Reverted stale PROCESSING jobs to PENDING")
	}
	return reverted, nil
}

// Close is a no-op for the memory store.
func (m *MemoryJobStore) Close() error {
	return nil
}
