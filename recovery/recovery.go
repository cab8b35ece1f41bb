package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ferrydb/ferry/coordinator"
	"github.com/ferrydb/ferry/events"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/router"
	"github.com/ferrydb/ferry/store"
	"github.com/ferrydb/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrCentralRecovery is returned when a recovery run is requested for the
// central node itself. Central is the replication hub; rebuilding it from
// the partitions requires a full merge of every partition's data and is
// not supported by the queue-drain path.
var ErrCentralRecovery = errors.New("central node cannot be recovered from the retry queue")

// Manager brings a partition node back in sync after an outage. Recovery
// has two phases:
//
//  1. Drain: every queued job targeting the node is claimed and replayed
//     in FIFO order through the coordinator.
//  2. Reconcile: the most recent records on central are scanned and any
//     record owned by the recovering node that it is missing gets
//     backfilled. This catches writes that raced the outage and never
//     made it onto the queue.
//
// The reconcile scan is bounded by the configured window; older
// discrepancies are left to the queue, which holds the authoritative
// backlog.
type Manager struct {
	topology        *router.Topology
	router          router.Router
	stores          *store.NodeSet
	jobs            queue.JobStore
	coord           *coordinator.Coordinator
	reconcileWindow int
	applyTimeout    time.Duration
	publisher       *events.Publisher
}

// Result summarizes a recovery run
type Result struct {
	// Success is true only when every queued job applied cleanly and the
	// reconcile scan finished; a job going terminally FAILED during the
	// drain degrades the run even though the drain keeps going
	Success bool
	// RecoveredCount queued jobs applied during the drain phase
	RecoveredCount int
	// ReconciledCount records backfilled by the reconcile scan
	ReconciledCount int
	// FailedCount jobs that went terminally FAILED during the drain
	FailedCount int
	// Errors holds whatever stopped or degraded the run
	Errors []error
}

// NewManager creates a recovery manager. Each claim-apply-settle step and
// each reconcile operation runs under applyTimeout so a hung target cannot
// stall the run indefinitely. The publisher may be nil.
func NewManager(topology *router.Topology, rt router.Router, stores *store.NodeSet,
	jobs queue.JobStore, coord *coordinator.Coordinator, reconcileWindow int,
	applyTimeout time.Duration, publisher *events.Publisher) *Manager {

	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}
	return &Manager{
		topology:        topology,
		router:          rt,
		stores:          stores,
		jobs:            jobs,
		coord:           coord,
		reconcileWindow: reconcileWindow,
		applyTimeout:    applyTimeout,
		publisher:       publisher,
	}
}

// RecoverNode drains the queued backlog for a partition node and then
// reconciles it against central's recent records.
func (m *Manager) RecoverNode(ctx context.Context, nodeID uint64) (*Result, error) {
	if m.topology.IsCentral(nodeID) {
		return nil, ErrCentralRecovery
	}
	if !m.topology.IsPartition(nodeID) {
		return nil, fmt.Errorf("%w: %d", store.ErrUnknownNode, nodeID)
	}

	start := time.Now()
	log.Info().Uint64("node_id", nodeID).Msg("Node recovery started")
	m.publisher.Emit(events.NewEvent(events.KindRecoveryStarted, nodeID))

	result := &Result{Success: true}
	if m.drain(ctx, nodeID, result) {
		m.reconcile(ctx, nodeID, result)
	}

	elapsed := time.Since(start)
	telemetry.RecoveryDuration.Observe(elapsed.Seconds())
	if result.Success {
		telemetry.Recoveries.With("success").Inc()
	} else {
		telemetry.Recoveries.With("failure").Inc()
	}

	ev := events.NewEvent(events.KindRecoveryFinished, nodeID)
	ev.Detail = fmt.Sprintf("recovered=%d reconciled=%d failed=%d success=%t",
		result.RecoveredCount, result.ReconciledCount, result.FailedCount, result.Success)
	m.publisher.Emit(ev)

	log.Info().
		Uint64("node_id", nodeID).
		Int("recovered", result.RecoveredCount).
		Int("reconciled", result.ReconciledCount).
		Int("failed", result.FailedCount).
		Bool("success", result.Success).
		Dur("elapsed", elapsed).
		Msg("Node recovery finished")

	return result, nil
}

// drain claims and replays every pending job for the node, oldest first.
// A transient apply failure aborts the drain: the node is evidently not
// ready, and the requeued job plus the rest of the backlog stay PENDING
// for the next attempt. The return value reports whether the backlog was
// emptied; jobs that went terminally FAILED still count as drained so the
// reconcile phase runs, but they degrade Result.Success.
func (m *Manager) drain(ctx context.Context, nodeID uint64, result *Result) bool {
	for {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, err)
			return false
		}
		next, drained := m.drainStep(ctx, nodeID, result)
		if !next {
			return drained
		}
	}
}

// drainStep claims and settles a single job under the apply timeout.
func (m *Manager) drainStep(ctx context.Context, nodeID uint64, result *Result) (next, drained bool) {
	opCtx, cancel := context.WithTimeout(ctx, m.applyTimeout)
	defer cancel()

	job, err := m.jobs.ClaimNextFor(opCtx, nodeID)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Errorf("claiming next job: %w", err))
		return false, false
	}
	if job == nil {
		return false, true // backlog drained
	}

	applyErr := m.coord.ApplyJob(opCtx, job)
	if applyErr == nil {
		if err := m.jobs.MarkComplete(opCtx, job.ID); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Errorf("completing job %d: %w", job.ID, err))
			return false, false
		}
		result.RecoveredCount++
		telemetry.JobsCompleted.Inc()
		telemetry.RecoveredJobs.Inc()
		return true, false
	}

	if coordinator.IsApplicationError(applyErr) {
		// Replaying cannot fix a state mismatch; fail the job and keep
		// draining, but the run no longer counts as clean
		if err := m.jobs.MarkFailed(opCtx, job.ID, applyErr.Error()); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Errorf("failing job %d: %w", job.ID, err))
			return false, false
		}
		result.FailedCount++
		result.Success = false
		result.Errors = append(result.Errors, fmt.Errorf("applying job %d: %w", job.ID, applyErr))
		telemetry.JobsFailed.Inc()

		log.Warn().
			Uint64("job_id", job.ID).
			Uint64("node_id", nodeID).
			Str("operation", job.Op).
			Uint64("record_id", job.RecordID).
			Err(applyErr).
			Msg("Recovery job rejected by target")
		return true, false
	}

	status, requeueErr := m.jobs.Requeue(opCtx, job.ID, applyErr.Error())
	if requeueErr != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Errorf("requeueing job %d: %w", job.ID, requeueErr))
		return false, false
	}
	if status == queue.StatusFailed {
		result.FailedCount++
		telemetry.JobsFailed.Inc()
	} else {
		telemetry.JobsRequeued.Inc()
	}

	result.Success = false
	result.Errors = append(result.Errors, fmt.Errorf("applying job %d: %w", job.ID, applyErr))

	log.Warn().
		Uint64("job_id", job.ID).
		Uint64("node_id", nodeID).
		Err(applyErr).
		Msg("Recovery drain aborted, node still failing")
	return false, false
}

// reconcile backfills records the node owns but lost, scanning central's
// most recent records up to the configured window.
func (m *Manager) reconcile(ctx context.Context, nodeID uint64, result *Result) {
	central, err := m.stores.Get(m.topology.CentralNodeID)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, err)
		return
	}
	target, err := m.stores.Get(nodeID)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, err)
		return
	}

	recent, err := m.listRecent(ctx, central)
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Errorf("scanning central records: %w", err))
		return
	}

	for _, rec := range recent {
		if m.router.Route(rec.ID) != nodeID {
			continue
		}

		inserted, err := m.backfill(ctx, target, rec)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, err)
			return
		}
		if !inserted {
			continue
		}

		result.ReconciledCount++
		telemetry.ReconcileInserts.Inc()

		log.Debug().
			Uint64("node_id", nodeID).
			Uint64("record_id", rec.ID).
			Msg("Backfilled record missed by the queue")
	}
}

func (m *Manager) listRecent(ctx context.Context, central store.RecordStore) ([]*store.Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.applyTimeout)
	defer cancel()
	return central.ListRecent(opCtx, m.reconcileWindow)
}

// backfill copies one record onto the target unless it already holds it.
func (m *Manager) backfill(ctx context.Context, target store.RecordStore, rec *store.Record) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.applyTimeout)
	defer cancel()

	existing, err := target.Get(opCtx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("checking record %d: %w", rec.ID, err)
	}
	if existing != nil {
		return false, nil
	}

	err = target.Insert(opCtx, rec.Clone())
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil // raced a concurrent write, already there
	}
	if err != nil {
		return false, fmt.Errorf("backfilling record %d: %w", rec.ID, err)
	}
	return true, nil
}
