package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ferrydb/ferry/events"
	"github.com/ferrydb/ferry/health"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/router"
	"github.com/ferrydb/ferry/store"
	"github.com/ferrydb/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

// Coordinator pushes writes between the central node and its partitions.
// A write lands on the source node first (done by the caller), then this
// coordinator either applies it to every destination immediately or, when a
// destination is offline or the apply fails transiently, parks it on the
// durable retry queue for later delivery.
//
// Replication Model:
// - Writes on the central node fan out to the one partition that owns the
//   record (per the router)
// - Writes on a partition node flow back to central only; partitions never
//   talk to each other
// - A queued job is the unit of catch-up: recovery and the background
//   worker both drain the same queue through ApplyJob
type Coordinator struct {
	topology  *router.Topology
	router    router.Router
	stores    *store.NodeSet
	jobs      queue.JobStore
	oracle    health.Oracle
	ids       IDSource
	publisher *events.Publisher
}

// IDSource hands out job IDs. hlc.Clock satisfies it.
type IDSource interface {
	NextJobID() uint64
}

// Result summarizes a propagation: which destinations got the write now,
// which had it queued, and which rejected it outright.
type Result struct {
	// Success is true when every destination either applied the operation
	// or has it safely queued
	Success bool
	// AppliedCount destinations where the operation was applied immediately
	AppliedCount int
	// QueuedCount destinations where the operation was parked on the queue
	QueuedCount int
	// Errors holds the per-destination failures that were neither applied
	// nor queued
	Errors []error
}

// New creates a coordinator. The publisher may be nil when lifecycle
// events are disabled.
func New(topology *router.Topology, rt router.Router, stores *store.NodeSet,
	jobs queue.JobStore, oracle health.Oracle, ids IDSource,
	publisher *events.Publisher) *Coordinator {

	return &Coordinator{
		topology:  topology,
		router:    rt,
		stores:    stores,
		jobs:      jobs,
		oracle:    oracle,
		ids:       ids,
		publisher: publisher,
	}
}

// PropagateInsert replicates an insert that already landed on sourceNodeID.
func (c *Coordinator) PropagateInsert(ctx context.Context, sourceNodeID, recordID uint64, fields map[string]interface{}) (*Result, error) {
	return c.propagate(ctx, sourceNodeID, queue.OpInsert, recordID, fields)
}

// PropagateUpdate replicates a field update that already landed on
// sourceNodeID. The record must exist on the source.
func (c *Coordinator) PropagateUpdate(ctx context.Context, sourceNodeID, recordID uint64, fields map[string]interface{}) (*Result, error) {
	if err := c.requireSourceRecord(ctx, sourceNodeID, recordID, queue.OpUpdate); err != nil {
		return nil, err
	}
	return c.propagate(ctx, sourceNodeID, queue.OpUpdate, recordID, fields)
}

// PropagateDelete replicates a record deletion. The record must still be
// present on the source when propagation starts (propagate first, then
// remove locally); a missing source record signals an upstream
// inconsistency, not a finished delete. A destination that never had the
// record is fine.
func (c *Coordinator) PropagateDelete(ctx context.Context, sourceNodeID, recordID uint64) (*Result, error) {
	if err := c.requireSourceRecord(ctx, sourceNodeID, recordID, queue.OpDelete); err != nil {
		return nil, err
	}
	return c.propagate(ctx, sourceNodeID, queue.OpDelete, recordID, nil)
}

// requireSourceRecord rejects UPDATE and DELETE propagation for records
// the source does not hold. INSERT carries its own payload so no source
// read is needed.
func (c *Coordinator) requireSourceRecord(ctx context.Context, sourceNodeID, recordID uint64, op string) error {
	src, err := c.stores.Get(sourceNodeID)
	if err != nil {
		return err
	}

	rec, err := src.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return &SourceRecordMissingError{SourceNodeID: sourceNodeID, RecordID: recordID, Op: op}
	}
	return nil
}

// destinations computes where a write must travel from its source.
func (c *Coordinator) destinations(sourceNodeID, recordID uint64) ([]uint64, error) {
	if c.topology.IsCentral(sourceNodeID) {
		return []uint64{c.router.Route(recordID)}, nil
	}
	if c.topology.IsPartition(sourceNodeID) {
		return []uint64{c.topology.CentralNodeID}, nil
	}
	return nil, store.ErrUnknownNode
}

func (c *Coordinator) propagate(ctx context.Context, sourceNodeID uint64, op string, recordID uint64, fields map[string]interface{}) (*Result, error) {
	dests, err := c.destinations(sourceNodeID, recordID)
	if err != nil {
		return nil, err
	}

	result := &Result{Success: true}

	for _, dest := range dests {
		if dest == sourceNodeID {
			// Source already holds the write
			continue
		}

		if !c.oracle.IsHealthy(ctx, dest) {
			c.enqueue(ctx, dest, op, recordID, fields, result, "target offline")
			continue
		}

		start := time.Now()
		applyErr := c.apply(ctx, dest, op, recordID, fields)
		telemetry.ApplyDuration.Observe(time.Since(start).Seconds())

		if applyErr == nil {
			result.AppliedCount++
			telemetry.Propagations.With(op, "applied").Inc()
			continue
		}

		if IsApplicationError(applyErr) {
			// The target's state contradicts the operation. Retrying the
			// same job can never succeed, so surface it instead of queueing.
			result.Success = false
			result.Errors = append(result.Errors, &ApplyError{TargetNodeID: dest, Op: op, RecordID: recordID, Err: applyErr})
			telemetry.Propagations.With(op, "rejected").Inc()

			log.Warn().
				Uint64("target_node", dest).
				Str("operation", op).
				Uint64("record_id", recordID).
				Err(applyErr).
				Msg("Propagation rejected by target")
			continue
		}

		// The health probe raced the apply: the target looked alive but
		// the write still failed. Treat it like an offline target.
		c.enqueue(ctx, dest, op, recordID, fields, result, applyErr.Error())
	}

	return result, nil
}

// enqueue parks an operation on the retry queue for a destination that
// cannot take it right now. A queue failure here means the write is lost,
// which is the one outcome this system exists to prevent, so it is flagged
// on every channel available.
func (c *Coordinator) enqueue(ctx context.Context, dest uint64, op string, recordID uint64, fields map[string]interface{}, result *Result, reason string) {
	job, err := queue.NewJob(c.ids.NextJobID(), dest, op, recordID, fields, time.Now().UnixNano())
	if err == nil {
		err = c.jobs.Enqueue(ctx, job)
	}

	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, &EnqueueError{TargetNodeID: dest, Op: op, RecordID: recordID, Err: err})
		telemetry.EnqueueFailures.Inc()
		telemetry.Propagations.With(op, "lost").Inc()

		log.Error().
			Uint64("target_node", dest).
			Str("operation", op).
			Uint64("record_id", recordID).
			Err(err).
			Msg("WRITE LOST: failed to queue replication job")

		ev := events.NewEvent(events.KindEnqueueLost, dest)
		ev.RecordID = recordID
		ev.Op = op
		ev.Detail = err.Error()
		c.publisher.Emit(ev)
		return
	}

	result.QueuedCount++
	telemetry.JobsEnqueued.Inc()
	telemetry.Propagations.With(op, "queued").Inc()

	log.Debug().
		Uint64("job_id", job.ID).
		Uint64("target_node", dest).
		Str("operation", op).
		Uint64("record_id", recordID).
		Str("reason", reason).
		Msg("Replication job queued")

	ev := events.NewEvent(events.KindJobEnqueued, dest)
	ev.JobID = job.ID
	ev.RecordID = recordID
	ev.Op = op
	ev.Detail = reason
	c.publisher.Emit(ev)
}

// apply runs a single operation against a target node's store.
func (c *Coordinator) apply(ctx context.Context, targetNodeID uint64, op string, recordID uint64, fields map[string]interface{}) error {
	target, err := c.stores.Get(targetNodeID)
	if err != nil {
		return err
	}

	switch op {
	case queue.OpInsert:
		err := target.Insert(ctx, &store.Record{ID: recordID, Fields: fields})
		if errors.Is(err, store.ErrDuplicate) {
			// Already delivered, by a prior attempt or a concurrent path
			return nil
		}
		return err
	case queue.OpUpdate:
		return target.UpdateFields(ctx, recordID, fields)
	case queue.OpDelete:
		return target.Delete(ctx, recordID)
	default:
		return queue.ErrUnknownOperation
	}
}

// ApplyJob replays a queued job against its target. It is idempotent for
// INSERT and DELETE so the same job can be claimed, half-applied and
// claimed again without corrupting the target.
func (c *Coordinator) ApplyJob(ctx context.Context, job *queue.Job) error {
	fields, err := job.Fields()
	if err != nil {
		return err
	}
	return c.apply(ctx, job.TargetNodeID, job.Op, job.RecordID, fields)
}
