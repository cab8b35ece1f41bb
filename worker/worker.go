package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrydb/ferry/coordinator"
	"github.com/ferrydb/ferry/events"
	"github.com/ferrydb/ferry/health"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/telemetry"
	"github.com/rs/zerolog/log"
)

// Worker drains the retry queue in the background. Each poll it claims
// jobs one at a time, oldest first, and replays them through the
// coordinator. A job whose target is still offline is released straight
// back to PENDING with its retry budget refunded and the cycle ends; the
// next poll tries again. Only real apply attempts count toward the retry
// ceiling, so a target can stay offline longer than maxRetries poll
// cycles without losing queued writes.
//
// The worker also runs the stale-lease reaper: PROCESSING jobs whose
// claimer died are reverted to PENDING once their lease expires, so a
// crashed recovery run can never strand work.
type Worker struct {
	jobs      queue.JobStore
	coord     *coordinator.Coordinator
	oracle    health.Oracle
	publisher *events.Publisher
	targets   []uint64

	pollInterval time.Duration
	leaseTimeout time.Duration
	reapInterval time.Duration
	applyTimeout time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool

	lifecycleMu sync.Mutex
}

// Config bundles worker construction parameters
type Config struct {
	Jobs         queue.JobStore
	Coordinator  *coordinator.Coordinator
	Oracle       health.Oracle
	Publisher    *events.Publisher // may be nil
	Targets      []uint64          // nodes whose queue depth is reported, may be empty
	PollInterval time.Duration
	LeaseTimeout time.Duration
	ReapInterval time.Duration
	ApplyTimeout time.Duration // bound on each claim-to-settle step
}

// New creates a queue worker
func New(config Config) (*Worker, error) {
	if config.Jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if config.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if config.Oracle == nil {
		return nil, fmt.Errorf("health oracle is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 5 * time.Minute
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Minute
	}
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = 5 * time.Second
	}

	return &Worker{
		jobs:         config.Jobs,
		coord:        config.Coordinator,
		oracle:       config.Oracle,
		publisher:    config.Publisher,
		targets:      config.Targets,
		pollInterval: config.PollInterval,
		leaseTimeout: config.LeaseTimeout,
		reapInterval: config.ReapInterval,
		applyTimeout: config.ApplyTimeout,
	}, nil
}

// Start launches the polling goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running.Store(true)

	go w.run()

	log.Info().
		Dur("poll_interval", w.pollInterval).
		Dur("lease_timeout", w.leaseTimeout).
		Msg("Queue worker started")
}

// Stop signals the worker and waits for the current cycle to finish
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	w.running.Store(false)
	close(w.stopCh)
	<-w.doneCh

	log.Info().Msg("Queue worker stopped")
}

func (w *Worker) run() {
	defer close(w.doneCh)

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	reapTicker := time.NewTicker(w.reapInterval)
	defer reapTicker.Stop()

	ctx := context.Background()

	for {
		select {
		case <-w.stopCh:
			return
		case <-reapTicker.C:
			w.reap(ctx)
		case <-pollTicker.C:
			w.drainCycle(ctx)
		}
	}
}

// drainCycle processes jobs until the queue is empty or a job cannot
// make progress
func (w *Worker) drainCycle(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		more, err := w.DrainOne(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Queue drain cycle stopped on error")
			return
		}
		if !more {
			return
		}
	}
}

// DrainOne claims and processes at most one job, bounded by the apply
// timeout. Returns true when the job was settled and another claim is
// worth attempting, false when the queue is empty or the claimed job
// could not make progress.
func (w *Worker) DrainOne(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.applyTimeout)
	defer cancel()

	job, err := w.jobs.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming next job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	telemetry.JobsClaimed.Inc()

	// The queue may hold jobs for a target that is still down. Probe
	// before applying, and hand the claim back without charging a retry:
	// the ceiling is for apply attempts that actually failed, not for
	// waiting out an outage.
	if !w.oracle.IsHealthy(ctx, job.TargetNodeID) {
		if err := w.jobs.Release(ctx, job.ID); err != nil {
			return false, fmt.Errorf("releasing job %d: %w", job.ID, err)
		}
		telemetry.JobsReleased.Inc()

		log.Debug().
			Uint64("job_id", job.ID).
			Uint64("target_node", job.TargetNodeID).
			Msg("Job released, target still offline")
		return false, nil
	}

	applyErr := w.coord.ApplyJob(ctx, job)
	if applyErr == nil {
		if err := w.jobs.MarkComplete(ctx, job.ID); err != nil {
			return false, fmt.Errorf("completing job %d: %w", job.ID, err)
		}
		telemetry.JobsCompleted.Inc()

		log.Debug().
			Uint64("job_id", job.ID).
			Uint64("target_node", job.TargetNodeID).
			Str("operation", job.Op).
			Uint64("record_id", job.RecordID).
			Msg("Queued job applied")

		ev := events.NewEvent(events.KindJobCompleted, job.TargetNodeID)
		ev.JobID = job.ID
		ev.RecordID = job.RecordID
		ev.Op = job.Op
		w.publisher.Emit(ev)
		return true, nil
	}

	if coordinator.IsApplicationError(applyErr) {
		if err := w.jobs.MarkFailed(ctx, job.ID, applyErr.Error()); err != nil {
			return false, fmt.Errorf("failing job %d: %w", job.ID, err)
		}
		telemetry.JobsFailed.Inc()

		log.Warn().
			Uint64("job_id", job.ID).
			Uint64("target_node", job.TargetNodeID).
			Err(applyErr).
			Msg("Queued job rejected by target")

		ev := events.NewEvent(events.KindJobFailed, job.TargetNodeID)
		ev.JobID = job.ID
		ev.RecordID = job.RecordID
		ev.Op = job.Op
		ev.Detail = applyErr.Error()
		w.publisher.Emit(ev)

		// The job is settled; the next one may still apply cleanly
		return true, nil
	}

	return false, w.requeue(ctx, job, applyErr.Error())
}

func (w *Worker) requeue(ctx context.Context, job *queue.Job, reason string) error {
	status, err := w.jobs.Requeue(ctx, job.ID, reason)
	if err != nil {
		return fmt.Errorf("requeueing job %d: %w", job.ID, err)
	}

	if status == queue.StatusFailed {
		telemetry.JobsFailed.Inc()

		log.Error().
			Uint64("job_id", job.ID).
			Uint64("target_node", job.TargetNodeID).
			Int("retries", job.RetryCount).
			Str("reason", reason).
			Msg("Job exhausted its retries")

		ev := events.NewEvent(events.KindJobFailed, job.TargetNodeID)
		ev.JobID = job.ID
		ev.RecordID = job.RecordID
		ev.Op = job.Op
		ev.Detail = reason
		w.publisher.Emit(ev)
		return nil
	}

	telemetry.JobsRequeued.Inc()

	log.Debug().
		Uint64("job_id", job.ID).
		Uint64("target_node", job.TargetNodeID).
		Str("reason", reason).
		Msg("Job returned to queue")

	ev := events.NewEvent(events.KindJobRequeued, job.TargetNodeID)
	ev.JobID = job.ID
	ev.RecordID = job.RecordID
	ev.Op = job.Op
	ev.Detail = reason
	w.publisher.Emit(ev)
	return nil
}

// reap reverts PROCESSING jobs whose lease expired and refreshes the
// per-target queue depth gauges
func (w *Worker) reap(ctx context.Context) {
	cutoff := time.Now().Add(-w.leaseTimeout).UnixNano()
	reaped, err := w.jobs.ReapStale(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Stale job reap failed")
		return
	}
	if reaped > 0 {
		telemetry.JobsReaped.Add(float64(reaped))
		log.Warn().Int("count", reaped).Msg("Reverted stale PROCESSING jobs to PENDING")

		ev := events.NewEvent(events.KindJobReaped, 0)
		ev.Detail = strconv.Itoa(reaped)
		w.publisher.Emit(ev)
	}

	for _, target := range w.targets {
		depth, err := w.jobs.CountPendingFor(ctx, target)
		if err != nil {
			log.Error().Err(err).Uint64("target_node", target).Msg("Queue depth probe failed")
			continue
		}
		telemetry.QueueDepth.With(strconv.FormatUint(target, 10)).Set(float64(depth))
	}
}
