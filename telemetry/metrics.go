package telemetry

var (
	// Queue metrics
	JobsEnqueued  Counter = NoopStat{}
	JobsClaimed   Counter = NoopStat{}
	JobsCompleted Counter = NoopStat{}
	JobsRequeued  Counter = NoopStat{}
	JobsReleased  Counter = NoopStat{}
	JobsFailed    Counter = NoopStat{}
	JobsReaped    Counter = NoopStat{}

	// QueueDepth tracks pending jobs per target node.
	QueueDepth GaugeVec = noopGaugeVec{}

	// EnqueueFailures counts writes lost because the durable queue itself
	// rejected the job. This is the loudest metric in the system.
	EnqueueFailures Counter = NoopStat{}

	// Coordinator metrics
	Propagations  CounterVec = noopCounterVec{}
	ApplyDuration Histogram  = NoopStat{}

	// Recovery metrics
	Recoveries       CounterVec = noopCounterVec{}
	RecoveryDuration Histogram  = NoopStat{}
	ReconcileInserts Counter    = NoopStat{}
	RecoveredJobs    Counter    = NoopStat{}

	// Health metrics
	HealthProbes      CounterVec = noopCounterVec{}
	HealthTransitions Counter    = NoopStat{}
)

// InitMetrics binds the metric variables to the Prometheus registry. Must be
// called after InitializeTelemetry; before that every metric is a noop.
func InitMetrics() {
	JobsEnqueued = NewCounter("jobs_enqueued_total", "Jobs pushed onto the retry queue")
	JobsClaimed = NewCounter("jobs_claimed_total", "Jobs atomically claimed for processing")
	JobsCompleted = NewCounter("jobs_completed_total", "Jobs applied and marked complete")
	JobsRequeued = NewCounter("jobs_requeued_total", "Jobs returned to pending after a transient failure")
	JobsReleased = NewCounter("jobs_released_total", "Claims handed back because the target was offline")
	JobsFailed = NewCounter("jobs_failed_total", "Jobs terminally failed")
	JobsReaped = NewCounter("jobs_reaped_total", "Stale processing jobs reverted to pending by the reaper")

	QueueDepth = NewGaugeVec("queue_depth", "Pending jobs by target node", []string{"target_node"})

	EnqueueFailures = NewCounter("enqueue_failures_total", "Writes lost because the retry queue rejected the job")

	Propagations = NewCounterVec("propagations_total", "Propagation attempts by operation and result", []string{"operation", "result"})
	ApplyDuration = NewHistogramWithBuckets("apply_duration_seconds", "Time to apply a single operation on a target store",
		[]float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1})

	Recoveries = NewCounterVec("recoveries_total", "Node recovery runs by result", []string{"result"})
	RecoveryDuration = NewHistogramWithBuckets("recovery_duration_seconds", "Time to fully recover a node",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60})
	ReconcileInserts = NewCounter("reconcile_inserts_total", "Records backfilled by the reconciliation scan")
	RecoveredJobs = NewCounter("recovered_jobs_total", "Queued jobs drained during node recovery")

	HealthProbes = NewCounterVec("health_probes_total", "Health probes by outcome", []string{"outcome"})
	HealthTransitions = NewCounter("health_transitions_total", "Observed node health state changes")
}
