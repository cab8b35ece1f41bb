package events

import "time"

// Event kinds emitted over the lifecycle of jobs, nodes and recovery runs
const (
	KindJobEnqueued      = "job.enqueued"
	KindJobCompleted     = "job.completed"
	KindJobRequeued      = "job.requeued"
	KindJobFailed        = "job.failed"
	KindJobReaped        = "job.reaped"
	KindEnqueueLost      = "job.enqueue_lost"
	KindNodeOffline      = "node.offline"
	KindNodeOnline       = "node.online"
	KindRecoveryStarted  = "recovery.started"
	KindRecoveryFinished = "recovery.finished"
)

// Event represents a single lifecycle event to publish
type Event struct {
	Kind     string `msgpack:"kind"`
	NodeID   uint64 `msgpack:"node"`  // node the event concerns (target or recovering node)
	SourceID uint64 `msgpack:"src"`   // node that emitted the event
	JobID    uint64 `msgpack:"job"`   // 0 when not job-related
	RecordID uint64 `msgpack:"rec"`   // 0 when not record-related
	Op       string `msgpack:"op"`    // INSERT/UPDATE/DELETE for job events
	Detail   string `msgpack:"det"`   // free-form reason or error text
	At       int64  `msgpack:"ts"`    // unix nanos
}

// NewEvent stamps an event with the current time
func NewEvent(kind string, nodeID uint64) Event {
	return Event{Kind: kind, NodeID: nodeID, At: time.Now().UnixNano()}
}

// Sink represents a destination for lifecycle events (e.g., Kafka, NATS, log)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(kind string) bool
}
