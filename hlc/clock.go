package hlc

import (
	"sync"
	"time"
)

// Clock implements a hybrid logical clock. Ferry uses it to assign
// replication job IDs that are unique across nodes and recoverable in
// creation order.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64 // Last millisecond used for job ID generation - logical resets when this changes
	mu       sync.Mutex
}

// Timestamp is a point in time across the cluster.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a new HLC instance for the given node.
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		logical:  0,
		lastMS:   now / 1_000_000,
	}
}

// Bit allocation for ToJobID: 42 bits of wall milliseconds, 6 bits of
// node ID, 16 bits of logical counter. 42 bits of milliseconds covers
// ~139 years; 16 bits of logical allows ~65k IDs per node per millisecond.
const (
	LogicalBits = 16
	NodeIDBits  = 6

	LogicalMask = (1 << LogicalBits) - 1
	NodeIDMask  = (1 << NodeIDBits) - 1
)

// MaxLogical is the maximum value of the logical counter before overflow.
const MaxLogical = LogicalMask

// Now generates a new timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// Reset logical when the millisecond changes so the counter never
	// overflows into the physical bits of ToJobID.
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Overflow protection: if the logical counter for this millisecond is
	// exhausted, spin until the next millisecond. Prevents job ID collisions.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// NextJobID ticks the clock and encodes the resulting timestamp as a job
// ID. Safe for concurrent use.
func (c *Clock) NextJobID() uint64 {
	return c.Now().ToJobID()
}

// ToJobID converts a timestamp to a unique 64-bit job ID.
// Format: (wall_ms << 22) | (node_id << 16) | logical.
// IDs assigned by one node are strictly increasing, and IDs across nodes
// are roughly time-ordered with the node ID as tie-break.
func (t Timestamp) ToJobID() uint64 {
	wallMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (wallMS << (NodeIDBits + LogicalBits)) | (nodeID << LogicalBits) | logical
}

// Compare compares two timestamps.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}
