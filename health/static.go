package health

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// StaticOracle is an oracle backed by explicitly set node states.
// Cluster operators flip nodes through the admin surface; tests flip them
// directly. Unknown nodes report unhealthy.
type StaticOracle struct {
	states *xsync.MapOf[uint64, bool]
}

// Ensure StaticOracle implements Oracle
var _ Oracle = (*StaticOracle)(nil)

// NewStaticOracle creates an oracle with the given nodes marked healthy.
func NewStaticOracle(healthyNodes ...uint64) *StaticOracle {
	o := &StaticOracle{states: xsync.NewMapOf[uint64, bool]()}
	for _, id := range healthyNodes {
		o.states.Store(id, true)
	}
	return o
}

// IsHealthy reports the last set state for the node.
func (o *StaticOracle) IsHealthy(_ context.Context, nodeID uint64) bool {
	healthy, ok := o.states.Load(nodeID)
	return ok && healthy
}

// SetHealthy marks the node state.
func (o *StaticOracle) SetHealthy(nodeID uint64, healthy bool) {
	o.states.Store(nodeID, healthy)
}
