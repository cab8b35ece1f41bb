// Package health consumes the external node-health oracle.
//
// The oracle is advisory: a healthy answer may be stale by the time the
// caller acts on it. The replication core therefore never treats a probe
// result as a guarantee, only as a routing hint; the apply path handles
// the probe-then-act race by falling back to the retry queue.
package health

import "context"

// Oracle answers best-effort health probes for cluster nodes.
type Oracle interface {
	IsHealthy(ctx context.Context, nodeID uint64) bool
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, nodeID uint64) bool

func (f OracleFunc) IsHealthy(ctx context.Context, nodeID uint64) bool {
	return f(ctx, nodeID)
}
