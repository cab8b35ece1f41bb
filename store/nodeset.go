package store

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// NodeSet maps node IDs to their record stores. The replication core
// resolves every destination through a NodeSet, so swapping a node's
// backing store (SQLite, memory, a remote proxy) is invisible to callers.
type NodeSet struct {
	stores *xsync.MapOf[uint64, RecordStore]
}

// NewNodeSet creates an empty node set.
func NewNodeSet() *NodeSet {
	return &NodeSet{
		stores: xsync.NewMapOf[uint64, RecordStore](),
	}
}

// Register adds or replaces the store for a node.
func (n *NodeSet) Register(nodeID uint64, s RecordStore) {
	n.stores.Store(nodeID, s)
}

// Get resolves the store for a node.
func (n *NodeSet) Get(nodeID uint64) (RecordStore, error) {
	s, ok := n.stores.Load(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	return s, nil
}

// Close closes every registered store, returning the first error seen.
func (n *NodeSet) Close() error {
	var firstErr error
	n.stores.Range(func(nodeID uint64, s RecordStore) bool {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close store for node %d: %w", nodeID, err)
		}
		return true
	})
	return firstErr
}
