package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/ferrydb/ferry/health"
	"github.com/ferrydb/ferry/hlc"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/router"
	"github.com/ferrydb/ferry/store"
)

const (
	centralNode = uint64(100)
	partitionA  = uint64(1)
	partitionB  = uint64(2)
)

type testCluster struct {
	coord    *Coordinator
	topology *router.Topology
	router   router.Router
	stores   *store.NodeSet
	jobs     *queue.MemoryJobStore
	oracle   *health.StaticOracle
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()

	topology := &router.Topology{
		CentralNodeID:    centralNode,
		PartitionNodeIDs: []uint64{partitionA, partitionB},
	}
	rt := router.NewModuloRouter(topology.PartitionNodeIDs)

	stores := store.NewNodeSet()
	for _, nodeID := range topology.Nodes() {
		stores.Register(nodeID, store.NewMemoryRecordStore())
	}

	jobs := queue.NewMemoryJobStore(10)
	oracle := health.NewStaticOracle(topology.Nodes()...)
	ids := hlc.NewClock(centralNode)

	return &testCluster{
		coord:    New(topology, rt, stores, jobs, oracle, ids, nil),
		topology: topology,
		router:   rt,
		stores:   stores,
		jobs:     jobs,
		oracle:   oracle,
	}
}

func (tc *testCluster) storeFor(t *testing.T, nodeID uint64) store.RecordStore {
	t.Helper()
	s, err := tc.stores.Get(nodeID)
	if err != nil {
		t.Fatalf("no store for node %d: %v", nodeID, err)
	}
	return s
}

func (tc *testCluster) mustGet(t *testing.T, nodeID, recordID uint64) *store.Record {
	t.Helper()
	rec, err := tc.storeFor(t, nodeID).Get(context.Background(), recordID)
	if err != nil {
		t.Fatalf("Get(%d) on node %d failed: %v", recordID, nodeID, err)
	}
	return rec
}

func (tc *testCluster) pendingFor(t *testing.T, nodeID uint64) int {
	t.Helper()
	count, err := tc.jobs.CountPendingFor(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("CountPendingFor failed: %v", err)
	}
	return count
}

func TestPropagateInsertFromCentral(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(42)
	fields := map[string]interface{}{"name": "answer"}

	// Caller writes to central first, then propagates
	if err := tc.storeFor(t, centralNode).Insert(ctx, &store.Record{ID: recordID, Fields: fields}); err != nil {
		t.Fatalf("central insert failed: %v", err)
	}

	result, err := tc.coord.PropagateInsert(ctx, centralNode, recordID, fields)
	if err != nil {
		t.Fatalf("PropagateInsert failed: %v", err)
	}
	if !result.Success || result.AppliedCount != 1 || result.QueuedCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Only the owning partition received the record
	owner := tc.router.Route(recordID)
	if rec := tc.mustGet(t, owner, recordID); rec == nil {
		t.Errorf("record missing on owning partition %d", owner)
	}
	for _, p := range tc.topology.PartitionNodeIDs {
		if p == owner {
			continue
		}
		if rec := tc.mustGet(t, p, recordID); rec != nil {
			t.Errorf("record leaked to non-owning partition %d", p)
		}
	}
}

func TestPropagateInsertFromPartition(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(5)
	owner := tc.router.Route(recordID)
	fields := map[string]interface{}{"origin": "partition"}

	if err := tc.storeFor(t, owner).Insert(ctx, &store.Record{ID: recordID, Fields: fields}); err != nil {
		t.Fatalf("partition insert failed: %v", err)
	}

	result, err := tc.coord.PropagateInsert(ctx, owner, recordID, fields)
	if err != nil {
		t.Fatalf("PropagateInsert failed: %v", err)
	}
	if !result.Success || result.AppliedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Partition writes flow back to central, never to the other partition
	if rec := tc.mustGet(t, centralNode, recordID); rec == nil {
		t.Error("record missing on central")
	}
	for _, p := range tc.topology.PartitionNodeIDs {
		if p == owner {
			continue
		}
		if rec := tc.mustGet(t, p, recordID); rec != nil {
			t.Errorf("record leaked to partition %d", p)
		}
	}
}

func TestPropagateQueuesWhenTargetOffline(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(42)
	owner := tc.router.Route(recordID)
	tc.oracle.SetHealthy(owner, false)

	fields := map[string]interface{}{"name": "parked"}
	if err := tc.storeFor(t, centralNode).Insert(ctx, &store.Record{ID: recordID, Fields: fields}); err != nil {
		t.Fatalf("central insert failed: %v", err)
	}

	result, err := tc.coord.PropagateInsert(ctx, centralNode, recordID, fields)
	if err != nil {
		t.Fatalf("PropagateInsert failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("queued propagation should count as success: %+v", result)
	}
	if result.QueuedCount != 1 || result.AppliedCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The write must not have reached the offline partition
	if rec := tc.mustGet(t, owner, recordID); rec != nil {
		t.Error("record applied to offline partition")
	}

	// But the job is visible on the queue for that target
	if got := tc.pendingFor(t, owner); got != 1 {
		t.Errorf("expected 1 pending job for node %d, got %d", owner, got)
	}
}

func TestPropagateUpdateMissingSourceRecord(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	_, err := tc.coord.PropagateUpdate(ctx, centralNode, 999, map[string]interface{}{"x": int64(1)})

	var missing *SourceRecordMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected SourceRecordMissingError, got %v", err)
	}
	if missing.RecordID != 999 || missing.SourceNodeID != centralNode {
		t.Errorf("unexpected error details: %+v", missing)
	}

	// Nothing may be queued for a caller mistake
	for _, nodeID := range tc.topology.Nodes() {
		if got := tc.pendingFor(t, nodeID); got != 0 {
			t.Errorf("job queued for node %d on a rejected update", nodeID)
		}
	}
}

func TestPropagateUpdateMissingOnTarget(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(42)
	owner := tc.router.Route(recordID)
	fields := map[string]interface{}{"v": int64(1)}

	// Record exists on central but was never replicated to the partition
	if err := tc.storeFor(t, centralNode).Insert(ctx, &store.Record{ID: recordID, Fields: fields}); err != nil {
		t.Fatalf("central insert failed: %v", err)
	}

	result, err := tc.coord.PropagateUpdate(ctx, centralNode, recordID, map[string]interface{}{"v": int64(2)})
	if err != nil {
		t.Fatalf("PropagateUpdate failed: %v", err)
	}

	// The target rejected the update; it is an error, not a queued job
	if result.Success {
		t.Error("result should not be success")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(result.Errors))
	}
	var applyErr *ApplyError
	if !errors.As(result.Errors[0], &applyErr) {
		t.Fatalf("expected ApplyError, got %v", result.Errors[0])
	}
	if !errors.Is(applyErr, store.ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", applyErr.Err)
	}

	if got := tc.pendingFor(t, owner); got != 0 {
		t.Errorf("application error was queued: %d pending jobs", got)
	}
}

func TestPropagateDeleteMissingSourceRecord(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	// A delete for a record the source does not hold points at an
	// upstream inconsistency and must not be treated as already done
	_, err := tc.coord.PropagateDelete(ctx, centralNode, 777)

	var missing *SourceRecordMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected SourceRecordMissingError, got %v", err)
	}
	if missing.Op != queue.OpDelete {
		t.Errorf("unexpected op in error: %s", missing.Op)
	}
}

func TestPropagateDeleteMissingOnTarget(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(777)
	fields := map[string]interface{}{"v": int64(1)}

	// Record exists on central only; the owning partition never saw it
	if err := tc.storeFor(t, centralNode).Insert(ctx, &store.Record{ID: recordID, Fields: fields}); err != nil {
		t.Fatalf("central insert failed: %v", err)
	}

	result, err := tc.coord.PropagateDelete(ctx, centralNode, recordID)
	if err != nil {
		t.Fatalf("PropagateDelete failed: %v", err)
	}
	if !result.Success || result.AppliedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPropagateDeleteRemovesFromTarget(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(42)
	owner := tc.router.Route(recordID)
	fields := map[string]interface{}{"v": int64(1)}

	if err := tc.storeFor(t, centralNode).Insert(ctx, &store.Record{ID: recordID, Fields: fields}); err != nil {
		t.Fatalf("central insert failed: %v", err)
	}
	if _, err := tc.coord.PropagateInsert(ctx, centralNode, recordID, fields); err != nil {
		t.Fatalf("PropagateInsert failed: %v", err)
	}

	result, err := tc.coord.PropagateDelete(ctx, centralNode, recordID)
	if err != nil {
		t.Fatalf("PropagateDelete failed: %v", err)
	}
	if !result.Success || result.AppliedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if rec := tc.mustGet(t, owner, recordID); rec != nil {
		t.Error("record still present on target after delete")
	}
}

func TestPropagateUpdateMergesOnTarget(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	recordID := uint64(42)
	owner := tc.router.Route(recordID)
	initial := map[string]interface{}{"a": int64(1), "b": int64(2)}

	if err := tc.storeFor(t, centralNode).Insert(ctx, &store.Record{ID: recordID, Fields: initial}); err != nil {
		t.Fatalf("central insert failed: %v", err)
	}
	if _, err := tc.coord.PropagateInsert(ctx, centralNode, recordID, initial); err != nil {
		t.Fatalf("PropagateInsert failed: %v", err)
	}

	if err := tc.storeFor(t, centralNode).UpdateFields(ctx, recordID, map[string]interface{}{"b": int64(20)}); err != nil {
		t.Fatalf("central update failed: %v", err)
	}
	result, err := tc.coord.PropagateUpdate(ctx, centralNode, recordID, map[string]interface{}{"b": int64(20)})
	if err != nil {
		t.Fatalf("PropagateUpdate failed: %v", err)
	}
	if !result.Success || result.AppliedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec := tc.mustGet(t, owner, recordID)
	if rec == nil {
		t.Fatal("record missing on partition")
	}
	if rec.Fields["a"] != int64(1) || rec.Fields["b"] != int64(20) {
		t.Errorf("partial update not merged: %v", rec.Fields)
	}
}

func TestPropagateUnknownSource(t *testing.T) {
	tc := newTestCluster(t)

	_, err := tc.coord.PropagateInsert(context.Background(), 555, 1, map[string]interface{}{"x": int64(1)})
	if !errors.Is(err, store.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestApplyJobIdempotentInsert(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	fields := map[string]interface{}{"name": "twice"}
	job, err := queue.NewJob(1, partitionA, queue.OpInsert, 3, fields, 0)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	// Applying the same INSERT twice leaves one record and no error,
	// so a crash between apply and MarkComplete is harmless
	if err := tc.coord.ApplyJob(ctx, job); err != nil {
		t.Fatalf("first ApplyJob failed: %v", err)
	}
	if err := tc.coord.ApplyJob(ctx, job); err != nil {
		t.Fatalf("second ApplyJob failed: %v", err)
	}

	rec := tc.mustGet(t, partitionA, 3)
	if rec == nil {
		t.Fatal("record missing after apply")
	}
	if rec.Fields["name"] != "twice" {
		t.Errorf("unexpected fields: %v", rec.Fields)
	}
}

func TestApplyJobIdempotentDelete(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	if err := tc.storeFor(t, partitionA).Insert(ctx, &store.Record{ID: 4, Fields: map[string]interface{}{"x": int64(1)}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	job, err := queue.NewJob(2, partitionA, queue.OpDelete, 4, nil, 0)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	if err := tc.coord.ApplyJob(ctx, job); err != nil {
		t.Fatalf("first ApplyJob failed: %v", err)
	}
	if err := tc.coord.ApplyJob(ctx, job); err != nil {
		t.Fatalf("second ApplyJob failed: %v", err)
	}

	if rec := tc.mustGet(t, partitionA, 4); rec != nil {
		t.Error("record still present after delete job")
	}
}

func TestIsApplicationError(t *testing.T) {
	if !IsApplicationError(store.ErrNotFound) {
		t.Error("ErrNotFound should be an application error")
	}
	if !IsApplicationError(store.ErrUnknownNode) {
		t.Error("ErrUnknownNode should be an application error")
	}
	if IsApplicationError(errors.New("connection refused")) {
		t.Error("arbitrary errors should be transient")
	}
	if IsApplicationError(nil) {
		t.Error("nil is not an error")
	}
}
