package router

import "testing"

func TestModuloRouterTwoPartitions(t *testing.T) {
	r := NewModuloRouter([]uint64{1, 2})

	// Even IDs land on the first partition, odd IDs on the second
	cases := []struct {
		recordID uint64
		expected uint64
	}{
		{0, 1},
		{1, 2},
		{2, 1},
		{3, 2},
		{100, 1},
		{101, 2},
	}

	for _, tc := range cases {
		got := r.Route(tc.recordID)
		if got != tc.expected {
			t.Errorf("Route(%d) = %d, expected %d", tc.recordID, got, tc.expected)
		}
	}
}

func TestRouterDeterminism(t *testing.T) {
	partitions := []uint64{10, 20, 30}

	routers := []Router{
		NewModuloRouter(partitions),
		NewHashRouter(partitions),
	}

	for _, r := range routers {
		for recordID := uint64(0); recordID < 1000; recordID++ {
			first := r.Route(recordID)
			for i := 0; i < 5; i++ {
				if got := r.Route(recordID); got != first {
					t.Fatalf("Route(%d) not deterministic: %d then %d", recordID, first, got)
				}
			}
		}
	}
}

func TestRoutersAgreeAcrossInstances(t *testing.T) {
	// Two routers built from the same topology must agree on every record,
	// since each node routes independently
	partitions := []uint64{7, 8, 9}
	a := NewHashRouter(partitions)
	b := NewHashRouter(partitions)

	for recordID := uint64(0); recordID < 1000; recordID++ {
		if a.Route(recordID) != b.Route(recordID) {
			t.Fatalf("routers disagree on record %d", recordID)
		}
	}
}

func TestRouteTargetsAreValidPartitions(t *testing.T) {
	partitions := []uint64{5, 6}
	valid := map[uint64]bool{5: true, 6: true}

	routers := []Router{
		NewModuloRouter(partitions),
		NewHashRouter(partitions),
	}

	for _, r := range routers {
		for recordID := uint64(0); recordID < 500; recordID++ {
			if target := r.Route(recordID); !valid[target] {
				t.Fatalf("Route(%d) = %d, not a partition", recordID, target)
			}
		}
	}
}

func TestHashRouterSpread(t *testing.T) {
	partitions := []uint64{1, 2, 3, 4}
	r := NewHashRouter(partitions)

	counts := make(map[uint64]int)
	const total = 10000
	for recordID := uint64(0); recordID < total; recordID++ {
		counts[r.Route(recordID)]++
	}

	// Each partition should see roughly total/4; allow a generous margin
	for _, p := range partitions {
		if counts[p] < total/8 {
			t.Errorf("partition %d underloaded: %d of %d records", p, counts[p], total)
		}
	}
}

func TestTopologyMembership(t *testing.T) {
	topo := Topology{CentralNodeID: 100, PartitionNodeIDs: []uint64{1, 2}}

	if !topo.IsCentral(100) {
		t.Error("expected node 100 to be central")
	}
	if topo.IsCentral(1) {
		t.Error("node 1 should not be central")
	}
	if !topo.IsPartition(1) || !topo.IsPartition(2) {
		t.Error("nodes 1 and 2 should be partitions")
	}
	if topo.IsPartition(100) || topo.IsPartition(42) {
		t.Error("unexpected partition membership")
	}

	nodes := topo.Nodes()
	if len(nodes) != 3 || nodes[0] != 100 {
		t.Errorf("unexpected node list: %v", nodes)
	}
}

func TestTopologyValidate(t *testing.T) {
	good := Topology{CentralNodeID: 100, PartitionNodeIDs: []uint64{1, 2}}
	if err := good.Validate(); err != nil {
		t.Errorf("valid topology rejected: %v", err)
	}

	empty := Topology{CentralNodeID: 100}
	if err := empty.Validate(); err == nil {
		t.Error("topology without partitions accepted")
	}

	dup := Topology{CentralNodeID: 100, PartitionNodeIDs: []uint64{1, 1}}
	if err := dup.Validate(); err == nil {
		t.Error("topology with duplicate partition accepted")
	}

	centralAsPartition := Topology{CentralNodeID: 1, PartitionNodeIDs: []uint64{1, 2}}
	if err := centralAsPartition.Validate(); err == nil {
		t.Error("topology with central listed as partition accepted")
	}
}
