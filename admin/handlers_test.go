package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ferrydb/ferry/cfg"
	"github.com/ferrydb/ferry/coordinator"
	"github.com/ferrydb/ferry/health"
	"github.com/ferrydb/ferry/hlc"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/recovery"
	"github.com/ferrydb/ferry/router"
	"github.com/ferrydb/ferry/store"
	"github.com/ferrydb/ferry/worker"
)

type testServer struct {
	server *httptest.Server
	stores *store.NodeSet
	jobs   *queue.MemoryJobStore
	oracle *health.StaticOracle
	router router.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	topology := &router.Topology{CentralNodeID: 100, PartitionNodeIDs: []uint64{1, 2}}
	rt := router.NewModuloRouter(topology.PartitionNodeIDs)

	stores := store.NewNodeSet()
	for _, nodeID := range topology.Nodes() {
		stores.Register(nodeID, store.NewMemoryRecordStore())
	}

	jobs := queue.NewMemoryJobStore(10)
	oracle := health.NewStaticOracle(topology.Nodes()...)
	clock := hlc.NewClock(100)
	coord := coordinator.New(topology, rt, stores, jobs, oracle, clock, nil)
	recoverer := recovery.NewManager(topology, rt, stores, jobs, coord, 100, 0, nil)

	w, err := worker.New(worker.Config{
		Jobs:         jobs,
		Coordinator:  coord,
		Oracle:       oracle,
		PollInterval: time.Second,
		LeaseTimeout: time.Minute,
		ReapInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("worker New failed: %v", err)
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(topology, jobs, oracle, recoverer, w))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{server: server, stores: stores, jobs: jobs, oracle: oracle, router: rt}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (ts *testServer) post(t *testing.T, path string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Post(ts.server.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	defer resp.Body.Close()
	body := make(map[string]json.RawMessage)
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func (ts *testServer) enqueue(t *testing.T, jobID, target uint64, recordID uint64) {
	t.Helper()
	job, err := queue.NewJob(jobID, target, queue.OpInsert, recordID,
		map[string]interface{}{"v": int64(recordID)}, time.Now().UnixNano())
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if err := ts.jobs.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func TestQueueSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, 1, 1, 10)
	ts.enqueue(t, 2, 2, 11)

	resp, body := ts.get(t, "/admin/queue/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var snap queue.Snapshot
	if err := json.Unmarshal(body["data"], &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Pending != 2 {
		t.Errorf("expected 2 pending jobs, got %d", snap.Pending)
	}

	// Per-target view
	resp, body = ts.get(t, "/admin/queue/1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body["data"], &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Pending != 1 {
		t.Errorf("expected 1 pending job for node 1, got %d", snap.Pending)
	}
}

func TestPendingJobsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, 1, 1, 10)
	ts.enqueue(t, 2, 2, 11)

	resp, body := ts.get(t, "/admin/queue/pending?target=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var jobs []*queue.Job
	if err := json.Unmarshal(body["data"], &jobs); err != nil {
		t.Fatalf("failed to decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TargetNodeID != 2 {
		t.Errorf("unexpected job list: %+v", jobs)
	}

	resp, _ = ts.get(t, "/admin/queue/pending?target=bogus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid target accepted: %d", resp.StatusCode)
	}
}

func TestTopologyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.oracle.SetHealthy(2, false)

	resp, body := ts.get(t, "/admin/topology")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var nodes []struct {
		NodeID  uint64 `json:"node_id"`
		Role    string `json:"role"`
		Healthy bool   `json:"healthy"`
	}
	if err := json.Unmarshal(body["data"], &nodes); err != nil {
		t.Fatalf("failed to decode topology: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	if nodes[0].Role != "central" || !nodes[0].Healthy {
		t.Errorf("unexpected central view: %+v", nodes[0])
	}
	for _, n := range nodes[1:] {
		if n.NodeID == 2 && n.Healthy {
			t.Error("node 2 should report unhealthy")
		}
	}
}

func TestRecoverEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, 1, 1, 10)

	resp, body := ts.post(t, "/admin/recover/1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Success   bool `json:"success"`
		Recovered int  `json:"recovered"`
	}
	if err := json.Unmarshal(body["data"], &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if !result.Success || result.Recovered != 1 {
		t.Errorf("unexpected recovery result: %+v", result)
	}

	// Central recovery is rejected
	resp, _ = ts.post(t, "/admin/recover/100")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("central recovery returned %d", resp.StatusCode)
	}
}

func TestDrainEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, 1, 1, 10)
	ts.enqueue(t, 2, 1, 12)

	resp, body := ts.post(t, "/admin/queue/drain")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Processed int `json:"processed"`
	}
	if err := json.Unmarshal(body["data"], &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Processed != 2 {
		t.Errorf("expected 2 processed jobs, got %d", result.Processed)
	}
}

func TestAuthMiddleware(t *testing.T) {
	saved := cfg.Config.Admin.AuthToken
	cfg.Config.Admin.AuthToken = "secret-token"
	t.Cleanup(func() { cfg.Config.Admin.AuthToken = saved })

	ts := newTestServer(t)

	resp, err := http.Get(ts.server.URL + "/admin/topology")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token accepted: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.server.URL+"/admin/topology", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token accepted: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.server.URL+"/admin/topology", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token rejected: %d", resp.StatusCode)
	}
}
