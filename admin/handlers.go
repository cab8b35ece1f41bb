package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ferrydb/ferry/health"
	"github.com/ferrydb/ferry/queue"
	"github.com/ferrydb/ferry/recovery"
	"github.com/ferrydb/ferry/router"
	"github.com/ferrydb/ferry/worker"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// drainRequestCap bounds how many jobs a single POST /drain may process
const drainRequestCap = 1000

// Handlers exposes the retry queue and recovery machinery over HTTP
type Handlers struct {
	topology  *router.Topology
	jobs      queue.JobStore
	oracle    health.Oracle
	recoverer *recovery.Manager
	worker    *worker.Worker // nil when the background worker is disabled
}

// NewHandlers creates the admin handler set
func NewHandlers(topology *router.Topology, jobs queue.JobStore, oracle health.Oracle,
	recoverer *recovery.Manager, w *worker.Worker) *Handlers {

	return &Handlers{
		topology:  topology,
		jobs:      jobs,
		oracle:    oracle,
		recoverer: recoverer,
		worker:    w,
	}
}

// handleQueueSnapshot returns counts and recent jobs across all targets
func (h *Handlers) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.jobs.Snapshot(r.Context(), nil)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, snap)
}

// handleQueueSnapshotFor returns counts and recent jobs for one target node
func (h *Handlers) handleQueueSnapshotFor(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeParam(w, r)
	if !ok {
		return
	}

	snap, err := h.jobs.Snapshot(r.Context(), &nodeID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, snap)
}

// handlePendingJobs lists PENDING jobs, optionally filtered by target
func (h *Handlers) handlePendingJobs(w http.ResponseWriter, r *http.Request) {
	var target *uint64
	if raw := r.URL.Query().Get("target"); raw != "" {
		nodeID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid target node ID")
			return
		}
		target = &nodeID
	}

	jobs, err := h.jobs.ListPending(r.Context(), target)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, jobs)
}

// handleTopology reports the cluster shape with live health per node
func (h *Handlers) handleTopology(w http.ResponseWriter, r *http.Request) {
	type nodeView struct {
		NodeID  uint64 `json:"node_id"`
		Role    string `json:"role"`
		Healthy bool   `json:"healthy"`
	}

	nodes := make([]nodeView, 0, len(h.topology.PartitionNodeIDs)+1)
	nodes = append(nodes, nodeView{
		NodeID:  h.topology.CentralNodeID,
		Role:    "central",
		Healthy: h.oracle.IsHealthy(r.Context(), h.topology.CentralNodeID),
	})
	for _, id := range h.topology.PartitionNodeIDs {
		nodes = append(nodes, nodeView{
			NodeID:  id,
			Role:    "partition",
			Healthy: h.oracle.IsHealthy(r.Context(), id),
		})
	}

	writeJSONResponse(w, nodes)
}

// handleRecover triggers a recovery run for a partition node
func (h *Handlers) handleRecover(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := h.nodeParam(w, r)
	if !ok {
		return
	}

	result, err := h.recoverer.RecoverNode(r.Context(), nodeID)
	if err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"node_id":    nodeID,
		"success":    result.Success,
		"recovered":  result.RecoveredCount,
		"reconciled": result.ReconciledCount,
		"failed":     result.FailedCount,
		"errors":     errorStrings(result.Errors),
	})
}

// handleDrain pumps the queue worker until the queue stops making progress
func (h *Handlers) handleDrain(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeErrorResponse(w, http.StatusConflict, "background worker is disabled")
		return
	}

	processed := 0
	for processed < drainRequestCap {
		more, err := h.worker.DrainOne(r.Context())
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !more {
			break
		}
		processed++
	}

	writeJSONResponse(w, map[string]interface{}{"processed": processed})
}

func (h *Handlers) nodeParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "nodeID")
	nodeID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid node ID")
		return 0, false
	}
	return nodeID, true
}

func errorStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON error response")
	}
}
