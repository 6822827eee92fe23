package slave

import (
	"encoding/json"
	"net/http"

	"mrs/internal/rpc"
	"mrs/internal/utils"
)

// Handler returns the mux serving the routes the master calls on a slave
// (SPEC_FULL.md §4.5 "master → slave"), combined by the caller with
// BucketHandler() under the same listener.
func (s *Slave) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RouteAssign, s.handleAssign)
	mux.HandleFunc(rpc.RouteCancel, s.handleCancel)
	mux.HandleFunc(rpc.RoutePing, s.handlePing)
	mux.HandleFunc(rpc.RouteDropBucket, s.handleDropBucket)
	mux.HandleFunc(rpc.RouteQuit, s.handleQuit)
	return mux
}

func (s *Slave) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req rpc.AssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.assign(req.Task); err != nil {
		utils.LogJSON("ERROR", "assign rejected", map[string]interface{}{"task_id": req.Task.ID, "error": err.Error()})
		writeJSON(w, rpc.AssignResponse{Accepted: false, Reason: err.Error()})
		return
	}
	writeJSON(w, rpc.AssignResponse{Accepted: true})
}

// handleCancel best-effort abandons a task. The pool has no cooperative
// cancellation hook for in-flight work (SPEC_FULL.md Non-goals), so this
// only drops the bookkeeping entry; a task already running to completion
// still reports its outcome, which the master discards if stale.
func (s *Slave) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req rpc.CancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	delete(s.running, req.TaskID)
	s.mu.Unlock()
	writeJSON(w, rpc.OKResponse{OK: true})
}

func (s *Slave) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Slave) handleDropBucket(w http.ResponseWriter, r *http.Request) {
	var req rpc.DropBucketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store != nil {
		if err := store.Catalog.DeleteAllForDataset(req.DatasetID); err != nil {
			utils.LogJSON("ERROR", "drop_bucket failed", map[string]interface{}{"task_id": req.TaskID, "error": err.Error()})
		}
	}
	writeJSON(w, rpc.OKResponse{OK: true})
}

func (s *Slave) handleQuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, rpc.OKResponse{OK: true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.LogJSON("ERROR", "response encode failed", map[string]interface{}{"error": err.Error()})
	}
}
