package master

import (
	"encoding/json"
	"net/http"

	"mrs/internal/rpc"
	"mrs/internal/utils"
)

// Handler returns the mux serving the routes slaves call on the master
// (SPEC_FULL.md §4.5 "slave → master").
func (m *Master) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RouteRegister, m.handleRegister)
	mux.HandleFunc(rpc.RouteHeartbeat, m.handleHeartbeat)
	mux.HandleFunc(rpc.RouteReportDone, m.handleReportDone)
	mux.HandleFunc(rpc.RouteReportFailed, m.handleReportFailed)
	mux.HandleFunc(rpc.RouteReportStaleInput, m.handleReportStaleInput)
	return mux
}

func (m *Master) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req rpc.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := m.RegisterSlave(req.Endpoint, req.Capacity)
	writeJSON(w, rpc.RegisterResponse{SlaveID: id})
}

func (m *Master) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req rpc.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reassign, ok := m.Heartbeat(req.SlaveID, req.RunningTaskIDs)
	if !ok {
		http.Error(w, "unknown slave", http.StatusNotFound)
		return
	}
	writeJSON(w, rpc.HeartbeatResponse{OK: true, ReassignList: reassign})
}

func (m *Master) handleReportDone(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReportDoneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, ok := m.job(req.JobID)
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	accepted := j.ReportDone(req.TaskID, req.DatasetID, req.SplitIdx, req.Attempt, req.Outputs)
	m.releaseSlot(req.SlaveID, req.TaskID)
	writeJSON(w, rpc.ReportDoneResponse{Accepted: accepted})
}

func (m *Master) handleReportFailed(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReportFailedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, ok := m.job(req.JobID)
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	j.ReportFailed(req.TaskID, req.DatasetID, req.SplitIdx, req.Attempt, req.Reason)
	m.releaseSlot(req.SlaveID, req.TaskID)
	writeJSON(w, rpc.ReportFailedResponse{Acked: true})
}

func (m *Master) handleReportStaleInput(w http.ResponseWriter, r *http.Request) {
	var req rpc.ReportStaleInputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, ok := m.job(req.JobID)
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	j.ReportStaleInput(req.TaskID, req.DatasetID, req.SplitIdx, req.Attempt, req.StaleRef, req.Reason)
	m.releaseSlot(req.SlaveID, req.TaskID)
	writeJSON(w, rpc.ReportStaleInputResponse{Acked: true})
}

func (m *Master) releaseSlot(slaveID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.Slaves[slaveID]; ok {
		delete(info.RunningTaskIDs, taskID)
	}
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
