package rpcclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"mrs/internal/rpc"
)

func TestMasterRegisterRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RouteRegister, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"slave_id":"s-1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewMaster(srv.URL)
	resp, err := m.Register(context.Background(), rpc.RegisterRequest{Endpoint: "http://slave", Capacity: 2})
	require.NoError(t, err)
	require.Equal(t, "s-1", resp.SlaveID)
}

func TestCallNonRetryableStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RouteAssign, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy slave", http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlave(srv.URL)
	_, err := s.Assign(context.Background(), rpc.AssignRequest{})
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusConflict, statusErr.Status)
}

func TestSlavePingReturnsStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RoutePing, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"running_task_ids":["t-1"],"scratch_bytes_used":512,"capacity":4,"available_slots":3}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlave(srv.URL)
	resp, err := s.Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"t-1"}, resp.RunningTaskIDs)
	require.Equal(t, int64(512), resp.ScratchBytesUsed)
	require.Equal(t, 3, resp.AvailableSlots)
}

func TestSlaveQuitAck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(rpc.RouteQuit, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewSlave(srv.URL)
	require.NoError(t, s.Quit(context.Background()))
}
