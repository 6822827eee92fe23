package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mrs/internal/master"
	"mrs/internal/slave"
	"mrs/internal/userfunc"
)

// newTestCluster wires one master and one slave over loopback HTTP, mirroring
// what internal/launcher.RunSerial does for --mrs serial, and returns the
// driver plus a teardown func.
func newTestCluster(t *testing.T) (*Driver, func()) {
	t.Helper()

	m := master.NewMaster(t.TempDir(), "")
	masterMux := http.NewServeMux()
	masterMux.Handle("/rpc/", m.Handler())
	masterMux.Handle("/bucket/", m.BucketHandler())
	masterSrv := httptest.NewServer(masterMux)

	stop := make(chan struct{})
	go m.Run(stop)

	sl := slave.New(masterSrv.URL, "", 2, t.TempDir(), userfunc.BuiltinRegistry())
	slaveMux := http.NewServeMux()
	slaveMux.Handle("/rpc/", sl.Handler())
	slaveMux.Handle("/bucket/", sl.BucketHandler())
	slaveSrv := httptest.NewServer(slaveMux)
	sl.Endpoint = slaveSrv.URL

	ctx, cancel := context.WithCancel(context.Background())
	go sl.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for m.SlaveCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 1, m.SlaveCount(), "slave never registered")

	teardown := func() {
		cancel()
		masterSrv.Close()
		slaveSrv.Close()
		close(stop)
	}
	return New(m), teardown
}

func TestDriverWordCountEndToEnd(t *testing.T) {
	srcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello world\nhello go\n")
	}))
	defer srcSrv.Close()

	d, teardown := newTestCluster(t)
	defer teardown()

	results := map[string]string{}
	exitCode := d.Run(func(job *Job) error {
		src, err := job.FileData([]string{srcSrv.URL}, Options{})
		if err != nil {
			return err
		}
		mapped, err := job.MapData(src, "wc_map", Options{Splits: 1, Combiner: "wc_combine"})
		if err != nil {
			return err
		}
		reduced, err := job.ReduceData(mapped, "wc_reduce", Options{Splits: 2})
		if err != nil {
			return err
		}
		if _, aborted := job.Wait([]int{reduced}, 10*time.Second); aborted {
			return fmt.Errorf("job aborted")
		}
		records, err := job.FetchAll(reduced)
		if err != nil {
			return err
		}
		for _, kv := range records {
			results[string(kv[0])] = string(kv[1])
		}
		_ = job.Close(src)
		_ = job.Close(mapped)
		_ = job.Close(reduced)
		return nil
	})

	require.Equal(t, 0, exitCode)
	require.Equal(t, "2", results["hello"])
	require.Equal(t, "1", results["world"])
	require.Equal(t, "1", results["go"])
}

func TestDriverRunReturnsOneOnUserProgramError(t *testing.T) {
	d, teardown := newTestCluster(t)
	defer teardown()

	exitCode := d.Run(func(job *Job) error {
		return fmt.Errorf("boom")
	})
	require.Equal(t, 1, exitCode)
}
