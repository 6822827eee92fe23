package slave

import (
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"mrs/internal/bucket"
	"mrs/internal/common"
	"mrs/internal/userfunc"
)

// newTestSlave builds a Slave with a real store and a real bucket client,
// skipping registration/heartbeating — executor tests only exercise
// execute, fetchRecords and status, never assign or Start (no pool is built).
func newTestSlave(t *testing.T) (*Slave, *bucket.Store, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := bucket.NewStore(dir, "job-exec")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(bucket.NewServer(store).Handler())
	t.Cleanup(srv.Close)

	s := &Slave{
		ID:           "slave-1",
		Endpoint:     srv.URL,
		Capacity:     1,
		TmpDir:       dir,
		registry:     userfunc.BuiltinRegistry(),
		running:      make(map[string]*common.Task),
		bucketClient: bucket.NewClient(),
		jobID:        "job-exec",
		store:        store,
	}
	return s, store, srv
}

func TestExecuteMapWithCombiner(t *testing.T) {
	s, store, srv := newTestSlave(t)

	// dataset 1, split 0 holds the raw text lines this map task reads.
	w, err := store.NewWriter(1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.Emit([]byte("0"), []byte("the quick brown fox")))
	require.NoError(t, w.Emit([]byte("1"), []byte("the lazy fox")))
	require.NoError(t, w.Seal())

	task := common.Task{
		ID: "t1", JobID: "job-exec", DatasetID: 2, SplitIndex: 0, Attempt: 0,
		Kind: common.KindMap, Mapper: "wc_map", Combiner: "wc_combine",
		Partitioner: "hashmod", ConsumerSplits: 2,
		Inputs: []common.BucketRef{{
			DatasetID: 1, SourceIndex: 0, SplitIndex: 0,
			URL: srv.URL + "/bucket/1/0/0",
		}},
	}

	outputs, err := s.execute(store, task)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	total := map[string]int{}
	for _, ref := range outputs {
		require.Equal(t, 2, ref.DatasetID)
		require.Equal(t, 0, ref.SourceIndex)
		rc, err := s.bucketClient.Fetch(ref.URL)
		require.NoError(t, err)
		recs, err := bucket.ReadAllFrames(rc)
		require.NoError(t, err)
		rc.Close()
		for _, rec := range recs {
			n, err := strconv.Atoi(string(rec[1]))
			require.NoError(t, err)
			total[string(rec[0])] += n
		}
	}
	require.Equal(t, 2, total["the"])
	require.Equal(t, 1, total["quick"])
	require.Equal(t, 1, total["brown"])
	require.Equal(t, 2, total["fox"])
	require.Equal(t, 1, total["lazy"])
}

func TestExecuteReduceGroupsAcrossInputs(t *testing.T) {
	s, store, srv := newTestSlave(t)

	ref0 := writeCountBucket(t, store, 2, 0, 0, map[string]int{"a": 1, "b": 2})
	ref1 := writeCountBucket(t, store, 2, 1, 0, map[string]int{"a": 3, "c": 5})
	ref0.URL = srv.URL + "/bucket/2/0/0"
	ref1.URL = srv.URL + "/bucket/2/1/0"

	task := common.Task{
		ID: "t2", JobID: "job-exec", DatasetID: 3, SplitIndex: 0, Attempt: 0,
		Kind: common.KindReduce, Reducer: "wc_reduce",
		Partitioner: "hashmod", ConsumerSplits: 1,
		Inputs: []common.BucketRef{ref0, ref1},
	}

	outputs, err := s.execute(store, task)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	rc, err := s.bucketClient.Fetch(outputs[0].URL)
	require.NoError(t, err)
	defer rc.Close()
	recs, err := bucket.ReadAllFrames(rc)
	require.NoError(t, err)

	got := map[string]string{}
	for _, rec := range recs {
		got[string(rec[0])] = string(rec[1])
	}
	require.Equal(t, "4", got["a"])
	require.Equal(t, "2", got["b"])
	require.Equal(t, "5", got["c"])
}

func writeCountBucket(t *testing.T, store *bucket.Store, datasetID, sourceIndex, splitIndex int, counts map[string]int) common.BucketRef {
	t.Helper()
	w, err := store.NewWriter(datasetID, sourceIndex, splitIndex)
	require.NoError(t, err)
	for k, v := range counts {
		require.NoError(t, w.Emit([]byte(k), []byte(strconv.Itoa(v))))
	}
	require.NoError(t, w.Seal())
	return common.BucketRef{DatasetID: datasetID, SourceIndex: sourceIndex, SplitIndex: splitIndex}
}

func TestExecuteUnsupportedKind(t *testing.T) {
	s, store, _ := newTestSlave(t)
	task := common.Task{ID: "t3", DatasetID: 9, Kind: common.KindSourceURL}
	_, err := s.execute(store, task)
	require.Error(t, err)
}

// A missing producer bucket (404) must surface as a *staleInputError
// naming the offending ref, not a plain error — assign's caller uses this
// to tell the master the producer, not the consumer, needs to re-run.
func TestFetchRecordsReportsStaleInputOnUnknownBucket(t *testing.T) {
	s, _, srv := newTestSlave(t)

	ref := common.BucketRef{DatasetID: 1, SourceIndex: 0, SplitIndex: 0, URL: srv.URL + "/bucket/1/0/0"}
	_, err := s.fetchRecords(ref)
	require.Error(t, err)

	var stale *staleInputError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, ref, stale.ref)
	require.ErrorIs(t, err, bucket.ErrUnknownBucket)
}

func TestSlaveStatusReportsRunningTasksAndSlots(t *testing.T) {
	s, _, _ := newTestSlave(t)
	s.Capacity = 3
	s.running["t1"] = &common.Task{ID: "t1"}

	st := s.status()
	require.Equal(t, []string{"t1"}, st.RunningTaskIDs)
	require.Equal(t, 3, st.Capacity)
	require.Equal(t, 2, st.AvailableSlots)
}
