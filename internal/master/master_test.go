package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mrs/internal/common"
)

func newTestJob(t *testing.T) (*Master, *Job) {
	t.Helper()
	m := NewMaster(t.TempDir(), "")
	j, err := m.NewJob()
	require.NoError(t, err)
	t.Cleanup(func() { m.EndJob(j.ID) })
	return m, j
}

// submitOneSplitMap registers a single-URL source dataset and a one-split
// map dataset over it, returning the map dataset's sole task.
func submitOneSplitMap(t *testing.T, j *Job) (mapDatasetID int, task *common.Task) {
	t.Helper()
	src, err := j.Submit(common.DatasetSpec{Kind: common.KindSourceURL, URLs: []string{"http://example.invalid/a"}})
	require.NoError(t, err)
	mapID, err := j.Submit(common.DatasetSpec{
		Kind: common.KindMap, Sources: []int{src}, NumSplits: 1, Mapper: "wc_map",
	})
	require.NoError(t, err)

	j.mu.Lock()
	ds := j.datasets[mapID]
	require.Len(t, ds.tasks, 1)
	task = ds.tasks[0]
	j.mu.Unlock()
	return mapID, task
}

func TestReassignSlaveTasksRequeuesRunningTask(t *testing.T) {
	m, j := newTestJob(t)
	_, task := submitOneSplitMap(t, j)

	j.mu.Lock()
	j.pending = nil // scheduler would have already dequeued it on assignment
	task.State = common.StateRunning
	task.AssignedTo = "slave-a"
	j.mu.Unlock()

	m.reassignSlaveTasks(&common.SlaveInfo{ID: "slave-a"})

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Equal(t, common.StatePending, task.State)
	require.Equal(t, "", task.AssignedTo)
	require.Equal(t, 1, task.Generation)
	require.Contains(t, j.pending, task)
}

func TestReassignSlaveTasksRollsBackCompletedTask(t *testing.T) {
	m, j := newTestJob(t)
	mapID, task := submitOneSplitMap(t, j)

	j.mu.Lock()
	j.pending = nil
	task.State = common.StateComplete
	task.AssignedTo = "slave-a"
	task.Outputs = []common.BucketRef{{DatasetID: mapID, SourceIndex: 0, SplitIndex: 0, URL: "http://slave-a/bucket/1/0/0"}}
	j.datasets[mapID].complete = true
	j.mu.Unlock()

	m.reassignSlaveTasks(&common.SlaveInfo{ID: "slave-a"})

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Equal(t, common.StatePending, task.State)
	require.Nil(t, task.Outputs)
	require.False(t, j.datasets[mapID].complete)
	require.Equal(t, 2, task.Attempt)
}

func TestReassignSlaveTasksIgnoresOtherSlaves(t *testing.T) {
	m, j := newTestJob(t)
	_, task := submitOneSplitMap(t, j)

	j.mu.Lock()
	task.State = common.StateRunning
	task.AssignedTo = "slave-a"
	j.mu.Unlock()

	m.reassignSlaveTasks(&common.SlaveInfo{ID: "slave-b"})

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Equal(t, common.StateRunning, task.State)
	require.Equal(t, "slave-a", task.AssignedTo)
}

func TestReportFailedRetriesThenAbortsJob(t *testing.T) {
	_, j := newTestJob(t)
	_, task := submitOneSplitMap(t, j)

	j.mu.Lock()
	task.State = common.StateRunning
	j.mu.Unlock()

	for attempt := 1; attempt < common.MaxRetries; attempt++ {
		j.ReportFailed(task.ID, task.DatasetID, task.SplitIndex, attempt, "boom")
		require.Equal(t, common.JobRunning, j.CurrentStatus())
		j.mu.Lock()
		require.Equal(t, common.StatePending, task.State)
		require.Equal(t, attempt+1, task.Attempt)
		task.State = common.StateRunning
		j.mu.Unlock()
	}

	j.ReportFailed(task.ID, task.DatasetID, task.SplitIndex, common.MaxRetries, "boom")
	require.Equal(t, common.JobAborted, j.CurrentStatus())

	completed, aborted := j.Wait([]int{task.DatasetID}, time.Second)
	require.True(t, aborted)
	require.Empty(t, completed)
}

func TestReportStaleInputRerunsProducerAndRequeuesConsumer(t *testing.T) {
	_, j := newTestJob(t)
	mapID, producer := submitOneSplitMap(t, j)

	producerRef := common.BucketRef{DatasetID: mapID, SourceIndex: 0, SplitIndex: 0, URL: "http://slave-a/bucket/" + "1/0/0"}
	j.mu.Lock()
	producer.State = common.StateComplete
	producer.Outputs = []common.BucketRef{producerRef}
	j.datasets[mapID].complete = true
	j.mu.Unlock()

	consumerID, err := j.Submit(common.DatasetSpec{
		Kind: common.KindMap, Sources: []int{mapID}, NumSplits: 1, Mapper: "wc_map",
	})
	require.NoError(t, err)

	j.mu.Lock()
	consumer := j.datasets[consumerID].tasks[0]
	consumer.State = common.StateRunning
	consumer.AssignedTo = "slave-b"
	j.mu.Unlock()

	j.ReportStaleInput(consumer.ID, consumerID, 0, consumer.Attempt, producerRef, "bucket gone")

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Equal(t, common.StatePending, producer.State)
	require.Nil(t, producer.Outputs)
	require.Equal(t, 2, producer.Attempt)
	require.Equal(t, 1, producer.Generation)
	require.False(t, j.datasets[mapID].complete)
	require.Contains(t, j.pending, producer)

	require.Equal(t, common.StatePending, consumer.State)
	require.Equal(t, "", consumer.AssignedTo)
	require.Contains(t, j.pending, consumer)
}

func TestReportDoneRejectsStaleAttempt(t *testing.T) {
	_, j := newTestJob(t)
	_, task := submitOneSplitMap(t, j)

	j.mu.Lock()
	task.State = common.StateRunning
	j.mu.Unlock()

	accepted := j.ReportDone(task.ID, task.DatasetID, task.SplitIndex, task.Attempt-1, nil)
	require.False(t, accepted)

	accepted = j.ReportDone(task.ID, task.DatasetID, task.SplitIndex, task.Attempt, []common.BucketRef{
		{DatasetID: task.DatasetID, SourceIndex: 0, SplitIndex: 0, URL: "http://slave-a/bucket/1/0/0"},
	})
	require.True(t, accepted)

	progress, err := j.Progress(task.DatasetID)
	require.NoError(t, err)
	require.Equal(t, 1.0, progress)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, j := newTestJob(t)
	src, err := j.Submit(common.DatasetSpec{Kind: common.KindSourceURL, URLs: []string{"http://example.invalid/a"}})
	require.NoError(t, err)

	require.NoError(t, j.Close(src))
	require.NoError(t, j.Close(src))

	require.Error(t, j.Close(9999))
}
