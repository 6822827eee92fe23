// Package master implements the coordinator: the dataset graph, task
// materialization, the scheduler, and the RPC handlers slaves call. This is
// the direct descendant of the teacher's internal/master package — the
// round-robin, single-job, disk-persisted Master is generalized here into a
// job-scoped, locality-aware, in-memory-only coordinator (SPEC_FULL.md §4.2,
// §3.1 "no persisted state across job boundaries").
package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mrs/internal/bucket"
	"mrs/internal/common"
	"mrs/internal/utils"
)

// dsNode is the master's internal bookkeeping for one dataset: the public
// common.Dataset plus derived scheduling state not exposed over the wire.
type dsNode struct {
	common.Dataset

	// consumerSplits is the partition count this dataset's own tasks must
	// write their output into. It is 1 (pass-through, no re-partitioning)
	// until a reduce/reduce-then-map dataset is submitted naming this one
	// as a source, at which point it is raised to that consumer's
	// num_splits (SPEC_FULL.md §4.1.1: the partitioner applies on every
	// inter-task edge). This implementation assumes a dataset feeds at
	// most one such consumer — documented in DESIGN.md.
	consumerSplits int

	tasks    []*common.Task // index == split_index, nil until materialized
	complete bool
}

// Job is one DAG instance: a monotonic dataset-id counter, every dataset
// submitted against it, and its scratch-directory root. Multiple jobs can
// run against one Master; a Job's entire state is discarded (not
// persisted) once torn down — see Master.EndJob.
type Job struct {
	ID     string
	Status common.JobStatus

	mu       sync.Mutex
	cond     *sync.Cond
	nextID   int
	datasets map[int]*dsNode

	pending []*common.Task // FIFO-per-submission-order queue of ready, unassigned tasks

	store *bucket.Store // master's own scratch store, for local_data and as one more fetchable peer
	log   *TransitionLog

	master *Master
	stop   chan struct{}
}

func newJob(id string, store *bucket.Store, log *TransitionLog, m *Master) *Job {
	j := &Job{
		ID:       id,
		Status:   common.JobRunning,
		datasets: make(map[int]*dsNode),
		store:    store,
		log:      log,
		master:   m,
		stop:     make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// Submit registers a new dataset node. Validates parents exist and are not
// closed, and that num_splits is positive (SPEC_FULL.md §4.2 submit).
func (j *Job) Submit(spec common.DatasetSpec) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if spec.Kind != common.KindSourceURL && spec.NumSplits <= 0 {
		return 0, fmt.Errorf("master: num_splits must be positive, got %d", spec.NumSplits)
	}
	for _, srcID := range spec.Sources {
		parent, ok := j.datasets[srcID]
		if !ok {
			return 0, fmt.Errorf("master: unknown parent dataset %d", srcID)
		}
		if parent.Closed {
			return 0, fmt.Errorf("master: parent dataset %d is closed", srcID)
		}
	}

	id := j.nextID
	j.nextID++

	ds := &dsNode{
		Dataset: common.Dataset{
			ID:              id,
			Kind:            spec.Kind,
			Sources:         spec.Sources,
			URLs:            spec.URLs,
			NumSplits:       spec.NumSplits,
			OutputDir:       spec.OutputDir,
			Partitioner:     orDefault(spec.Partitioner, "hashmod"),
			Mapper:          spec.Mapper,
			Reducer:         spec.Reducer,
			Combiner:        spec.Combiner,
			KeySerializer:   orDefault(spec.KeySerializer, "identity"),
			ValueSerializer: orDefault(spec.ValueSerializer, "identity"),
		},
		consumerSplits: 1,
	}
	if spec.Kind == common.KindSourceURL {
		ds.NumSplits = len(spec.URLs)
	}
	j.datasets[id] = ds

	// A reduce/reducemap dataset re-partitions its sources' output by its
	// own split count — raise each parent's consumerSplits accordingly.
	if spec.Kind == common.KindReduce || spec.Kind == common.KindReduceMap {
		for _, srcID := range spec.Sources {
			j.datasets[srcID].consumerSplits = spec.NumSplits
		}
	}

	utils.LogJSON("INFO", "dataset submitted", map[string]interface{}{
		"job_id": j.ID, "dataset_id": id, "kind": string(spec.Kind), "num_splits": ds.NumSplits,
	})

	switch spec.Kind {
	case common.KindSourceURL:
		j.materializeSourceURL(ds)
	}
	j.tryMaterializeLocked()
	return id, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// materializeSourceURL synthesizes one already-complete task per URL; no
// slave work is needed, the URL itself is the fetchable input.
func (j *Job) materializeSourceURL(ds *dsNode) {
	ds.tasks = make([]*common.Task, len(ds.URLs))
	for i, url := range ds.URLs {
		ds.tasks[i] = &common.Task{
			ID:         uuid.New().String(),
			JobID:      j.ID,
			DatasetID:  ds.ID,
			SplitIndex: i,
			Attempt:    1,
			State:      common.StateComplete,
			Kind:       common.KindSourceURL,
			Outputs:    []common.BucketRef{{DatasetID: ds.ID, SourceIndex: -1, SplitIndex: 0, URL: url}},
		}
	}
	ds.complete = true
}

// SubmitLocal registers a source-from-local-iterator dataset, partitioning
// kvs on the master itself by the dataset's partitioner into num_splits
// buckets that are immediately complete (SPEC_FULL.md §4.1 "each becoming a
// zero-compute task whose output is simply the already-written bucket").
func (j *Job) SubmitLocal(spec common.DatasetSpec, kvs [][2][]byte, partitionFn func(key []byte, n int) int) (int, error) {
	spec.Kind = common.KindSourceLocal
	id, err := j.Submit(spec)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	ds := j.datasets[id]
	j.mu.Unlock()

	writers := make([]*bucket.Writer, ds.NumSplits)
	for p := 0; p < ds.NumSplits; p++ {
		w, err := j.store.NewWriter(id, 0, p)
		if err != nil {
			return 0, err
		}
		writers[p] = w
	}
	for _, kv := range kvs {
		p := partitionFn(kv[0], ds.NumSplits)
		if err := writers[p].Emit(kv[0], kv[1]); err != nil {
			return 0, err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	ds.tasks = make([]*common.Task, ds.NumSplits)
	for p := 0; p < ds.NumSplits; p++ {
		if err := writers[p].Seal(); err != nil {
			return 0, err
		}
		ds.tasks[p] = &common.Task{
			ID:         uuid.New().String(),
			JobID:      j.ID,
			DatasetID:  id,
			SplitIndex: p,
			Attempt:    1,
			State:      common.StateComplete,
			Kind:       common.KindSourceLocal,
			Outputs:    []common.BucketRef{{DatasetID: id, SourceIndex: 0, SplitIndex: p, URL: j.master.localBucketURL(id, 0, p)}},
		}
	}
	ds.complete = true
	j.tryMaterializeLocked()
	j.cond.Broadcast()
	return id, nil
}

// tryMaterializeLocked materializes tasks for every non-source dataset
// whose parents are all complete and which hasn't been materialized yet.
// Caller holds j.mu.
func (j *Job) tryMaterializeLocked() {
	for _, ds := range j.datasets {
		if ds.tasks != nil || ds.Kind == common.KindSourceURL || ds.Kind == common.KindSourceLocal {
			continue
		}
		if !j.parentsCompleteLocked(ds) {
			continue
		}
		j.materializeLocked(ds)
	}
}

func (j *Job) parentsCompleteLocked(ds *dsNode) bool {
	for _, srcID := range ds.Sources {
		p, ok := j.datasets[srcID]
		if !ok || !p.complete {
			return false
		}
	}
	return true
}

// materializeLocked builds this dataset's tasks per the rule in
// SPEC_FULL.md §4.1/§4.1.1: map tasks are 1:1 with their single parent's
// tasks; reduce/reducemap tasks are one per own split, gathering every
// parent task's output bucket for that split index (each parent having
// written consumerSplits-many buckets per task).
func (j *Job) materializeLocked(ds *dsNode) {
	switch ds.Kind {
	case common.KindMap:
		parent := j.datasets[ds.Sources[0]]
		ds.tasks = make([]*common.Task, len(parent.tasks))
		for i, pt := range parent.tasks {
			ds.tasks[i] = j.newTask(ds, i, append([]common.BucketRef{}, pt.Outputs...))
		}
	case common.KindReduce, common.KindReduceMap:
		ds.tasks = make([]*common.Task, ds.NumSplits)
		for p := 0; p < ds.NumSplits; p++ {
			var inputs []common.BucketRef
			for _, srcID := range ds.Sources {
				for _, pt := range j.datasets[srcID].tasks {
					for _, out := range pt.Outputs {
						if out.SplitIndex == p {
							inputs = append(inputs, out)
						}
					}
				}
			}
			ds.tasks[p] = j.newTask(ds, p, inputs)
		}
	}
	for _, t := range ds.tasks {
		j.pending = append(j.pending, t)
		j.log.Append(t.ID, ds.ID, t.SplitIndex, t.Attempt, common.StatePending)
	}
	utils.LogJSON("INFO", "dataset materialized", map[string]interface{}{
		"job_id": j.ID, "dataset_id": ds.ID, "tasks": len(ds.tasks),
	})
}

func (j *Job) newTask(ds *dsNode, splitIndex int, inputs []common.BucketRef) *common.Task {
	return &common.Task{
		ID:              uuid.New().String(),
		JobID:           j.ID,
		DatasetID:       ds.ID,
		SplitIndex:      splitIndex,
		Attempt:         1,
		Generation:      0,
		State:           common.StatePending,
		Kind:            ds.Kind,
		Mapper:          ds.Mapper,
		Reducer:         ds.Reducer,
		Combiner:        ds.Combiner,
		Partitioner:     ds.Partitioner,
		KeySerializer:   ds.KeySerializer,
		ValueSerializer: ds.ValueSerializer,
		ConsumerSplits:  ds.consumerSplits,
		Inputs:          inputs,
	}
}

// Progress returns the fraction of this dataset's tasks that are complete.
func (j *Job) Progress(datasetID int) (float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ds, ok := j.datasets[datasetID]
	if !ok {
		return 0, fmt.Errorf("master: unknown dataset %d", datasetID)
	}
	if ds.NumSplits == 0 {
		return 1, nil
	}
	if ds.tasks == nil {
		return 0, nil
	}
	done := 0
	for _, t := range ds.tasks {
		if t.State == common.StateComplete {
			done++
		}
	}
	return float64(done) / float64(len(ds.tasks)), nil
}

// Wait blocks until at least one of ids is complete, the job aborts, or
// timeout elapses, returning the complete subset (SPEC_FULL.md §4.2 wait).
func (j *Job) Wait(ids []int, timeout time.Duration) ([]int, bool) {
	deadline := time.Now().Add(timeout)
	j.mu.Lock()
	defer j.mu.Unlock()
	for {
		var completed []int
		for _, id := range ids {
			if ds, ok := j.datasets[id]; ok && ds.complete {
				completed = append(completed, id)
			}
		}
		if len(completed) > 0 || j.Status == common.JobAborted {
			return completed, j.Status == common.JobAborted
		}
		if timeout <= 0 {
			return completed, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return completed, false
		}
		// sync.Cond has no timed wait; bound the block with a timer that
		// re-acquires the lock and broadcasts, waking this goroutine.
		timer := time.AfterFunc(remaining, func() {
			j.mu.Lock()
			j.cond.Broadcast()
			j.mu.Unlock()
		})
		j.cond.Wait()
		timer.Stop()
		if time.Now().After(deadline) {
			var done []int
			for _, id := range ids {
				if ds, ok := j.datasets[id]; ok && ds.complete {
					done = append(done, id)
				}
			}
			return done, j.Status == common.JobAborted
		}
	}
}

// Close marks a dataset closed; idempotent (SPEC_FULL.md §8 "closing an
// already-closed dataset is a no-op"). Triggers bucket GC once no open
// dependent remains.
func (j *Job) Close(datasetID int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	ds, ok := j.datasets[datasetID]
	if !ok {
		return fmt.Errorf("master: unknown dataset %d", datasetID)
	}
	if ds.Closed {
		return nil
	}
	ds.Closed = true
	// gcDataset takes j.mu itself, so it runs outside this locked section.
	if j.openDependentsLocked(datasetID) == 0 {
		go j.master.gcDataset(j.ID, datasetID)
	}
	// Closing this dataset may leave an already-closed parent with no open
	// dependent; collect that parent now.
	for _, srcID := range ds.Sources {
		if p, ok := j.datasets[srcID]; ok && p.Closed && j.openDependentsLocked(srcID) == 0 {
			go j.master.gcDataset(j.ID, srcID)
		}
	}
	return nil
}

func (j *Job) openDependentsLocked(datasetID int) int {
	n := 0
	for _, other := range j.datasets {
		if other.Closed {
			continue
		}
		for _, src := range other.Sources {
			if src == datasetID {
				n++
			}
		}
	}
	return n
}

// FetchAll returns every (key, value) of a completed dataset, concatenated
// in split order, natural emission order within a split (Open Question
// decision, SPEC_FULL.md §9).
func (j *Job) FetchAll(datasetID int) ([][2][]byte, error) {
	j.mu.Lock()
	ds, ok := j.datasets[datasetID]
	j.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("master: unknown dataset %d", datasetID)
	}
	if !ds.complete {
		return nil, fmt.Errorf("master: dataset %d not complete", datasetID)
	}
	var out [][2][]byte
	for _, t := range ds.tasks {
		for _, ref := range t.Outputs {
			var (
				recs [][2][]byte
				err  error
			)
			if t.Kind == common.KindSourceLocal {
				recs, err = j.readLocalBucket(ref)
			} else {
				recs, err = j.master.fetchBucket(ref.URL)
			}
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
	}
	return out, nil
}

func (j *Job) readLocalBucket(ref common.BucketRef) ([][2][]byte, error) {
	f, err := j.store.OpenLocal(ref.DatasetID, ref.SourceIndex, ref.SplitIndex)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return drainFrames(f)
}

// CurrentStatus returns the job's status under lock, for callers (the job
// driver) outside the master package that must not touch Status directly.
func (j *Job) CurrentStatus() common.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

func (j *Job) datasetSnapshot(datasetID int) (common.Dataset, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ds, ok := j.datasets[datasetID]
	if !ok {
		return common.Dataset{}, false
	}
	return ds.Dataset, true
}

// ReportDone records a successful task attempt. A completion from a stale
// attempt (the task has since moved on to a newer attempt or generation) is
// discarded — "the later completion is discarded" only applies to a
// genuinely-later one; here any attempt mismatch at all is stale, since the
// scheduler never goes backward (SPEC_FULL.md §4.2 "duplicate completion").
func (j *Job) ReportDone(taskID string, datasetID, splitIndex, attempt int, outputs []common.BucketRef) (accepted bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ds, ok := j.datasets[datasetID]
	if !ok || splitIndex >= len(ds.tasks) {
		return false
	}
	t := ds.tasks[splitIndex]
	if t.ID != taskID || t.Attempt != attempt || t.State != common.StateRunning {
		return false
	}
	for _, out := range outputs {
		if out.Generation != t.Generation {
			return false
		}
	}

	t.State = common.StateComplete
	t.Outputs = outputs
	j.log.Append(t.ID, datasetID, splitIndex, attempt, common.StateComplete)

	j.checkDatasetCompleteLocked(ds)
	j.tryMaterializeLocked()
	j.cond.Broadcast()
	return true
}

// ReportFailed records a failed task attempt: retried up to
// common.MaxRetries, then marked failed-fatal and the whole job aborted
// (SPEC_FULL.md §4.2/§7).
func (j *Job) ReportFailed(taskID string, datasetID, splitIndex, attempt int, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ds, ok := j.datasets[datasetID]
	if !ok || splitIndex >= len(ds.tasks) {
		return
	}
	t := ds.tasks[splitIndex]
	if t.ID != taskID || t.Attempt != attempt {
		return
	}

	utils.LogJSON("ERROR", "task failed", map[string]interface{}{
		"job_id": j.ID, "task_id": taskID, "dataset_id": datasetID, "split_index": splitIndex,
		"attempt": attempt, "reason": reason,
	})

	if attempt < common.MaxRetries {
		j.log.Append(t.ID, datasetID, splitIndex, attempt, common.StateFailedRetryable)
		t.Attempt++
		t.State = common.StatePending
		t.AssignedTo = ""
		j.pending = append(j.pending, t)
		j.log.Append(t.ID, datasetID, splitIndex, t.Attempt, common.StatePending)
	} else {
		t.State = common.StateFailedFatal
		j.log.Append(t.ID, datasetID, splitIndex, attempt, common.StateFailedFatal)
		j.abortLocked()
	}
	j.cond.Broadcast()
}

// ReportStaleInput handles a slave's report that one of a task's input
// buckets came back 404/410 (SPEC_FULL.md §4.2/§7 "bucket fetch error... the
// producer must re-run"): unlike ReportFailed, the fault is not the
// reporting task's own — its producer's output is gone — so the producer
// task is rolled back to pending (bumped attempt/generation, its dataset
// un-completed) the same way a lost slave's completed work is rolled back
// in reassignSlaveTasks, and the reporting task is requeued alongside it
// without consuming its own retry budget.
func (j *Job) ReportStaleInput(taskID string, datasetID, splitIndex, attempt int, staleRef common.BucketRef, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ds, ok := j.datasets[datasetID]
	if !ok || splitIndex >= len(ds.tasks) {
		return
	}
	t := ds.tasks[splitIndex]
	if t.ID != taskID || t.Attempt != attempt {
		return
	}

	utils.LogJSON("ALERT", "stale input bucket, re-running producer", map[string]interface{}{
		"job_id": j.ID, "task_id": taskID, "dataset_id": datasetID, "split_index": splitIndex,
		"stale_dataset_id": staleRef.DatasetID, "stale_source_index": staleRef.SourceIndex, "reason": reason,
	})

	if producerDs, ok := j.datasets[staleRef.DatasetID]; ok &&
		staleRef.SourceIndex >= 0 && staleRef.SourceIndex < len(producerDs.tasks) {
		pt := producerDs.tasks[staleRef.SourceIndex]
		if pt.State == common.StateComplete {
			pt.State = common.StatePending
			pt.AssignedTo = ""
			pt.Attempt++
			pt.Generation++
			pt.Outputs = nil
			producerDs.complete = false
			j.pending = append(j.pending, pt)
			j.log.Append(pt.ID, producerDs.ID, pt.SplitIndex, pt.Attempt, common.StatePending)
		}
	}

	t.State = common.StatePending
	t.AssignedTo = ""
	j.pending = append(j.pending, t)
	j.log.Append(t.ID, datasetID, splitIndex, t.Attempt, common.StatePending)

	j.cond.Broadcast()
}

// abortLocked marks the job aborted: every dataset is closed and wait()
// unblocks with an abort indication (SPEC_FULL.md §7 "fatal job error").
// Caller holds j.mu.
func (j *Job) abortLocked() {
	j.Status = common.JobAborted
	for _, ds := range j.datasets {
		ds.Closed = true
	}
	utils.LogJSON("ALERT", "job aborted", map[string]interface{}{"job_id": j.ID})
}

// checkDatasetCompleteLocked marks ds complete once every one of its tasks
// is complete, broadcasting progress. Caller holds j.mu.
func (j *Job) checkDatasetCompleteLocked(ds *dsNode) {
	if ds.complete || ds.tasks == nil {
		return
	}
	for _, t := range ds.tasks {
		if t.State != common.StateComplete {
			return
		}
	}
	ds.complete = true
	utils.LogJSON("INFO", "dataset complete", map[string]interface{}{"job_id": j.ID, "dataset_id": ds.ID})
}
