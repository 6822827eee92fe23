package slave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"mrs/internal/bucket"
	"mrs/internal/common"
	"mrs/internal/rpc"
	"mrs/internal/userfunc"
	"mrs/internal/utils"
)

// staleInputError marks a task attempt that failed because one of its input
// buckets came back 404/410: the bucket's producer must re-run, not just
// this task (SPEC_FULL.md §4.2/§7 "bucket fetch error"). assign reports this
// distinctly from a plain execution failure so the master can invalidate
// the right task.
type staleInputError struct {
	ref common.BucketRef
	err error
}

func (e *staleInputError) Error() string {
	return fmt.Sprintf("slave: input bucket %s gone: %v", e.ref.URL, e.err)
}

func (e *staleInputError) Unwrap() error { return e.err }

// assign records an incoming task assignment and submits its execution to
// the bounded pool, returning immediately — the RPC caller (the scheduler's
// dispatch goroutine) never blocks on task completion, mirroring the
// teacher's `go w.ExecuteTask(task)` dispatch in worker.go.
func (s *Slave) assign(task common.Task) error {
	store, err := s.ensureJobStore(s.TmpDir, task.JobID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.running[task.ID] = &task
	s.mu.Unlock()

	return s.pool.submit(func(ctx context.Context) error {
		defer func() {
			s.mu.Lock()
			delete(s.running, task.ID)
			s.mu.Unlock()
		}()

		outputs, execErr := s.execute(store, task)
		if execErr != nil {
			utils.LogJSON("ERROR", "task attempt failed", map[string]interface{}{
				"task_id": task.ID, "dataset_id": task.DatasetID, "split_index": task.SplitIndex,
				"attempt": task.Attempt, "error": execErr.Error(),
			})
			var stale *staleInputError
			if errors.As(execErr, &stale) {
				_, _ = s.masterClient.ReportStaleInput(ctx, rpc.ReportStaleInputRequest{
					SlaveID: s.ID, JobID: task.JobID, TaskID: task.ID,
					Attempt: task.Attempt, DatasetID: task.DatasetID, SplitIdx: task.SplitIndex,
					StaleRef: stale.ref, Reason: stale.err.Error(),
				})
				return execErr
			}
			_, _ = s.masterClient.ReportFailed(ctx, rpc.ReportFailedRequest{
				SlaveID: s.ID, JobID: task.JobID, TaskID: task.ID,
				Attempt: task.Attempt, DatasetID: task.DatasetID, SplitIdx: task.SplitIndex,
				Reason: execErr.Error(),
			})
			return execErr
		}

		_, err := s.masterClient.ReportDone(ctx, rpc.ReportDoneRequest{
			SlaveID: s.ID, JobID: task.JobID, TaskID: task.ID,
			Attempt: task.Attempt, DatasetID: task.DatasetID, SplitIdx: task.SplitIndex,
			Outputs: outputs,
		})
		return err
	})
}

// execute runs one task attempt to completion, returning the bucket refs it
// wrote. This is the direct descendant of the teacher's ExecuteTask switch
// in worker.go, generalized from (map, reduce) to the map/reduce/
// reduce-then-map shapes of SPEC_FULL.md §4.3.
func (s *Slave) execute(store *bucket.Store, task common.Task) ([]common.BucketRef, error) {
	switch task.Kind {
	case common.KindMap:
		return s.executeMap(store, task)
	case common.KindReduce, common.KindReduceMap:
		return s.executeReduce(store, task)
	default:
		return nil, fmt.Errorf("slave: task %s has unsupported kind %q", task.ID, task.Kind)
	}
}

// executeMap applies the dataset's mapper to its single parent split,
// optionally pre-summing per key with a combiner, then partitions the
// result across task.ConsumerSplits output buckets.
func (s *Slave) executeMap(store *bucket.Store, task common.Task) ([]common.BucketRef, error) {
	if len(task.Inputs) != 1 {
		return nil, fmt.Errorf("slave: map task %s expected exactly 1 input, got %d", task.ID, len(task.Inputs))
	}
	records, err := s.fetchRecords(task.Inputs[0])
	if err != nil {
		return nil, err
	}

	mapper, err := s.registry.Mapper(task.Mapper)
	if err != nil {
		return nil, err
	}
	combiner, hasCombiner := s.registry.Combiner(task.Combiner)
	partitioner, err := s.registry.Partitioner(task.Partitioner)
	if err != nil {
		return nil, err
	}

	tctx := userfunc.NewTaskContext(task.DatasetID, task.SplitIndex, task.Attempt)

	grouped := map[string][][]byte{}
	var order []string
	emit := func(k, v []byte) {
		ks := string(k)
		if _, ok := grouped[ks]; !ok {
			order = append(order, ks)
		}
		grouped[ks] = append(grouped[ks], v)
	}
	for _, rec := range records {
		if err := mapper(tctx, rec[0], rec[1], emit); err != nil {
			return nil, fmt.Errorf("slave: mapper %q: %w", task.Mapper, err)
		}
	}

	writers, err := openOutputWriters(store, task)
	if err != nil {
		return nil, err
	}

	var writeErr error
	partEmit := func(k, v []byte) {
		if writeErr != nil {
			return
		}
		p := partitioner(k, len(writers))
		writeErr = writers[p].Emit(k, v)
	}

	for _, ks := range order {
		values := grouped[ks]
		if hasCombiner {
			if err := combiner(tctx, []byte(ks), userfunc.NewSliceValues(values), partEmit); err != nil {
				return nil, fmt.Errorf("slave: combiner %q: %w", task.Combiner, err)
			}
			continue
		}
		for _, v := range values {
			partEmit([]byte(ks), v)
		}
	}
	if writeErr != nil {
		return nil, writeErr
	}

	return s.sealOutputs(writers, task)
}

// executeReduce groups every parent split named in task.Inputs by key,
// hands each key's values to the reducer, and — for a reduce-then-map
// dataset — pipes the reducer's own output straight through the fused
// mapper before partitioning (Glossary: "reduce-then-map fusion").
func (s *Slave) executeReduce(store *bucket.Store, task common.Task) ([]common.BucketRef, error) {
	grouped := map[string][][]byte{}
	var order []string
	for _, ref := range task.Inputs {
		records, err := s.fetchRecords(ref)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			ks := string(rec[0])
			if _, ok := grouped[ks]; !ok {
				order = append(order, ks)
			}
			grouped[ks] = append(grouped[ks], rec[1])
		}
	}
	sort.Strings(order)

	reducer, err := s.registry.Reducer(task.Reducer)
	if err != nil {
		return nil, err
	}
	var fused userfunc.Mapper
	if task.Kind == common.KindReduceMap {
		fused, err = s.registry.Mapper(task.Mapper)
		if err != nil {
			return nil, err
		}
	}
	partitioner, err := s.registry.Partitioner(task.Partitioner)
	if err != nil {
		return nil, err
	}

	tctx := userfunc.NewTaskContext(task.DatasetID, task.SplitIndex, task.Attempt)

	writers, err := openOutputWriters(store, task)
	if err != nil {
		return nil, err
	}

	var writeErr error
	finalEmit := func(k, v []byte) {
		if writeErr != nil {
			return
		}
		p := partitioner(k, len(writers))
		writeErr = writers[p].Emit(k, v)
	}
	reduceEmit := finalEmit
	if fused != nil {
		reduceEmit = func(k, v []byte) {
			if writeErr != nil {
				return
			}
			if err := fused(tctx, k, v, finalEmit); err != nil {
				writeErr = fmt.Errorf("slave: fused mapper %q: %w", task.Mapper, err)
			}
		}
	}

	for _, ks := range order {
		if err := reducer(tctx, []byte(ks), userfunc.NewSliceValues(grouped[ks]), reduceEmit); err != nil {
			return nil, fmt.Errorf("slave: reducer %q: %w", task.Reducer, err)
		}
		if writeErr != nil {
			return nil, writeErr
		}
	}

	return s.sealOutputs(writers, task)
}

func openOutputWriters(store *bucket.Store, task common.Task) ([]*bucket.Writer, error) {
	numOutputs := task.ConsumerSplits
	if numOutputs <= 0 {
		numOutputs = 1
	}
	writers := make([]*bucket.Writer, numOutputs)
	for i := range writers {
		w, err := store.NewWriter(task.DatasetID, task.SplitIndex, i)
		if err != nil {
			for _, prior := range writers[:i] {
				_ = prior.Discard()
			}
			return nil, err
		}
		writers[i] = w
	}
	return writers, nil
}

func (s *Slave) sealOutputs(writers []*bucket.Writer, task common.Task) ([]common.BucketRef, error) {
	outputs := make([]common.BucketRef, len(writers))
	for i, w := range writers {
		if err := w.Seal(); err != nil {
			return nil, err
		}
		outputs[i] = common.BucketRef{
			DatasetID:   task.DatasetID,
			SourceIndex: task.SplitIndex,
			SplitIndex:  i,
			Generation:  task.Generation,
			URL:         s.bucketURL(task.DatasetID, task.SplitIndex, i),
		}
	}
	return outputs, nil
}

// fetchRecords resolves one input ref to its (key, value) records. A
// SourceIndex of -1 marks a raw source-from-urls file, read line by line;
// anything else is a sealed bucket, fetched and framed over HTTP.
func (s *Slave) fetchRecords(ref common.BucketRef) ([][2][]byte, error) {
	if ref.SourceIndex == -1 {
		return s.fetchSourceLines(ref.URL)
	}
	rc, err := s.bucketClient.Fetch(ref.URL)
	if err != nil {
		if errors.Is(err, bucket.ErrUnknownBucket) || errors.Is(err, bucket.ErrBucketDeleted) {
			return nil, &staleInputError{ref: ref, err: err}
		}
		return nil, fmt.Errorf("slave: fetch bucket %s: %w", ref.URL, err)
	}
	defer rc.Close()
	return bucket.ReadAllFrames(rc)
}

func (s *Slave) fetchSourceLines(url string) ([][2][]byte, error) {
	rc, err := s.bucketClient.Fetch(url)
	if err != nil {
		return nil, fmt.Errorf("slave: fetch source %s: %w", url, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var out [][2][]byte
	for i := 0; scanner.Scan(); i++ {
		line := append([]byte(nil), scanner.Bytes()...)
		out = append(out, [2][]byte{[]byte(strconv.Itoa(i)), line})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
