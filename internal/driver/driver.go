// Package driver binds a user program's run-method to a running job: the
// thin dataset-submission/wait/progress/fetch façade of SPEC_FULL.md §4.6
// and §6 ("Job-driver surface"), plus the process lifecycle (startup,
// clean shutdown on return/error/signal) that wraps it. This is the direct
// descendant of the teacher's cmd/master startup sequence, generalized
// from one fixed program (hardcoded HTTP handlers) into a loader that
// constructs a user program once and hands it a Job.
package driver

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mrs/internal/common"
	"mrs/internal/master"
)

// Options are the recognized per-dataset options of SPEC_FULL.md §6.
type Options struct {
	Splits          int
	OutDir          string
	Partitioner     string
	Combiner        string
	KeySerializer   string
	ValueSerializer string
}

func (o Options) numSplits() int {
	if o.Splits <= 0 {
		return 1
	}
	return o.Splits
}

// Records is the lazy finite sequence `data(id)` returns: a pull iterator
// over a completed dataset's (key, value) pairs, already fetched in split
// order (SPEC_FULL.md §6 "data(id)").
type Records struct {
	items [][2][]byte
	pos   int
}

// Next returns the next (key, value) pair, or ok=false once exhausted.
func (r *Records) Next() (key, value []byte, ok bool) {
	if r.pos >= len(r.items) {
		return nil, nil, false
	}
	item := r.items[r.pos]
	r.pos++
	return item[0], item[1], true
}

// Job is the object a user program's run-method receives. Every call
// forwards to the backing master.Job; the run-method never sees scheduler
// internals (SPEC_FULL.md §4.6 "thin object... forward to the scheduler").
type Job struct {
	j *master.Job
}

// FileData registers a source-from-urls dataset.
func (j *Job) FileData(urls []string, opts Options) (int, error) {
	return j.j.Submit(common.DatasetSpec{
		Kind:            common.KindSourceURL,
		URLs:            urls,
		NumSplits:       len(urls),
		OutputDir:       opts.OutDir,
		Partitioner:     opts.Partitioner,
		KeySerializer:   opts.KeySerializer,
		ValueSerializer: opts.ValueSerializer,
	})
}

// LocalData registers a source-from-local-iterator dataset, partitioning
// kvs with partitionFn into opts.Splits buckets written by the master
// itself.
func (j *Job) LocalData(kvs [][2][]byte, opts Options, partitionFn func(key []byte, numSplits int) int) (int, error) {
	return j.j.SubmitLocal(common.DatasetSpec{
		NumSplits:       opts.numSplits(),
		OutputDir:       opts.OutDir,
		Partitioner:     opts.Partitioner,
		KeySerializer:   opts.KeySerializer,
		ValueSerializer: opts.ValueSerializer,
	}, kvs, partitionFn)
}

// MapData registers a map dataset over inputID.
func (j *Job) MapData(inputID int, mapper string, opts Options) (int, error) {
	return j.j.Submit(common.DatasetSpec{
		Kind:            common.KindMap,
		Sources:         []int{inputID},
		NumSplits:       opts.numSplits(),
		OutputDir:       opts.OutDir,
		Partitioner:     opts.Partitioner,
		Mapper:          mapper,
		Combiner:        opts.Combiner,
		KeySerializer:   opts.KeySerializer,
		ValueSerializer: opts.ValueSerializer,
	})
}

// ReduceData registers a reduce dataset over inputID.
func (j *Job) ReduceData(inputID int, reducer string, opts Options) (int, error) {
	return j.j.Submit(common.DatasetSpec{
		Kind:            common.KindReduce,
		Sources:         []int{inputID},
		NumSplits:       opts.numSplits(),
		OutputDir:       opts.OutDir,
		Partitioner:     opts.Partitioner,
		Reducer:         reducer,
		KeySerializer:   opts.KeySerializer,
		ValueSerializer: opts.ValueSerializer,
	})
}

// ReduceMapData registers a fused reduce-then-map dataset over inputID.
func (j *Job) ReduceMapData(inputID int, reducer, mapper string, opts Options) (int, error) {
	return j.j.Submit(common.DatasetSpec{
		Kind:            common.KindReduceMap,
		Sources:         []int{inputID},
		NumSplits:       opts.numSplits(),
		OutputDir:       opts.OutDir,
		Partitioner:     opts.Partitioner,
		Reducer:         reducer,
		Mapper:          mapper,
		KeySerializer:   opts.KeySerializer,
		ValueSerializer: opts.ValueSerializer,
	})
}

// Wait blocks until at least one of ids completes, the job aborts, or
// timeout elapses (0 returns immediately with whatever is already done).
func (j *Job) Wait(ids []int, timeout time.Duration) (completed []int, aborted bool) {
	return j.j.Wait(ids, timeout)
}

// Progress returns the fraction of id's tasks that are complete.
func (j *Job) Progress(id int) (float64, error) { return j.j.Progress(id) }

// Close closes a dataset, idempotently.
func (j *Job) Close(id int) error { return j.j.Close(id) }

// FetchAll returns every (key, value) of a completed dataset.
func (j *Job) FetchAll(id int) ([][2][]byte, error) { return j.j.FetchAll(id) }

// Data returns a lazy pull iterator over a completed dataset.
func (j *Job) Data(id int) (*Records, error) {
	items, err := j.j.FetchAll(id)
	if err != nil {
		return nil, err
	}
	return &Records{items: items}, nil
}

// RunFunc is a user program's run-method (SPEC_FULL.md §4.6 "invokes
// run(job)").
type RunFunc func(job *Job) error

// Driver owns a job's lifecycle around one RunFunc invocation: it starts a
// fresh job, runs the user program against it, and tears the job down on
// return, on error, or on SIGINT/SIGTERM, matching "responsible for
// shutting the scheduler down cleanly on run-method return, on uncaught
// error, and on signal" (SPEC_FULL.md §4.6).
type Driver struct {
	Master *master.Master
}

func New(m *master.Master) *Driver {
	return &Driver{Master: m}
}

// Run executes run to completion and returns the process exit code
// mandated by SPEC_FULL.md §6 ("Exit codes"): 0 on success, 1 on
// user-program error, 2 on scheduler-detected fatal failure or signal.
func (d *Driver) Run(run RunFunc) int {
	j, err := d.Master.NewJob()
	if err != nil {
		fmt.Fprintf(os.Stderr, "driver: start job: %v\n", err)
		return 2
	}
	defer d.Master.EndJob(j.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- run(&Job{j: j}) }()

	select {
	case runErr := <-done:
		if j.CurrentStatus() == common.JobAborted {
			fmt.Fprintln(os.Stderr, "driver: job aborted")
			return 2
		}
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "driver: run-method error: %v\n", runErr)
			return 1
		}
		return 0
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "driver: signal received, shutting down")
		return 2
	}
}
