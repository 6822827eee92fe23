package master

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"mrs/internal/bucket"
	"mrs/internal/common"
	"mrs/internal/rpc"
	"mrs/internal/rpcclient"
	"mrs/internal/utils"
)

// Master is the coordinator process: the registry of connected slaves plus
// every job currently running against it. It owns no dataset-graph state
// itself — that lives in each Job — matching the teacher's
// `Master.Jobs map[string]*common.Job` shape, generalized so a job's state
// is discarded outright when the job ends rather than snapshotted to disk.
type Master struct {
	mu       sync.Mutex
	Slaves   map[string]*common.SlaveInfo
	jobs     map[string]*Job
	tmpDir   string
	selfAddr string // this master's own bucket-server base URL, for local_data

	// currentStore is the scratch store of the most recently started job,
	// served at selfAddr/bucket/... . The launcher runs one job per process
	// (SPEC_FULL.md §6.1 CLI surface), so a single active store is enough;
	// a long-lived multi-job master would need this keyed by job id.
	currentStore *bucket.Store

	bucketClient *bucket.Client
	slaveClients map[string]*rpcclient.Slave
}

// NewMaster builds a Master rooted at tmpDir, serving its own bucket store
// (for local_data writes) at selfAddr.
func NewMaster(tmpDir, selfAddr string) *Master {
	return &Master{
		Slaves:       make(map[string]*common.SlaveInfo),
		jobs:         make(map[string]*Job),
		tmpDir:       tmpDir,
		selfAddr:     selfAddr,
		bucketClient: bucket.NewClient(),
		slaveClients: make(map[string]*rpcclient.Slave),
	}
}

// NewJob starts a fresh job: a private scratch store plus an append-only
// transition log rooted at {tmpdir}/{job_id}.
func (m *Master) NewJob() (*Job, error) {
	id := uuid.New().String()
	store, err := bucket.NewStore(m.tmpDir, id)
	if err != nil {
		return nil, err
	}
	log, err := NewTransitionLog(store.Root)
	if err != nil {
		return nil, err
	}
	j := newJob(id, store, log, m)

	m.mu.Lock()
	m.jobs[id] = j
	m.currentStore = store
	m.mu.Unlock()

	go m.scheduleLoop(j, j.stop)

	utils.LogJSON("INFO", "job started", map[string]interface{}{"job_id": id})
	return j, nil
}

// BucketHandler serves the current job's scratch store over HTTP, so
// local_data buckets the master itself wrote are fetchable by slaves the
// same way a slave-produced bucket is (SPEC_FULL.md §4.4).
func (m *Master) BucketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		store := m.currentStore
		m.mu.Unlock()
		if store == nil {
			http.NotFound(w, r)
			return
		}
		bucket.NewServer(store).Handler().ServeHTTP(w, r)
	})
}

// SlaveCount returns the number of currently registered slaves.
func (m *Master) SlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Slaves)
}

// Run starts the master's background slave-health monitor. It blocks until
// stop is closed.
func (m *Master) Run(stop <-chan struct{}) {
	m.healthCheckLoop(stop)
}

// EndJob tears down a job's scratch tree and transition log. No state
// outlives this call — satisfies "no persisted state across job
// boundaries" (SPEC_FULL.md §6).
func (m *Master) EndJob(jobID string) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()
	if !ok {
		return
	}
	close(j.stop)
	j.log.Close()
	_ = j.store.RemoveAll()
	utils.LogJSON("INFO", "job ended", map[string]interface{}{"job_id": jobID})
}

func (m *Master) job(jobID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok
}

// gcDataset drops a closed dataset's buckets on every slave that holds
// them, once it has no open dependents (SPEC_FULL.md §5 "triggers bucket GC
// for completed tasks once no open consumers remain").
func (m *Master) gcDataset(jobID string, datasetID int) {
	j, ok := m.job(jobID)
	if !ok {
		return
	}
	j.mu.Lock()
	ds, ok := j.datasets[datasetID]
	j.mu.Unlock()
	if !ok {
		return
	}
	seen := map[string]bool{}
	for _, t := range ds.tasks {
		if t.AssignedTo == "" || seen[t.AssignedTo] {
			continue
		}
		seen[t.AssignedTo] = true
		go func(slaveID, taskID string) {
			m.mu.Lock()
			info, ok := m.Slaves[slaveID]
			m.mu.Unlock()
			if !ok {
				return
			}
			client := m.slaveClient(info.Endpoint)
			_ = client.DropBucket(context.Background(), rpc.DropBucketRequest{TaskID: taskID, DatasetID: datasetID})
		}(t.AssignedTo, t.ID)
	}
}

func (m *Master) localBucketURL(datasetID, sourceIndex, splitIndex int) string {
	return fmt.Sprintf("%s/bucket/%d/%d/%d", strings.TrimRight(m.selfAddr, "/"), datasetID, sourceIndex, splitIndex)
}

// fetchBucket fetches and frames a bucket's full contents over HTTP. It is
// used by FetchAll for buckets this job did not write itself (remote
// slaves); buckets the master wrote locally via local_data are read
// directly off disk by the caller instead.
func (m *Master) fetchBucket(url string) ([][2][]byte, error) {
	rc, err := m.bucketClient.Fetch(url)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return bucket.ReadAllFrames(rc)
}

func drainFrames(r io.Reader) ([][2][]byte, error) {
	return bucket.ReadAllFrames(r)
}

func (m *Master) slaveClient(endpoint string) *rpcclient.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.slaveClients[endpoint]
	if !ok {
		c = rpcclient.NewSlave(endpoint)
		m.slaveClients[endpoint] = c
	}
	return c
}
