// Package slave implements the worker process: it registers with the
// master, sends heartbeats, accepts task assignments over HTTP, runs them
// through a bounded pool, and serves the buckets it produces. This is the
// direct descendant of the teacher's internal/worker package, generalized
// from a single always-on task goroutine to a capacity-bounded executor
// pool (SPEC_FULL.md §4.3.1).
package slave

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mrs/internal/bucket"
	"mrs/internal/common"
	"mrs/internal/rpc"
	"mrs/internal/rpcclient"
	"mrs/internal/userfunc"
	"mrs/internal/utils"
)

const heartbeatInterval = 2 * time.Second

// Slave is one worker node: its identity (assigned by the master at
// register time), its HTTP endpoint, its bucket store/server, and its
// bounded task pool.
type Slave struct {
	ID       string
	Endpoint string
	Capacity int
	TmpDir   string

	masterClient *rpcclient.Master
	registry     *userfunc.Registry

	mu      sync.Mutex
	jobID   string
	store   *bucket.Store
	running map[string]*common.Task // task id -> task, for heartbeat/cancel bookkeeping

	pool         *pool
	bucketClient *bucket.Client
}

// New constructs a slave that will serve buckets and accept tasks at
// endpoint, registering with masterURL once Start is called.
func New(masterURL, endpoint string, capacity int, tmpDir string, registry *userfunc.Registry) *Slave {
	return &Slave{
		Endpoint:     endpoint,
		Capacity:     capacity,
		TmpDir:       tmpDir,
		masterClient: rpcclient.NewMaster(masterURL),
		registry:     registry,
		running:      make(map[string]*common.Task),
		bucketClient: bucket.NewClient(),
	}
}

// Start registers with the master (retrying until accepted, mirroring the
// teacher's register-retry loop in agent.go) and begins heartbeating. It
// blocks; callers run it in a goroutine alongside the HTTP server.
func (s *Slave) Start(ctx context.Context) {
	for {
		resp, err := s.masterClient.Register(ctx, rpc.RegisterRequest{Endpoint: s.Endpoint, Capacity: s.Capacity})
		if err == nil {
			s.ID = resp.SlaveID
			utils.LogJSON("INFO", "slave registered", map[string]interface{}{"slave_id": s.ID, "endpoint": s.Endpoint})
			break
		}
		utils.LogJSON("ERROR", "slave registration failed, retrying", map[string]interface{}{"error": err.Error()})
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	s.pool = newPool(ctx, s.Capacity)
	go s.pool.drainErrors(ctx)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendHeartbeat(ctx)
		}
	}
}

func (s *Slave) sendHeartbeat(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	resp, err := s.masterClient.Heartbeat(ctx, rpc.HeartbeatRequest{SlaveID: s.ID, RunningTaskIDs: ids})
	if err != nil {
		utils.LogJSON("ERROR", "heartbeat failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, id := range resp.ReassignList {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}
}

// ensureJobStore lazily opens the bucket store for a job's scratch tree the
// first time this slave is assigned one of its tasks.
func (s *Slave) ensureJobStore(tmpDir, jobID string) (*bucket.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobID == jobID && s.store != nil {
		return s.store, nil
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	store, err := bucket.NewStore(tmpDir, jobID)
	if err != nil {
		return nil, err
	}
	s.jobID, s.store = jobID, store
	return store, nil
}

// BucketHandler exposes the slave's current store over HTTP for peer
// slaves to pull from directly (SPEC_FULL.md §9 "direct slave-to-slave
// HTTP fetch"). The store is resolved per request since it is only opened
// lazily on first assignment.
func (s *Slave) BucketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		store := s.store
		s.mu.Unlock()
		if store == nil {
			http.NotFound(w, r)
			return
		}
		bucket.NewServer(store).Handler().ServeHTTP(w, r)
	})
}

func (s *Slave) bucketURL(datasetID, sourceIndex, splitIndex int) string {
	return fmt.Sprintf("%s/bucket/%d/%d/%d", s.Endpoint, datasetID, sourceIndex, splitIndex)
}

// status reports this slave's current load for ping/heartbeat
// (SPEC_FULL.md §4.5 "ping() -> slave_status"): running task count, spare
// capacity, and how much of its scratch directory the current job's buckets
// occupy.
func (s *Slave) status() common.SlaveStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	store := s.store
	s.mu.Unlock()

	var used int64
	if store != nil {
		used = scratchBytesUsed(store.Root)
	}
	return common.SlaveStatus{
		RunningTaskIDs:   ids,
		ScratchBytesUsed: used,
		Capacity:         s.Capacity,
		AvailableSlots:   s.Capacity - len(ids),
	}
}

// scratchBytesUsed sums the size of every regular file under root, best
// effort — a bucket mid-write or concurrently GC'd is simply skipped rather
// than failing the whole report.
func scratchBytesUsed(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
