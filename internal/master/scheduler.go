package master

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mrs/internal/common"
	"mrs/internal/rpc"
	"mrs/internal/utils"
)

// heartbeatTimeout is how long a slave may go without a heartbeat before a
// single missed beat is recorded; MissedHeartbeatsLimit consecutive misses
// declare it lost (SPEC_FULL.md §4.5 "missing three consecutive heartbeats
// marks the slave lost").
const heartbeatTimeout = 5 * time.Second

// RegisterSlave admits a new slave, assigning it an id if it has none.
func (m *Master) RegisterSlave(endpoint string, capacity int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if capacity <= 0 {
		capacity = common.DefaultCapacity
	}
	id := uuid.New().String()
	m.Slaves[id] = &common.SlaveInfo{
		ID: id, Endpoint: endpoint, Capacity: capacity,
		LastHeartbeat:  time.Now(),
		State:          common.SlaveHealthy,
		RunningTaskIDs: make(map[string]bool),
	}
	utils.LogJSON("INFO", "slave registered", map[string]interface{}{"slave_id": id, "endpoint": endpoint, "capacity": capacity})
	return id
}

// Heartbeat records liveness for slaveID and returns any task ids the
// master has already reassigned away from it (stale-but-still-running
// work the slave should abandon).
func (m *Master) Heartbeat(slaveID string, runningTaskIDs []string) (reassign []string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, found := m.Slaves[slaveID]
	if !found {
		return nil, false
	}
	info.LastHeartbeat = time.Now()
	info.MissedBeats = 0
	if info.State != common.SlaveLost {
		info.State = common.SlaveHealthy
	}

	for _, id := range runningTaskIDs {
		if !info.RunningTaskIDs[id] {
			reassign = append(reassign, id)
		}
	}
	return reassign, true
}

// healthCheckLoop polls every slave's last heartbeat; a slave that misses
// MissedHeartbeatsLimit consecutive beats is declared lost and every
// job's scheduleLoop picks up its abandoned tasks on its next tick.
func (m *Master) healthCheckLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.checkSlaveHealth()
		}
	}
}

func (m *Master) checkSlaveHealth() {
	m.mu.Lock()
	now := time.Now()
	var lost []*common.SlaveInfo
	for _, info := range m.Slaves {
		if info.State == common.SlaveLost {
			continue
		}
		if now.Sub(info.LastHeartbeat) <= heartbeatTimeout {
			continue
		}
		info.MissedBeats++
		if info.MissedBeats >= common.MissedHeartbeatsLimit {
			info.State = common.SlaveLost
			lost = append(lost, info)
		} else {
			info.State = common.SlaveSuspected
		}
	}
	m.mu.Unlock()

	for _, info := range lost {
		utils.LogJSON("ALERT", "slave lost", map[string]interface{}{"slave_id": info.ID})
		m.reassignSlaveTasks(info)
	}
}

// reassignSlaveTasks returns every task assigned to a now-lost slave to
// pending with the same attempt count (the slave's loss is not the task's
// fault, SPEC_FULL.md §4.2), and rolls back any of its already-complete
// tasks whose consumers have not yet fetched a replicated copy — modeled
// here as unconditional rollback-and-rerun, the conservative choice when no
// second replica is tracked.
func (m *Master) reassignSlaveTasks(info *common.SlaveInfo) {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.mu.Lock()
		for _, ds := range j.datasets {
			for _, t := range ds.tasks {
				if t.AssignedTo != info.ID {
					continue
				}
				switch t.State {
				case common.StateAssigned, common.StateRunning:
					t.State = common.StatePending
					t.AssignedTo = ""
					t.Generation++
					j.pending = append(j.pending, t)
					j.log.Append(t.ID, ds.ID, t.SplitIndex, t.Attempt, common.StatePending)
				case common.StateComplete:
					t.State = common.StatePending
					t.AssignedTo = ""
					t.Attempt++
					t.Generation++
					t.Outputs = nil
					ds.complete = false
					j.pending = append(j.pending, t)
					j.log.Append(t.ID, ds.ID, t.SplitIndex, t.Attempt, common.StatePending)
				}
			}
		}
		j.cond.Broadcast()
		j.mu.Unlock()
	}
}

// scheduleLoop is the per-job assignment loop: FIFO-per-submission-order
// over ready tasks, preferring a slave with locality on the task's inputs,
// never exceeding a slave's capacity (SPEC_FULL.md §4.2 scheduling policy,
// §4.2.1 per-slave parallelism knob).
func (m *Master) scheduleLoop(j *Job, stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.scheduleOnce(j)
		}
	}
}

func (m *Master) scheduleOnce(j *Job) {
	j.mu.Lock()
	if len(j.pending) == 0 {
		j.mu.Unlock()
		return
	}
	remaining := j.pending[:0]
	var toAssign []*common.Task
	var slaveFor []*common.SlaveInfo
	for _, t := range j.pending {
		slave := m.pickSlave(t)
		if slave == nil {
			remaining = append(remaining, t)
			continue
		}
		t.State = common.StateAssigned
		t.AssignedTo = slave.ID
		toAssign = append(toAssign, t)
		slaveFor = append(slaveFor, slave)
		j.log.Append(t.ID, t.DatasetID, t.SplitIndex, t.Attempt, common.StateAssigned)
	}
	j.pending = remaining
	j.mu.Unlock()

	for i, t := range toAssign {
		go m.dispatch(j, t, slaveFor[i])
	}
}

// pickSlave picks an idle slave under capacity, preferring one already
// holding one of the task's input buckets (locality), and reserves the slot
// on the chosen slave before returning it. The reservation happens here,
// under m.mu, rather than back in scheduleOnce (which only holds j.mu) —
// RunningTaskIDs is m's map, guarded by m's lock everywhere else
// (releaseSlot, the dispatch-failure undo below), so it must only ever be
// mutated while m.mu is held.
func (m *Master) pickSlave(t *common.Task) *common.SlaveInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	producers := map[string]bool{}
	for _, in := range t.Inputs {
		// URL form is {endpoint}/bucket/...; match by endpoint prefix.
		for _, info := range m.Slaves {
			if len(in.URL) >= len(info.Endpoint) && in.URL[:len(info.Endpoint)] == info.Endpoint {
				producers[info.ID] = true
			}
		}
	}

	var best *common.SlaveInfo
	for _, info := range m.Slaves {
		if info.State == common.SlaveLost || len(info.RunningTaskIDs) >= info.Capacity {
			continue
		}
		if producers[info.ID] {
			best = info
			break
		}
		if best == nil {
			best = info
		}
	}
	if best != nil {
		best.RunningTaskIDs[t.ID] = true
	}
	return best
}

func (m *Master) dispatch(j *Job, t *common.Task, slave *common.SlaveInfo) {
	client := m.slaveClient(slave.Endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Assign(ctx, rpc.AssignRequest{Task: *t})
	if err != nil || !resp.Accepted {
		m.mu.Lock()
		delete(slave.RunningTaskIDs, t.ID)
		m.mu.Unlock()
		j.mu.Lock()
		t.State = common.StatePending
		t.AssignedTo = ""
		j.pending = append(j.pending, t)
		j.log.Append(t.ID, t.DatasetID, t.SplitIndex, t.Attempt, common.StatePending)
		j.mu.Unlock()
		return
	}

	j.mu.Lock()
	t.State = common.StateRunning
	j.log.Append(t.ID, t.DatasetID, t.SplitIndex, t.Attempt, common.StateRunning)
	j.mu.Unlock()
}
