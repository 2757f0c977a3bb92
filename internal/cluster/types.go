package cluster

import (
	"fmt"
	"sort"
	"time"
)

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// TaskID names one unit of work produced by splitting a connector.
type TaskID struct {
	Connector string `json:"connector"`
	Task      int    `json:"task"`
}

func (id TaskID) String() string {
	return fmt.Sprintf("%s-%d", id.Connector, id.Task)
}

// Less orders task ids by connector name, then index.
func (id TaskID) Less(other TaskID) bool {
	if id.Connector != other.Connector {
		return id.Connector < other.Connector
	}
	return id.Task < other.Task
}

// SortTaskIDs sorts ids in place in the canonical (connector, index) order.
func SortTaskIDs(ids []TaskID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

type TaskState string

const (
	TaskRunning    TaskState = "RUNNING"
	TaskPaused     TaskState = "PAUSED"
	TaskFailed     TaskState = "FAILED"
	TaskUnassigned TaskState = "UNASSIGNED"
)

// TargetState is the user-requested run state of a connector.
type TargetState string

const (
	TargetStarted TargetState = "STARTED"
	TargetPaused  TargetState = "PAUSED"
)

type TaskStatus struct {
	ID       TaskID    `json:"id"`
	State    TaskState `json:"state"`
	WorkerID string    `json:"worker_id,omitempty"`
	Trace    string    `json:"trace,omitempty"`
}

type Phase string

const (
	PhaseStable      Phase = "stable"
	PhaseRebalancing Phase = "rebalancing"
)

// TaskSpec pairs a task id with the config generated for it.
type TaskSpec struct {
	ID     TaskID            `json:"id"`
	Config map[string]string `json:"config"`
}

// State is the versioned cluster snapshot written by the leader. Every
// replica answers heartbeats from the latest persisted State.
type State struct {
	Version         int64                 `json:"version"`
	Generation      int64                 `json:"generation"`
	Phase           Phase                 `json:"phase"`
	ConfigOffset    int64                 `json:"config_offset"`
	Workers         []string              `json:"workers"`
	Tasks           map[string][]TaskSpec `json:"tasks"`
	Assignment      map[string][]TaskID   `json:"assignment"`
	ConnectorErrors map[string]string     `json:"connector_errors,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// EmptyState is the state a fresh cluster starts from.
func EmptyState() *State {
	return &State{
		Phase:      PhaseStable,
		Tasks:      map[string][]TaskSpec{},
		Assignment: map[string][]TaskID{},
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Workers = append([]string(nil), s.Workers...)
	out.Tasks = make(map[string][]TaskSpec, len(s.Tasks))
	for name, specs := range s.Tasks {
		cp := make([]TaskSpec, len(specs))
		for i, spec := range specs {
			cp[i] = TaskSpec{ID: spec.ID, Config: copyConfig(spec.Config)}
		}
		out.Tasks[name] = cp
	}
	out.Assignment = make(map[string][]TaskID, len(s.Assignment))
	for worker, ids := range s.Assignment {
		out.Assignment[worker] = append([]TaskID(nil), ids...)
	}
	if s.ConnectorErrors != nil {
		out.ConnectorErrors = make(map[string]string, len(s.ConnectorErrors))
		for k, v := range s.ConnectorErrors {
			out.ConnectorErrors[k] = v
		}
	}
	return &out
}

// Owner returns the worker the task is assigned to.
func (s *State) Owner(id TaskID) (string, bool) {
	for worker, ids := range s.Assignment {
		for _, assigned := range ids {
			if assigned == id {
				return worker, true
			}
		}
	}
	return "", false
}

// TaskConfig returns the generated config of a task.
func (s *State) TaskConfig(id TaskID) (map[string]string, bool) {
	for _, spec := range s.Tasks[id.Connector] {
		if spec.ID == id {
			return spec.Config, true
		}
	}
	return nil, false
}

// IsMember reports whether workerID is part of the snapshot's membership.
func (s *State) IsMember(workerID string) bool {
	for _, w := range s.Workers {
		if w == workerID {
			return true
		}
	}
	return false
}

func copyConfig(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HeartbeatRequest is sent by every node on each heartbeat interval. It
// doubles as the rebalance acknowledgement: Generation is the last
// generation the node applied and Held the tasks it still runs.
type HeartbeatRequest struct {
	Node       NodeInfo     `json:"node"`
	Generation int64        `json:"generation"`
	Held       []TaskID     `json:"held"`
	Statuses   []TaskStatus `json:"statuses"`
}

// AssignedTask is one entry of a node's assignment.
type AssignedTask struct {
	ID          TaskID            `json:"id"`
	Config      map[string]string `json:"config"`
	TargetState TargetState       `json:"target_state"`
	Restarts    int64             `json:"restarts"`
}

// HeartbeatResponse carries the node's assignment for the current generation.
// During a rebalance Tasks is always empty.
type HeartbeatResponse struct {
	Generation       int64          `json:"generation"`
	Phase            Phase          `json:"phase"`
	Member           bool           `json:"member"`
	Tasks            []AssignedTask `json:"tasks"`
	SessionTimeoutMS int64          `json:"session_timeout_ms"`
}

// TopicRecord is one entry of a topic log.
type TopicRecord struct {
	Offset int64  `json:"offset"`
	Value  string `json:"value"`
}

type ProduceRequest struct {
	Values []string `json:"values"`
}

type ProduceResponse struct {
	FirstOffset int64 `json:"first_offset"`
	NextOffset  int64 `json:"next_offset"`
}

type FetchResponse struct {
	Records    []TopicRecord `json:"records"`
	NextOffset int64         `json:"next_offset"`
}

// Offsets maps a source partition (for example a file path) to the last
// committed position within it.
type Offsets map[string]string

type OffsetsDocument struct {
	Connector string  `json:"connector"`
	Offsets   Offsets `json:"offsets"`
}
