package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dreamware/conveyor/internal/cluster"
)

var (
	// ErrNotFound is returned when a connector or lease doesn't exist in the store
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses against an existing entry or
	// an expected version
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps backend failures a caller may retry
	ErrUnavailable = errors.New("store unavailable")
)

// RecordKind identifies the type of a config log entry.
type RecordKind string

const (
	RecordConfig      RecordKind = "config"
	RecordDelete      RecordKind = "delete"
	RecordTargetState RecordKind = "target_state"
	RecordRestart     RecordKind = "restart"
)

// AllTasks is the restart target meaning every task of a connector.
const AllTasks = -1

// Record is one entry of the ordered config log.
type Record struct {
	Offset      int64               `json:"offset"`
	Kind        RecordKind          `json:"kind"`
	Name        string              `json:"name"`
	Config      map[string]string   `json:"config,omitempty"`
	TargetState cluster.TargetState `json:"target_state,omitempty"`
	Task        int                 `json:"task,omitempty"`
	Time        time.Time           `json:"time"`
}

// Connector is the materialized current state of one connector.
type Connector struct {
	Name         string              `json:"name"`
	Config       map[string]string   `json:"config"`
	TargetState  cluster.TargetState `json:"target_state"`
	Restarts     int64               `json:"restarts"`
	TaskRestarts map[int]int64       `json:"task_restarts,omitempty"`
	Offset       int64               `json:"offset"`
}

// RestartCount returns the restart counter a worker compares for task.
func (c *Connector) RestartCount(task int) int64 {
	return c.Restarts + c.TaskRestarts[task]
}

func (c *Connector) clone() *Connector {
	out := *c
	out.Config = copyMap(c.Config)
	if c.TaskRestarts != nil {
		out.TaskRestarts = make(map[int]int64, len(c.TaskRestarts))
		for k, v := range c.TaskRestarts {
			out.TaskRestarts[k] = v
		}
	}
	return &out
}

// Snapshot is every connector as of one log offset.
type Snapshot struct {
	Offset     int64        `json:"offset"`
	Connectors []*Connector `json:"connectors"`
}

// Member is the last heartbeat received from a worker node.
type Member struct {
	Node       cluster.NodeInfo     `json:"node"`
	LastSeen   time.Time            `json:"last_seen"`
	Generation int64                `json:"generation"`
	Held       []cluster.TaskID     `json:"held"`
	Statuses   []cluster.TaskStatus `json:"statuses"`
}

// Lease is a named, time-bounded claim held by one holder.
type Lease struct {
	Name    string    `json:"name"`
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

// HeldBy reports whether holder owns the lease at now.
func (l Lease) HeldBy(holder string, now time.Time) bool {
	return l.Holder == holder && now.Before(l.Expires)
}

// ConfigStore is the durable, totally ordered connector config log.
// Every write appends one Record and updates the materialized connector in
// the same step, so concurrent writers observe one order.
type ConfigStore interface {
	// CreateConnector fails with ErrConflict if name already exists
	CreateConnector(ctx context.Context, name string, config map[string]string) (*Connector, error)

	// PutConnector creates or replaces the config; created reports which
	PutConnector(ctx context.Context, name string, config map[string]string) (c *Connector, created bool, err error)

	// GetConnector returns ErrNotFound if name doesn't exist
	GetConnector(ctx context.Context, name string) (*Connector, error)

	// DeleteConnector returns ErrNotFound if name doesn't exist
	DeleteConnector(ctx context.Context, name string) error

	// ListConnectors returns names in lexical order
	ListConnectors(ctx context.Context) ([]string, error)

	SetTargetState(ctx context.Context, name string, state cluster.TargetState) (*Connector, error)

	// RequestRestart bumps the restart counter of one task, or all with AllTasks
	RequestRestart(ctx context.Context, name string, task int) (*Connector, error)

	Snapshot(ctx context.Context) (*Snapshot, error)

	// ReadLog returns up to limit records with offsets greater than after
	ReadLog(ctx context.Context, after int64, limit int) ([]Record, error)
}

// OffsetStore keeps committed source and sink positions per connector.
type OffsetStore interface {
	// CommitOffsets merges offsets into what is already committed
	CommitOffsets(ctx context.Context, connector string, offsets cluster.Offsets) error
	Offsets(ctx context.Context, connector string) (cluster.Offsets, error)
}

// MemberStore records worker heartbeats.
type MemberStore interface {
	RecordHeartbeat(ctx context.Context, m Member) error
	Members(ctx context.Context) ([]Member, error)
	// RemoveMember deletes id only while its LastSeen still equals
	// lastSeen, so a heartbeat recorded after the caller looked wins. It
	// reports whether the member was removed.
	RemoveMember(ctx context.Context, id string, lastSeen time.Time) (bool, error)
}

// StateStore persists the leader's cluster snapshot with optimistic
// concurrency.
type StateStore interface {
	// LoadClusterState returns an empty version 0 state when none was saved
	LoadClusterState(ctx context.Context) (*cluster.State, error)

	// SaveClusterState stores s if the stored version equals expected and
	// sets s.Version to expected+1; otherwise it returns ErrConflict
	SaveClusterState(ctx context.Context, s *cluster.State, expected int64) error
}

// LeaseStore grants named leases.
type LeaseStore interface {
	// AcquireLease takes or renews the lease for holder when it is free,
	// expired or already held by holder. The returned lease names the
	// current holder either way.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// TopicStore is the append-only record log the built-in connectors move data through.
type TopicStore interface {
	// Append returns the offset of the first appended value
	Append(ctx context.Context, topic string, values []string) (int64, error)

	// Fetch returns up to max records from offset and the next offset to read
	Fetch(ctx context.Context, topic string, offset int64, max int) ([]cluster.TopicRecord, int64, error)
}

// Store is the full backend used by a coordinator replica.
// All implementations must be thread-safe for concurrent access
type Store interface {
	ConfigStore
	OffsetStore
	MemberStore
	StateStore
	LeaseStore
	TopicStore

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats contains statistics about the store
type Stats struct {
	Connectors int   `json:"connectors"`
	LogOffset  int64 `json:"log_offset"`
	Members    int   `json:"members"`
	Topics     int   `json:"topics"`
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
