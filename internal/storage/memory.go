package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/conveyor/internal/cluster"
)

// MemoryStore implements Store in process memory. It backs single-process
// deployments and tests; everything is lost on restart.
// One mutex serializes every write against the log.
type MemoryStore struct {
	mu         sync.Mutex
	log        []Record
	connectors map[string]*Connector
	offsets    map[string]cluster.Offsets
	members    map[string]Member
	state      []byte
	stateVer   int64
	leases     map[string]Lease
	topics     map[string][]string
	now        func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connectors: make(map[string]*Connector),
		offsets:    make(map[string]cluster.Offsets),
		members:    make(map[string]Member),
		leases:     make(map[string]Lease),
		topics:     make(map[string][]string),
		now:        time.Now,
	}
}

func (m *MemoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	m.mu.Lock()
	return nil
}

func (m *MemoryStore) appendLocked(rec Record) Record {
	rec.Offset = int64(len(m.log)) + 1
	rec.Time = m.now()
	if rec.Config != nil {
		rec.Config = copyMap(rec.Config)
	}
	m.log = append(m.log, rec)
	return rec
}

func (m *MemoryStore) CreateConnector(ctx context.Context, name string, config map[string]string) (*Connector, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if _, exists := m.connectors[name]; exists {
		return nil, errors.Wrapf(ErrConflict, "connector %s already exists", name)
	}
	rec := m.appendLocked(Record{Kind: RecordConfig, Name: name, Config: config})
	c := &Connector{Name: name, Config: copyMap(config), TargetState: cluster.TargetStarted, Offset: rec.Offset}
	m.connectors[name] = c
	return c.clone(), nil
}

func (m *MemoryStore) PutConnector(ctx context.Context, name string, config map[string]string) (*Connector, bool, error) {
	if err := m.lock(ctx); err != nil {
		return nil, false, err
	}
	defer m.mu.Unlock()

	rec := m.appendLocked(Record{Kind: RecordConfig, Name: name, Config: config})
	c, exists := m.connectors[name]
	if !exists {
		c = &Connector{Name: name, TargetState: cluster.TargetStarted}
		m.connectors[name] = c
	}
	c.Config = copyMap(config)
	c.Offset = rec.Offset
	return c.clone(), !exists, nil
}

func (m *MemoryStore) GetConnector(ctx context.Context, name string) (*Connector, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	c, exists := m.connectors[name]
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "connector %s", name)
	}
	return c.clone(), nil
}

func (m *MemoryStore) DeleteConnector(ctx context.Context, name string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, exists := m.connectors[name]; !exists {
		return errors.Wrapf(ErrNotFound, "connector %s", name)
	}
	m.appendLocked(Record{Kind: RecordDelete, Name: name})
	delete(m.connectors, name)
	return nil
}

func (m *MemoryStore) ListConnectors(ctx context.Context) ([]string, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return sortedNames(m.connectors), nil
}

func (m *MemoryStore) SetTargetState(ctx context.Context, name string, state cluster.TargetState) (*Connector, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	c, exists := m.connectors[name]
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "connector %s", name)
	}
	rec := m.appendLocked(Record{Kind: RecordTargetState, Name: name, TargetState: state})
	c.TargetState = state
	c.Offset = rec.Offset
	return c.clone(), nil
}

func (m *MemoryStore) RequestRestart(ctx context.Context, name string, task int) (*Connector, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	c, exists := m.connectors[name]
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "connector %s", name)
	}
	rec := m.appendLocked(Record{Kind: RecordRestart, Name: name, Task: task})
	bumpRestart(c, task)
	c.Offset = rec.Offset
	return c.clone(), nil
}

func bumpRestart(c *Connector, task int) {
	if task == AllTasks {
		c.Restarts++
		return
	}
	if c.TaskRestarts == nil {
		c.TaskRestarts = make(map[int]int64)
	}
	c.TaskRestarts[task]++
}

func (m *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	snap := &Snapshot{Offset: int64(len(m.log))}
	for _, name := range sortedNames(m.connectors) {
		snap.Connectors = append(snap.Connectors, m.connectors[name].clone())
	}
	return snap, nil
}

func (m *MemoryStore) ReadLog(ctx context.Context, after int64, limit int) ([]Record, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if after < 0 {
		after = 0
	}
	var out []Record
	for i := after; i < int64(len(m.log)); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := m.log[i]
		if rec.Config != nil {
			rec.Config = copyMap(rec.Config)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) CommitOffsets(ctx context.Context, connector string, offsets cluster.Offsets) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	current, ok := m.offsets[connector]
	if !ok {
		current = cluster.Offsets{}
		m.offsets[connector] = current
	}
	for k, v := range offsets {
		current[k] = v
	}
	return nil
}

func (m *MemoryStore) Offsets(ctx context.Context, connector string) (cluster.Offsets, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	out := cluster.Offsets{}
	for k, v := range m.offsets[connector] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) RecordHeartbeat(ctx context.Context, member Member) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	member.Held = append([]cluster.TaskID(nil), member.Held...)
	member.Statuses = append([]cluster.TaskStatus(nil), member.Statuses...)
	m.members[member.Node.ID] = member
	return nil
}

func (m *MemoryStore) Members(ctx context.Context) ([]Member, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	out := make([]Member, 0, len(m.members))
	for _, id := range sortedNames(m.members) {
		member := m.members[id]
		member.Held = append([]cluster.TaskID(nil), member.Held...)
		member.Statuses = append([]cluster.TaskStatus(nil), member.Statuses...)
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) RemoveMember(ctx context.Context, id string, lastSeen time.Time) (bool, error) {
	if err := m.lock(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok || !member.LastSeen.Equal(lastSeen) {
		return false, nil
	}
	delete(m.members, id)
	return true, nil
}

func (m *MemoryStore) LoadClusterState(ctx context.Context) (*cluster.State, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if m.state == nil {
		return cluster.EmptyState(), nil
	}
	var s cluster.State
	if err := json.Unmarshal(m.state, &s); err != nil {
		return nil, errors.Wrap(err, "decode cluster state")
	}
	return &s, nil
}

func (m *MemoryStore) SaveClusterState(ctx context.Context, s *cluster.State, expected int64) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if m.stateVer != expected {
		return errors.Wrapf(ErrConflict, "cluster state version is %d, expected %d", m.stateVer, expected)
	}
	s.Version = expected + 1
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode cluster state")
	}
	m.state = data
	m.stateVer = s.Version
	return nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (Lease, error) {
	if err := m.lock(ctx); err != nil {
		return Lease{}, err
	}
	defer m.mu.Unlock()

	current, ok := m.leases[name]
	if !ok || current.Holder == holder || !now.Before(current.Expires) {
		current = Lease{Name: name, Holder: holder, Expires: now.Add(ttl)}
		m.leases[name] = current
	}
	return current, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	current, ok := m.leases[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "lease %s", name)
	}
	if current.Holder == holder {
		delete(m.leases, name)
	}
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, topic string, values []string) (int64, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	first := int64(len(m.topics[topic]))
	m.topics[topic] = append(m.topics[topic], values...)
	return first, nil
}

func (m *MemoryStore) Fetch(ctx context.Context, topic string, offset int64, max int) ([]cluster.TopicRecord, int64, error) {
	if err := m.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer m.mu.Unlock()

	log := m.topics[topic]
	if offset < 0 {
		offset = 0
	}
	var out []cluster.TopicRecord
	next := offset
	for i := offset; i < int64(len(log)); i++ {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, cluster.TopicRecord{Offset: i, Value: log[i]})
		next = i + 1
	}
	return out, next, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := m.lock(ctx); err != nil {
		return Stats{}, err
	}
	defer m.mu.Unlock()

	return Stats{
		Connectors: len(m.connectors),
		LogOffset:  int64(len(m.log)),
		Members:    len(m.members),
		Topics:     len(m.topics),
	}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
