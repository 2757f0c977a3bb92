package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/metrics"
	"github.com/dreamware/conveyor/internal/storage"
)

const (
	MemberAlive   = "alive"
	MemberExpired = "expired"
)

// MemberHealth is the monitor's view of one worker.
type MemberHealth struct {
	NodeID     string    `json:"node_id"`
	Addr       string    `json:"addr"`
	LastSeen   time.Time `json:"last_seen"`
	Generation int64     `json:"generation"`
	Status     string    `json:"status"`
}

// MembershipMonitor evicts workers whose last heartbeat is older than the
// session timeout.
//
// Unlike an active health check it never contacts the workers: liveness
// is decided only from heartbeat records, so every replica reading the same
// store reaches the same verdict.
//
// Thread safety:
//   - members is protected by mu
//   - Check may run concurrently with the getters
type MembershipMonitor struct {
	store     storage.MemberStore
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time
	onExpired func(nodeID string)

	mu      sync.RWMutex
	members map[string]*MemberHealth
}

func NewMembershipMonitor(store storage.MemberStore, sessionTimeout time.Duration, log *zap.Logger) *MembershipMonitor {
	return &MembershipMonitor{
		store:   store,
		timeout: sessionTimeout,
		log:     log,
		now:     time.Now,
		members: make(map[string]*MemberHealth),
	}
}

// SetOnExpired registers a callback invoked once per evicted worker.
func (m *MembershipMonitor) SetOnExpired(fn func(nodeID string)) {
	m.onExpired = fn
}

// Run checks membership every interval until ctx is done.
func (m *MembershipMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("membership check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check refreshes the monitor from the store and evicts expired members.
// It returns the evicted ids.
func (m *MembershipMonitor) Check(ctx context.Context) ([]string, error) {
	members, err := m.store.Members(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()

	var evicted []string
	seen := make(map[string]bool, len(members))
	for _, member := range members {
		id := member.Node.ID
		seen[id] = true
		health := &MemberHealth{
			NodeID:     id,
			Addr:       member.Node.Addr,
			LastSeen:   member.LastSeen,
			Generation: member.Generation,
			Status:     MemberAlive,
		}
		if !isLive(member, now, m.timeout) {
			removed, err := m.store.RemoveMember(ctx, id, member.LastSeen)
			if err != nil {
				return evicted, err
			}
			if removed {
				health.Status = MemberExpired
				evicted = append(evicted, id)
			}
		}
		m.mu.Lock()
		m.members[id] = health
		m.mu.Unlock()
	}

	m.mu.Lock()
	for id := range m.members {
		if !seen[id] {
			delete(m.members, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		metrics.IncreaseEvictions()
		m.log.Info("evicted worker after session timeout", zap.String("node", id), zap.Duration("timeout", m.timeout))
		if m.onExpired != nil {
			m.onExpired(id)
		}
	}
	return evicted, nil
}

// GetMemberHealth returns a copy of one worker's health, or nil.
func (m *MembershipMonitor) GetMemberHealth(nodeID string) *MemberHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.members[nodeID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// GetAllMemberHealth returns a copy of every tracked worker's health.
func (m *MembershipMonitor) GetAllMemberHealth() map[string]*MemberHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*MemberHealth, len(m.members))
	for id, h := range m.members {
		cp := *h
		out[id] = &cp
	}
	return out
}

// LiveMembers filters members whose last heartbeat is within timeout of now.
func LiveMembers(members []storage.Member, now time.Time, timeout time.Duration) []storage.Member {
	out := make([]storage.Member, 0, len(members))
	for _, m := range members {
		if isLive(m, now, timeout) {
			out = append(out, m)
		}
	}
	return out
}

func isLive(m storage.Member, now time.Time, timeout time.Duration) bool {
	return now.Sub(m.LastSeen) < timeout
}
