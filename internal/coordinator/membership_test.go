package coordinator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/storage"
)

func recordHeartbeat(t *testing.T, store storage.Store, id string, at time.Time) {
	t.Helper()
	err := store.RecordHeartbeat(context.Background(), storage.Member{
		Node:     cluster.NodeInfo{ID: id, Addr: "http://" + id},
		LastSeen: at,
	})
	require.NoError(t, err)
}

// TestMembershipMonitorEvictsExpired verifies that only workers silent for
// the whole session timeout are removed.
func TestMembershipMonitorEvictsExpired(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	recordHeartbeat(t, store, "w1", base)
	recordHeartbeat(t, store, "w2", base.Add(5*time.Second))

	monitor := NewMembershipMonitor(store, 10*time.Second, zap.NewNop())
	monitor.now = func() time.Time { return base.Add(12 * time.Second) }

	var mu sync.Mutex
	var expired []string
	monitor.SetOnExpired(func(id string) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
	})

	evicted, err := monitor.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, evicted)
	assert.Equal(t, []string{"w1"}, expired)

	members, err := store.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "w2", members[0].Node.ID)

	health := monitor.GetMemberHealth("w1")
	require.NotNil(t, health)
	assert.Equal(t, MemberExpired, health.Status)
	assert.Equal(t, MemberAlive, monitor.GetMemberHealth("w2").Status)

	// the evicted worker is forgotten on the next pass
	_, err = monitor.Check(ctx)
	require.NoError(t, err)
	assert.Nil(t, monitor.GetMemberHealth("w1"))

	all := monitor.GetAllMemberHealth()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"w2"}, ids)
}

// lateHeartbeatStore records a fresh heartbeat for one worker right after
// the monitor listed members, as a heartbeat racing the eviction would.
type lateHeartbeatStore struct {
	*storage.MemoryStore
	id string
	at time.Time
}

func (s *lateHeartbeatStore) Members(ctx context.Context) ([]storage.Member, error) {
	members, err := s.MemoryStore.Members(ctx)
	if err != nil {
		return nil, err
	}
	err = s.MemoryStore.RecordHeartbeat(ctx, storage.Member{
		Node:     cluster.NodeInfo{ID: s.id, Addr: "http://" + s.id},
		LastSeen: s.at,
	})
	return members, err
}

func TestMembershipMonitorKeepsMemberHeartbeatingDuringCheck(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := storage.NewMemoryStore()
	recordHeartbeat(t, inner, "w1", base)
	store := &lateHeartbeatStore{MemoryStore: inner, id: "w1", at: base.Add(12 * time.Second)}

	monitor := NewMembershipMonitor(store, 10*time.Second, zap.NewNop())
	monitor.now = func() time.Time { return base.Add(12 * time.Second) }
	monitor.SetOnExpired(func(id string) { t.Errorf("%s evicted after a fresh heartbeat", id) })

	evicted, err := monitor.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	members, err := inner.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, base.Add(12*time.Second).Equal(members[0].LastSeen))
}

// TestMembershipMonitorRun verifies that the loop checks until canceled.
func TestMembershipMonitorRun(t *testing.T) {
	store := storage.NewMemoryStore()
	recordHeartbeat(t, store, "w1", time.Now().Add(-time.Minute))

	monitor := NewMembershipMonitor(store, time.Second, zap.NewNop())
	evicted := make(chan string, 1)
	monitor.SetOnExpired(func(id string) { evicted <- id })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case id := <-evicted:
		assert.Equal(t, "w1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not evicted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLiveMembers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	members := []storage.Member{
		{Node: cluster.NodeInfo{ID: "fresh"}, LastSeen: now.Add(-time.Second)},
		{Node: cluster.NodeInfo{ID: "edge"}, LastSeen: now.Add(-5 * time.Second)},
		{Node: cluster.NodeInfo{ID: "stale"}, LastSeen: now.Add(-6 * time.Second)},
	}

	live := LiveMembers(members, now, 5*time.Second)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].Node.ID)
}
