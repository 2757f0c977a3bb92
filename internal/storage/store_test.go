package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conveyor/internal/cluster"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func sourceConfig(file string) map[string]string {
	return map[string]string{
		"name":            "local-file-source",
		"connector.class": "FileStreamSource",
		"file":            file,
		"topic":           "connect-test",
	}
}

// TestCreateConflict verifies that a second create of the same name fails
// with ErrConflict and leaves the first config in place.
func TestCreateConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, err := s.CreateConnector(ctx, "src", sourceConfig("input.txt"))
		require.NoError(t, err)
		assert.Equal(t, cluster.TargetStarted, c.TargetState)
		assert.Equal(t, int64(1), c.Offset)

		_, err = s.CreateConnector(ctx, "src", sourceConfig("other.txt"))
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetConnector(ctx, "src")
		require.NoError(t, err)
		assert.Equal(t, "input.txt", got.Config["file"])
	})
}

// TestConcurrentCreateSingleWinner races many creates of one name; exactly
// one must succeed.
func TestConcurrentCreateSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CreateConnector(ctx, "race", sourceConfig(fmt.Sprintf("f%d", i)))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if assert.ErrorIs(t, err, ErrConflict) {
					conflicts++
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 15, conflicts)
	})
}

func TestGetAndDeleteNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetConnector(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteConnector(ctx, "missing"), ErrNotFound)

		_, err = s.CreateConnector(ctx, "a", sourceConfig("x"))
		require.NoError(t, err)
		require.NoError(t, s.DeleteConnector(ctx, "a"))
		assert.ErrorIs(t, s.DeleteConnector(ctx, "a"), ErrNotFound)
	})
}

func TestPutUpserts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, created, err := s.PutConnector(ctx, "a", sourceConfig("one"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "one", c.Config["file"])

		_, err = s.SetTargetState(ctx, "a", cluster.TargetPaused)
		require.NoError(t, err)

		c, created, err = s.PutConnector(ctx, "a", sourceConfig("two"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "two", c.Config["file"])
		assert.Equal(t, cluster.TargetPaused, c.TargetState, "update keeps the target state")
	})
}

func TestListIsSorted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		names, err := s.ListConnectors(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)

		for _, n := range []string{"c", "a", "b"} {
			_, err := s.CreateConnector(ctx, n, sourceConfig(n))
			require.NoError(t, err)
		}
		names, err = s.ListConnectors(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names)
	})
}

// TestLogOrder verifies that every write lands in the log in order with
// monotonically increasing offsets.
func TestLogOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateConnector(ctx, "a", sourceConfig("x"))
		require.NoError(t, err)
		_, err = s.SetTargetState(ctx, "a", cluster.TargetPaused)
		require.NoError(t, err)
		_, err = s.RequestRestart(ctx, "a", 0)
		require.NoError(t, err)
		require.NoError(t, s.DeleteConnector(ctx, "a"))

		recs, err := s.ReadLog(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, recs, 4)
		kinds := []RecordKind{RecordConfig, RecordTargetState, RecordRestart, RecordDelete}
		for i, rec := range recs {
			assert.Equal(t, int64(i+1), rec.Offset)
			assert.Equal(t, kinds[i], rec.Kind)
			assert.Equal(t, "a", rec.Name)
		}
		assert.Equal(t, "x", recs[0].Config["file"])
		assert.Equal(t, cluster.TargetPaused, recs[1].TargetState)

		tail, err := s.ReadLog(ctx, 2, 1)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, RecordRestart, tail[0].Kind)
	})
}

func TestRestartCounters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateConnector(ctx, "a", sourceConfig("x"))
		require.NoError(t, err)

		_, err = s.RequestRestart(ctx, "a", 1)
		require.NoError(t, err)
		c, err := s.RequestRestart(ctx, "a", AllTasks)
		require.NoError(t, err)

		assert.Equal(t, int64(1), c.RestartCount(0))
		assert.Equal(t, int64(2), c.RestartCount(1))

		_, err = s.RequestRestart(ctx, "missing", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, n := range []string{"b", "a"} {
			_, err := s.CreateConnector(ctx, n, sourceConfig(n))
			require.NoError(t, err)
		}
		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Offset)
		require.Len(t, snap.Connectors, 2)
		assert.Equal(t, "a", snap.Connectors[0].Name)
		assert.Equal(t, "b", snap.Connectors[1].Name)
	})
}

func TestOffsetsMerge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		offs, err := s.Offsets(ctx, "src")
		require.NoError(t, err)
		assert.Empty(t, offs)

		require.NoError(t, s.CommitOffsets(ctx, "src", cluster.Offsets{"file:a": "10"}))
		require.NoError(t, s.CommitOffsets(ctx, "src", cluster.Offsets{"file:a": "20", "file:b": "5"}))
		require.NoError(t, s.CommitOffsets(ctx, "other", cluster.Offsets{"file:a": "1"}))

		offs, err = s.Offsets(ctx, "src")
		require.NoError(t, err)
		assert.Equal(t, cluster.Offsets{"file:a": "20", "file:b": "5"}, offs)
	})
}

func TestMembers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Unix(1700000000, 0)
		id := cluster.TaskID{Connector: "a", Task: 0}
		require.NoError(t, s.RecordHeartbeat(ctx, Member{
			Node:       cluster.NodeInfo{ID: "w2", Addr: "http://w2"},
			LastSeen:   now,
			Generation: 4,
			Held:       []cluster.TaskID{id},
			Statuses:   []cluster.TaskStatus{{ID: id, State: cluster.TaskRunning}},
		}))
		require.NoError(t, s.RecordHeartbeat(ctx, Member{Node: cluster.NodeInfo{ID: "w1", Addr: "http://w1"}, LastSeen: now}))

		members, err := s.Members(ctx)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "w1", members[0].Node.ID)
		assert.Equal(t, "w2", members[1].Node.ID)
		assert.True(t, now.Equal(members[1].LastSeen))
		assert.Equal(t, int64(4), members[1].Generation)
		assert.Equal(t, []cluster.TaskID{id}, members[1].Held)
		assert.Equal(t, cluster.TaskRunning, members[1].Statuses[0].State)

		removed, err := s.RemoveMember(ctx, "w2", now.Add(-time.Second))
		require.NoError(t, err)
		assert.False(t, removed, "a newer heartbeat keeps the member")

		removed, err = s.RemoveMember(ctx, "w2", now)
		require.NoError(t, err)
		assert.True(t, removed)
		members, err = s.Members(ctx)
		require.NoError(t, err)
		assert.Len(t, members, 1)

		removed, err = s.RemoveMember(ctx, "w2", now)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

// TestClusterStateVersioning verifies optimistic concurrency on the leader
// snapshot: a writer holding a stale version is rejected.
func TestClusterStateVersioning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st, err := s.LoadClusterState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.Version)

		st.Generation = 1
		st.Workers = []string{"w1"}
		require.NoError(t, s.SaveClusterState(ctx, st, 0))
		assert.Equal(t, int64(1), st.Version)

		stale := cluster.EmptyState()
		assert.ErrorIs(t, s.SaveClusterState(ctx, stale, 0), ErrConflict)

		loaded, err := s.LoadClusterState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, int64(1), loaded.Generation)
		assert.Equal(t, []string{"w1"}, loaded.Workers)
	})
}

func TestLeases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Unix(1700000000, 0)

		l, err := s.AcquireLease(ctx, "leader", "c1", now, 10*time.Second)
		require.NoError(t, err)
		assert.True(t, l.HeldBy("c1", now))

		l, err = s.AcquireLease(ctx, "leader", "c2", now.Add(5*time.Second), 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "c1", l.Holder)
		assert.False(t, l.HeldBy("c2", now.Add(5*time.Second)))

		l, err = s.AcquireLease(ctx, "leader", "c2", now.Add(11*time.Second), 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "c2", l.Holder)

		require.NoError(t, s.ReleaseLease(ctx, "leader", "c1"), "releasing a lease held by someone else is a no-op")
		require.NoError(t, s.ReleaseLease(ctx, "leader", "c2"))
		assert.ErrorIs(t, s.ReleaseLease(ctx, "leader", "c2"), ErrNotFound)
	})
}

func TestTopics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.Append(ctx, "t", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), first)
		first, err = s.Append(ctx, "t", []string{"c"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), first)

		recs, next, err := s.Fetch(ctx, "t", 1, 10)
		require.NoError(t, err)
		assert.Equal(t, []cluster.TopicRecord{{Offset: 1, Value: "b"}, {Offset: 2, Value: "c"}}, recs)
		assert.Equal(t, int64(3), next)

		recs, next, err = s.Fetch(ctx, "t", 3, 10)
		require.NoError(t, err)
		assert.Empty(t, recs)
		assert.Equal(t, int64(3), next)

		recs, _, err = s.Fetch(ctx, "t", 0, 1)
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Topics)
	})
}

// TestSQLStoreDurable verifies that a file-backed store keeps connectors and
// pause state across a reopen.
func TestSQLStoreDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conveyor.db")
	ctx := context.Background()

	s, err := OpenSQL(path)
	require.NoError(t, err)
	_, err = s.CreateConnector(ctx, "a", sourceConfig("x"))
	require.NoError(t, err)
	_, err = s.SetTargetState(ctx, "a", cluster.TargetPaused)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQL(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())

	c, err := s.GetConnector(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, cluster.TargetPaused, c.TargetState)

	_, err = s.CreateConnector(ctx, "b", sourceConfig("y"))
	require.NoError(t, err)
	recs, err := s.ReadLog(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestCanceledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().ListConnectors(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
