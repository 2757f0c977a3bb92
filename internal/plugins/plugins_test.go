package plugins

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/storage"
)

func init() {
	pollInterval = 10 * time.Millisecond
}

// storeEnv runs tasks directly against a MemoryStore.
type storeEnv struct {
	store     *storage.MemoryStore
	connector string
}

func (e *storeEnv) Produce(ctx context.Context, topic string, values []string) error {
	_, err := e.store.Append(ctx, topic, values)
	return err
}

func (e *storeEnv) Fetch(ctx context.Context, topic string, offset int64, max int) ([]cluster.TopicRecord, int64, error) {
	return e.store.Fetch(ctx, topic, offset, max)
}

func (e *storeEnv) Offsets(ctx context.Context) (cluster.Offsets, error) {
	return e.store.Offsets(ctx, e.connector)
}

func (e *storeEnv) CommitOffsets(ctx context.Context, offsets cluster.Offsets) error {
	return e.store.CommitOffsets(ctx, e.connector, offsets)
}

func (e *storeEnv) Logger() *zap.Logger { return zap.NewNop() }

func topicValues(t *testing.T, s *storage.MemoryStore, topic string) []string {
	t.Helper()
	recs, _, err := s.Fetch(context.Background(), topic, 0, 0)
	require.NoError(t, err)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Value
	}
	return out
}

func TestBuiltinGeneration(t *testing.T) {
	g := connector.NewGenerator(Builtin())

	src, err := g.Generate(map[string]string{
		"name": "local-file-source", "connector.class": "org.apache.kafka.connect.file.FileStreamSourceConnector",
		"tasks.max": "4", "file": "input.txt", "topic": "connect-test",
	}, 4)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{
		"task.class": "org.apache.kafka.connect.file.FileStreamSourceTask", "file": "input.txt", "topic": "connect-test",
	}}, src)

	sink, err := g.Generate(map[string]string{
		"name": "local-file-sink", "connector.class": FileSinkClass,
		"file": "output.txt", "topics": "a, b ,c",
	}, 2)
	require.NoError(t, err)
	require.Len(t, sink, 2)
	assert.Equal(t, "org.apache.kafka.connect.file.FileStreamSinkTask", sink[0][connector.TaskClassConfig])
	assert.Equal(t, "a,c", sink[0]["topics"])
	assert.Equal(t, "b", sink[1]["topics"])

	ver, err := g.Generate(map[string]string{
		"name": "v", "connector.class": VerifiableSourceClass, "topic": "t", "tasks.max": "3",
	}, 3)
	require.NoError(t, err)
	require.Len(t, ver, 3)
	assert.Equal(t, "2", ver[2]["id"])
	assert.Equal(t, "10", ver[2]["throughput"])
}

func TestBuiltinTaskAliases(t *testing.T) {
	r := Builtin()
	for _, class := range []string{FileSourceTaskClass, "FileStreamSourceTask", FileSinkTaskClass, "FileStreamSinkTask", "VerifiableSourceTask"} {
		task, err := r.NewTask(class)
		require.NoError(t, err, class)
		assert.NotNil(t, task)
	}
}

func TestBuiltinValidation(t *testing.T) {
	g := connector.NewGenerator(Builtin())
	bad := []map[string]string{
		{"name": "s", "connector.class": FileSourceClass, "topic": "t"},
		{"name": "s", "connector.class": FileSourceClass, "file": "f", "topic": "a,b"},
		{"name": "s", "connector.class": FileSinkClass, "file": "f", "topics": " , "},
		{"name": "s", "connector.class": VerifiableSourceClass, "topic": "t", "throughput": "0"},
	}
	for _, cfg := range bad {
		_, err := g.Generate(cfg, 1)
		assert.ErrorIs(t, err, connector.ErrConfigInvalid, "%v", cfg)
	}
}

// TestFileSourceTask verifies complete lines are published, a trailing
// partial line waits, and a restarted task resumes after the committed
// position.
func TestFileSourceTask(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("foo\nbar\nba"), 0o644))

	env := &storeEnv{store: storage.NewMemoryStore(), connector: "src"}
	cfg := map[string]string{"file": path, "topic": "test"}

	task := &FileSourceTask{}
	require.NoError(t, task.Start(ctx, env, cfg))
	require.NoError(t, task.Poll(ctx))
	assert.Equal(t, []string{"foo", "bar"}, topicValues(t, env.store, "test"))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("z\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, task.Poll(ctx))
	assert.Equal(t, []string{"foo", "bar", "baz"}, topicValues(t, env.store, "test"))
	require.NoError(t, task.Stop())

	offs, err := env.store.Offsets(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "12", offs["file:"+path])

	restarted := &FileSourceTask{}
	require.NoError(t, restarted.Start(ctx, env, cfg))
	defer restarted.Stop()
	require.NoError(t, restarted.Poll(ctx))
	assert.Len(t, topicValues(t, env.store, "test"), 3, "nothing is republished after a restart")
}

func TestFileSourceTaskWaitsForFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "later.txt")
	env := &storeEnv{store: storage.NewMemoryStore(), connector: "src"}

	task := &FileSourceTask{}
	require.NoError(t, task.Start(ctx, env, map[string]string{"file": path, "topic": "t"}))
	defer task.Stop()

	require.NoError(t, task.Poll(ctx))
	assert.Empty(t, topicValues(t, env.store, "t"))

	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))
	require.NoError(t, task.Poll(ctx))
	assert.Equal(t, []string{"hello"}, topicValues(t, env.store, "t"))
}

func TestFileSourceTaskLongLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "input.txt")
	long := strings.Repeat("x", maxBatchBytes+10)
	require.NoError(t, os.WriteFile(path, []byte(long+"\nshort\n"), 0o644))
	env := &storeEnv{store: storage.NewMemoryStore(), connector: "src"}

	task := &FileSourceTask{}
	require.NoError(t, task.Start(ctx, env, map[string]string{"file": path, "topic": "t"}))
	defer task.Stop()

	require.NoError(t, task.Poll(ctx))
	require.NoError(t, task.Poll(ctx))
	assert.Equal(t, []string{long, "short"}, topicValues(t, env.store, "t"))
}

func TestFileSourceTaskRejectsOversizedLine(t *testing.T) {
	old := maxLineBytes
	maxLineBytes = 1024
	defer func() { maxLineBytes = old }()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("ok\n"+strings.Repeat("x", maxBatchBytes+maxLineBytes)), 0o644))
	env := &storeEnv{store: storage.NewMemoryStore(), connector: "src"}

	task := &FileSourceTask{}
	require.NoError(t, task.Start(ctx, env, map[string]string{"file": path, "topic": "t"}))
	defer task.Stop()

	require.NoError(t, task.Poll(ctx))
	assert.Equal(t, []string{"ok"}, topicValues(t, env.store, "t"))

	err := task.Poll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errLineTooLong)
}

func TestFileSourceTaskFinishesBatchOnRevoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("foo\nbar\n"), 0o644))
	env := &storeEnv{store: storage.NewMemoryStore(), connector: "src"}

	task := &FileSourceTask{}
	require.NoError(t, task.Start(context.Background(), env, map[string]string{"file": path, "topic": "t"}))
	defer task.Stop()

	revoked, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, task.Poll(revoked))
	assert.Equal(t, []string{"foo", "bar"}, topicValues(t, env.store, "t"))

	offs, err := env.store.Offsets(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, "8", offs["file:"+path])
}

func TestFileSinkTask(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "output.txt")
	env := &storeEnv{store: storage.NewMemoryStore(), connector: "sink"}
	_, err := env.store.Append(ctx, "test", []string{"foo", "bar"})
	require.NoError(t, err)

	cfg := map[string]string{"file": out, "topics": "test"}
	task := &FileSinkTask{}
	require.NoError(t, task.Start(ctx, env, cfg))
	require.NoError(t, task.Poll(ctx))
	require.NoError(t, task.Stop())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "foo\nbar\n", string(data))

	_, err = env.store.Append(ctx, "test", []string{"baz"})
	require.NoError(t, err)

	restarted := &FileSinkTask{}
	require.NoError(t, restarted.Start(ctx, env, cfg))
	require.NoError(t, restarted.Poll(ctx))
	require.NoError(t, restarted.Poll(ctx))
	require.NoError(t, restarted.Stop())

	data, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "foo\nbar\nbaz\n", string(data))
}

func TestVerifiableSourceTask(t *testing.T) {
	ctx := context.Background()
	env := &storeEnv{store: storage.NewMemoryStore(), connector: "v"}
	cfg := map[string]string{"topic": "t", "id": "1", "throughput": "1000"}

	task := &VerifiableSourceTask{}
	require.NoError(t, task.Start(ctx, env, cfg))
	for i := 0; i < 3; i++ {
		require.NoError(t, task.Poll(ctx))
	}
	require.NoError(t, task.Stop())

	again := &VerifiableSourceTask{}
	require.NoError(t, again.Start(ctx, env, cfg))
	require.NoError(t, again.Poll(ctx))

	values := topicValues(t, env.store, "t")
	require.Len(t, values, 4)
	for i, v := range values {
		var rec VerifiableRecord
		require.NoError(t, json.NewDecoder(strings.NewReader(v)).Decode(&rec))
		assert.Equal(t, 1, rec.Task)
		assert.Equal(t, int64(i), rec.Seqno)
	}
}
