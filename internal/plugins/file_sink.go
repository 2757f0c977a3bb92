package plugins

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
)

// FileSink appends every record of its topics to a file, one per line.
type FileSink struct{}

func (FileSink) Type() connector.Type { return connector.TypeSink }

func (FileSink) Validate(cfg map[string]string) error {
	if err := requireKeys(cfg, FileConfig, TopicsConfig); err != nil {
		return err
	}
	if len(splitList(cfg[TopicsConfig])) == 0 {
		return errors.Wrapf(connector.ErrConfigInvalid, "%q lists no topics", TopicsConfig)
	}
	return nil
}

// TaskConfigs spreads the topics over at most maxTasks tasks. Topics have a
// single partition, so a topic is never shared by two tasks.
func (FileSink) TaskConfigs(cfg map[string]string, maxTasks int) ([]map[string]string, error) {
	topics := splitList(cfg[TopicsConfig])
	n := maxTasks
	if len(topics) < n {
		n = len(topics)
	}
	groups := make([][]string, n)
	for i, topic := range topics {
		groups[i%n] = append(groups[i%n], topic)
	}
	out := make([]map[string]string, n)
	for i, g := range groups {
		out[i] = map[string]string{
			connector.TaskClassConfig: FileSinkTaskClass,
			FileConfig:                cfg[FileConfig],
			TopicsConfig:              strings.Join(g, ","),
		}
	}
	return out, nil
}

const sinkFetchMax = 500

// FileSinkTask consumes topics from its committed positions and appends the
// values to a file.
type FileSinkTask struct {
	env    connector.Env
	log    *zap.Logger
	path   string
	topics []string
	next   map[string]int64
	file   *os.File
	writer *bufio.Writer
}

func topicOffsetKey(topic string) string {
	return "topic:" + topic
}

func (t *FileSinkTask) Start(ctx context.Context, env connector.Env, cfg map[string]string) error {
	t.env = env
	t.log = env.Logger()
	t.path = cfg[FileConfig]
	t.topics = splitList(cfg[TopicsConfig])
	t.next = make(map[string]int64, len(t.topics))

	offsets, err := env.Offsets(ctx)
	if err != nil {
		return errors.Wrap(err, "load committed offsets")
	}
	for _, topic := range t.topics {
		if raw, ok := offsets[topicOffsetKey(topic)]; ok {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "parse committed offset %q", raw)
			}
			t.next[topic] = n
		}
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", t.path)
	}
	t.file = f
	t.writer = bufio.NewWriter(f)
	t.log.Info("file sink started", zap.String("file", t.path), zap.Strings("topics", t.topics))
	return nil
}

func (t *FileSinkTask) Poll(ctx context.Context) error {
	commit := cluster.Offsets{}
	for _, topic := range t.topics {
		records, next, err := t.env.Fetch(ctx, topic, t.next[topic], sinkFetchMax)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "fetch %s", topic)
		}
		for _, rec := range records {
			if _, err := t.writer.WriteString(rec.Value + "\n"); err != nil {
				return errors.Wrapf(err, "write %s", t.path)
			}
		}
		if len(records) > 0 {
			t.next[topic] = next
			commit[topicOffsetKey(topic)] = strconv.FormatInt(next, 10)
		}
	}

	if len(commit) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
		return nil
	}

	if err := t.writer.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", t.path)
	}
	bctx, cancel := finishBatch(ctx)
	defer cancel()
	if err := t.env.CommitOffsets(bctx, commit); err != nil {
		t.log.Warn("offset commit failed", zap.String("file", t.path), zap.Error(err))
	}
	return nil
}

func (t *FileSinkTask) Stop() error {
	if t.file == nil {
		return nil
	}
	flushErr := t.writer.Flush()
	closeErr := t.file.Close()
	t.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
