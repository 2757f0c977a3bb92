package plugins

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/connector"
)

// FileSource reads lines appended to one file and publishes each line as a
// record on a topic.
type FileSource struct{}

func (FileSource) Type() connector.Type { return connector.TypeSource }

func (FileSource) Validate(cfg map[string]string) error {
	if err := requireKeys(cfg, FileConfig, TopicConfig); err != nil {
		return err
	}
	if len(splitList(cfg[TopicConfig])) != 1 {
		return errors.Wrapf(connector.ErrConfigInvalid, "%q must name exactly one topic", TopicConfig)
	}
	return nil
}

// TaskConfigs returns a single task; one file cannot be split.
func (FileSource) TaskConfigs(cfg map[string]string, _ int) ([]map[string]string, error) {
	return []map[string]string{{
		connector.TaskClassConfig: FileSourceTaskClass,
		FileConfig:                cfg[FileConfig],
		TopicConfig:               cfg[TopicConfig],
	}}, nil
}

// maxBatchBytes is the size after which one Poll stops collecting lines. A
// single longer line is still published whole.
const maxBatchBytes = 64 * 1024

// maxLineBytes is the longest line a file source accepts; a longer one
// fails the task.
var maxLineBytes = 1 << 20

var errLineTooLong = errors.New("line too long")

// FileSourceTask tails a file from its committed byte position. Only
// complete lines are published; a trailing partial line waits for its
// newline.
type FileSourceTask struct {
	env      connector.Env
	log      *zap.Logger
	path     string
	topic    string
	position int64
	file     *os.File
	watcher  *fsnotify.Watcher
}

func fileOffsetKey(path string) string {
	return "file:" + path
}

func (t *FileSourceTask) Start(ctx context.Context, env connector.Env, cfg map[string]string) error {
	t.env = env
	t.log = env.Logger()
	t.path = cfg[FileConfig]
	t.topic = cfg[TopicConfig]

	offsets, err := env.Offsets(ctx)
	if err != nil {
		return errors.Wrap(err, "load committed offsets")
	}
	if raw, ok := offsets[fileOffsetKey(t.path)]; ok {
		if t.position, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return errors.Wrapf(err, "parse committed offset %q", raw)
		}
	}

	// The parent directory is watched so the file may be created later.
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filepath.Dir(t.path)); err == nil {
			t.watcher = w
		} else {
			w.Close()
			t.log.Debug("file watch unavailable, polling", zap.String("file", t.path), zap.Error(err))
		}
	}

	t.log.Info("file source started", zap.String("file", t.path), zap.String("topic", t.topic), zap.Int64("position", t.position))
	return nil
}

func (t *FileSourceTask) open() error {
	if t.file != nil {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.file = f
	return nil
}

// readLines returns the complete lines after the current position and the
// position following the last of them.
func (t *FileSourceTask) readLines() ([]string, int64, error) {
	if _, err := t.file.Seek(t.position, io.SeekStart); err != nil {
		return nil, t.position, errors.Wrap(err, "seek")
	}
	// every line starts within maxBatchBytes, so each may read maxLineBytes
	reader := bufio.NewReader(io.LimitReader(t.file, int64(maxBatchBytes+maxLineBytes)))
	var (
		lines []string
		pos   = t.position
	)
	for pos-t.position < maxBatchBytes {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(line) >= maxLineBytes && len(lines) == 0 {
				return nil, t.position, errors.Wrapf(errLineTooLong, "%s at byte %d exceeds %d bytes", t.path, pos, maxLineBytes)
			}
			// partial line: leave it for the next poll
			break
		}
		if err != nil {
			return nil, t.position, errors.Wrap(err, "read")
		}
		pos += int64(len(line))
		lines = append(lines, string(bytes.TrimRight(line, "\r\n")))
	}
	return lines, pos, nil
}

func (t *FileSourceTask) Poll(ctx context.Context) error {
	if err := t.open(); err != nil {
		if os.IsNotExist(err) {
			return t.wait(ctx)
		}
		return errors.Wrapf(err, "open %s", t.path)
	}

	lines, next, err := t.readLines()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return t.wait(ctx)
	}

	bctx, cancel := finishBatch(ctx)
	defer cancel()
	if err := t.env.Produce(bctx, t.topic, lines); err != nil {
		return errors.Wrap(err, "produce")
	}
	t.position = next
	if err := t.env.CommitOffsets(bctx, map[string]string{fileOffsetKey(t.path): strconv.FormatInt(next, 10)}); err != nil {
		t.log.Warn("offset commit failed", zap.String("file", t.path), zap.Error(err))
	}
	return nil
}

// wait blocks until the file may have changed, pollInterval passes or ctx ends.
func (t *FileSourceTask) wait(ctx context.Context) error {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if t.watcher != nil {
		events, errs = t.watcher.Events, t.watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(t.path) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.log.Debug("file watch error", zap.Error(err))
		}
	}
}

func (t *FileSourceTask) Stop() error {
	var firstErr error
	if t.watcher != nil {
		firstErr = t.watcher.Close()
		t.watcher = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.file = nil
	}
	return firstErr
}
