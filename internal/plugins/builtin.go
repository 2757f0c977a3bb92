// Package plugins holds the connectors compiled into every coordinator and
// node: line oriented file source and sink, and a verifiable source that
// emits sequence numbers.
package plugins

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/conveyor/internal/connector"
)

const (
	FileSourceClass       = "FileStreamSource"
	FileSinkClass         = "FileStreamSink"
	VerifiableSourceClass = "VerifiableSource"

	FileSourceTaskClass       = "org.apache.kafka.connect.file.FileStreamSourceTask"
	FileSinkTaskClass         = "org.apache.kafka.connect.file.FileStreamSinkTask"
	VerifiableSourceTaskClass = "org.apache.kafka.connect.tools.VerifiableSourceTask"

	FileConfig       = "file"
	TopicConfig      = "topic"
	TopicsConfig     = "topics"
	IDConfig         = "id"
	ThroughputConfig = "throughput"
)

// pollInterval bounds how long an idle task blocks in Poll.
var pollInterval = 250 * time.Millisecond

// batchTimeout bounds how long a batch that already reached the data path
// may take to commit its offsets once the task is revoked.
var batchTimeout = 2 * time.Second

// finishBatch returns a context that ignores the cancellation of ctx, so the
// records of a started batch and their offsets are committed together.
func finishBatch(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), batchTimeout)
}

// Builtin returns a registry with every built-in plugin and task.
func Builtin() *connector.Registry {
	r := connector.NewRegistry()
	Register(r)
	return r
}

// Register adds the built-in plugins to r.
func Register(r *connector.Registry) {
	r.Register(FileSourceClass, FileSource{}, "org.apache.kafka.connect.file.FileStreamSourceConnector")
	r.Register(FileSinkClass, FileSink{}, "org.apache.kafka.connect.file.FileStreamSinkConnector")
	r.Register(VerifiableSourceClass, VerifiableSource{}, "org.apache.kafka.connect.tools.VerifiableSourceConnector")

	r.RegisterTask(FileSourceTaskClass, func() connector.Task { return &FileSourceTask{} }, "FileStreamSourceTask")
	r.RegisterTask(FileSinkTaskClass, func() connector.Task { return &FileSinkTask{} }, "FileStreamSinkTask")
	r.RegisterTask(VerifiableSourceTaskClass, func() connector.Task { return &VerifiableSourceTask{} }, "VerifiableSourceTask")
}

func requireKeys(cfg map[string]string, keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(cfg[k]) == "" {
			return errors.Wrapf(connector.ErrConfigInvalid, "missing required config %q", k)
		}
	}
	return nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
