package plugins

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/connector"
)

// VerifiableSource emits {"task":id,"seqno":n} records so tests can check
// that every sequence number arrives and no task runs twice.
type VerifiableSource struct{}

func (VerifiableSource) Type() connector.Type { return connector.TypeSource }

func (VerifiableSource) Validate(cfg map[string]string) error {
	if err := requireKeys(cfg, TopicConfig); err != nil {
		return err
	}
	if raw := cfg[ThroughputConfig]; raw != "" {
		if n, err := strconv.Atoi(raw); err != nil || n < 1 {
			return errors.Wrapf(connector.ErrConfigInvalid, "%q must be a positive integer", ThroughputConfig)
		}
	}
	return nil
}

func (VerifiableSource) TaskConfigs(cfg map[string]string, maxTasks int) ([]map[string]string, error) {
	throughput := cfg[ThroughputConfig]
	if throughput == "" {
		throughput = "10"
	}
	out := make([]map[string]string, maxTasks)
	for i := range out {
		out[i] = map[string]string{
			connector.TaskClassConfig: VerifiableSourceTaskClass,
			TopicConfig:               cfg[TopicConfig],
			IDConfig:                  strconv.Itoa(i),
			ThroughputConfig:          throughput,
		}
	}
	return out, nil
}

// VerifiableRecord is the payload written by VerifiableSourceTask.
type VerifiableRecord struct {
	Task  int   `json:"task"`
	Seqno int64 `json:"seqno"`
}

type VerifiableSourceTask struct {
	env   connector.Env
	log   *zap.Logger
	topic string
	id    int
	delay time.Duration
	seqno int64
}

func seqnoKey(id int) string {
	return "seqno:" + strconv.Itoa(id)
}

func (t *VerifiableSourceTask) Start(ctx context.Context, env connector.Env, cfg map[string]string) error {
	t.env = env
	t.log = env.Logger()
	t.topic = cfg[TopicConfig]

	var err error
	if t.id, err = strconv.Atoi(cfg[IDConfig]); err != nil {
		return errors.Wrapf(err, "parse %s", IDConfig)
	}
	throughput, err := strconv.Atoi(cfg[ThroughputConfig])
	if err != nil || throughput < 1 {
		throughput = 10
	}
	t.delay = time.Second / time.Duration(throughput)

	offsets, err := env.Offsets(ctx)
	if err != nil {
		return errors.Wrap(err, "load committed offsets")
	}
	if raw, ok := offsets[seqnoKey(t.id)]; ok {
		if t.seqno, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return errors.Wrapf(err, "parse committed seqno %q", raw)
		}
	}
	return nil
}

func (t *VerifiableSourceTask) Poll(ctx context.Context) error {
	data, err := json.Marshal(VerifiableRecord{Task: t.id, Seqno: t.seqno})
	if err != nil {
		return err
	}
	if err := t.env.Produce(ctx, t.topic, []string{string(data)}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "produce")
	}
	t.seqno++
	if err := t.env.CommitOffsets(ctx, map[string]string{seqnoKey(t.id): strconv.FormatInt(t.seqno, 10)}); err != nil && ctx.Err() == nil {
		t.log.Warn("offset commit failed", zap.Int("task", t.id), zap.Error(err))
	}

	select {
	case <-ctx.Done():
	case <-time.After(t.delay):
	}
	return nil
}

func (t *VerifiableSourceTask) Stop() error {
	return nil
}
