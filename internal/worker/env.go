package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
)

// clientEnv gives a task access to topics and its connector's offsets
// through the coordinator API.
type clientEnv struct {
	client    *cluster.Client
	connector string
	log       *zap.Logger
}

func (e *clientEnv) Produce(ctx context.Context, topic string, values []string) error {
	_, err := e.client.Produce(ctx, topic, values)
	return err
}

func (e *clientEnv) Fetch(ctx context.Context, topic string, offset int64, max int) ([]cluster.TopicRecord, int64, error) {
	resp, err := e.client.Fetch(ctx, topic, offset, max)
	if err != nil {
		return nil, offset, err
	}
	return resp.Records, resp.NextOffset, nil
}

func (e *clientEnv) Offsets(ctx context.Context) (cluster.Offsets, error) {
	return e.client.Offsets(ctx, e.connector)
}

func (e *clientEnv) CommitOffsets(ctx context.Context, offsets cluster.Offsets) error {
	return e.client.CommitOffsets(ctx, e.connector, offsets)
}

func (e *clientEnv) Logger() *zap.Logger {
	return e.log
}
