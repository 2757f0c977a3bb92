package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
)

func TestReconcilerWakeup(t *testing.T) {
	var calls atomic.Int32
	r := NewReconciler(time.Hour, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond,
		"reconciles on start")

	r.Wakeup(true)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	// non-blocking wakeups coalesce
	r.Wakeup(false)
	r.Wakeup(false)
	r.Wakeup(false)
	r.Wakeup(true)
	assert.LessOrEqual(t, calls.Load(), int32(5))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestReconcilerTicksAndSurvivesErrors(t *testing.T) {
	var calls atomic.Int32
	r := NewReconciler(10*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("store unavailable")
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestPhaseFSM(t *testing.T) {
	tests := []struct {
		name    string
		from    cluster.Phase
		op      PhaseOperation
		changed bool
		wantErr bool
		to      cluster.Phase
	}{
		{"begin from stable", cluster.PhaseStable, BeginRebalance, true, false, cluster.PhaseRebalancing},
		{"begin again while rebalancing", cluster.PhaseRebalancing, BeginRebalance, false, false, cluster.PhaseRebalancing},
		{"complete", cluster.PhaseRebalancing, CompleteRebalance, true, false, cluster.PhaseStable},
		{"complete when stable", cluster.PhaseStable, CompleteRebalance, false, true, cluster.PhaseStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := cluster.EmptyState()
			state.Phase = tt.from
			changed, err := NewPhaseFSM(state).Perform(tt.op)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.to, state.Phase)
		})
	}
}
