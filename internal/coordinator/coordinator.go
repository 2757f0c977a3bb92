package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/metrics"
	"github.com/dreamware/conveyor/internal/storage"
)

// Options configures a Coordinator.
type Options struct {
	ID             string
	SessionTimeout time.Duration
}

// Coordinator answers worker heartbeats and, on the leader, reconciles the
// cluster state. Every method works on every replica; only Reconcile must be
// restricted to the lease holder.
type Coordinator struct {
	store          storage.Store
	generator      *connector.Generator
	planner        *Planner
	id             string
	sessionTimeout time.Duration
	log            *zap.Logger
	now            func() time.Time

	mu     sync.RWMutex
	notify func()
}

func New(store storage.Store, generator *connector.Generator, opts Options, log *zap.Logger) *Coordinator {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	return &Coordinator{
		store:          store,
		generator:      generator,
		planner:        NewPlanner(generator),
		id:             opts.ID,
		sessionTimeout: opts.SessionTimeout,
		log:            log,
		now:            time.Now,
		notify:         func() {},
	}
}

// SetNotify registers a callback for events that may let the cluster make
// progress: a config write, a rebalance acknowledgement or a new worker.
// The leader wires it to its reconciler's Wakeup.
func (c *Coordinator) SetNotify(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Notify triggers the registered callback.
func (c *Coordinator) Notify() {
	c.mu.RLock()
	fn := c.notify
	c.mu.RUnlock()
	fn()
}

func (c *Coordinator) ID() string {
	return c.id
}

func (c *Coordinator) SessionTimeout() time.Duration {
	return c.sessionTimeout
}

// Reconcile performs one leader pass: read configs and live members, plan,
// and persist the next state if anything changed. A concurrent write by
// another leader surfaces as storage.ErrConflict.
func (c *Coordinator) Reconcile(ctx context.Context) (*cluster.State, error) {
	current, err := c.store.LoadClusterState(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load cluster state")
	}
	snap, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read config snapshot")
	}
	members, err := c.store.Members(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read members")
	}
	now := c.now()

	plan, err := c.planner.Plan(PlanInput{
		Current:  current,
		Snapshot: snap,
		Members:  LiveMembers(members, now, c.sessionTimeout),
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	if !plan.Changed {
		metrics.UpdateClusterState(current.Generation, string(current.Phase))
		return current, nil
	}

	if err := c.store.SaveClusterState(ctx, plan.Next, current.Version); err != nil {
		return nil, pkgerrors.Wrap(err, "save cluster state")
	}
	metrics.UpdateClusterState(plan.Next.Generation, string(plan.Next.Phase))

	fields := []zap.Field{
		zap.Int64("generation", plan.Next.Generation),
		zap.String("phase", string(plan.Next.Phase)),
		zap.Strings("workers", plan.Next.Workers),
		zap.Int("tasks", len(TaskIDs(plan.Next.Tasks))),
	}
	if plan.Rebalance {
		metrics.IncreaseRebalances()
		c.log.Info("rebalance started", append(fields, zap.String("reason", plan.Reason))...)
	}
	if plan.Completed {
		c.log.Info("rebalance completed", fields...)
	}
	for name, msg := range plan.Next.ConnectorErrors {
		if current.ConnectorErrors[name] != msg {
			c.log.Warn("connector task generation failed", zap.String("connector", name), zap.String("error", msg))
		}
	}
	return plan.Next, nil
}

// Heartbeat records a worker heartbeat and returns the worker's view of the
// latest persisted state.
func (c *Coordinator) Heartbeat(ctx context.Context, req cluster.HeartbeatRequest) (*cluster.HeartbeatResponse, error) {
	if req.Node.ID == "" {
		return nil, apierror.BadRequest("heartbeat is missing the node id")
	}
	metrics.IncreaseHeartbeats()

	err := c.store.RecordHeartbeat(ctx, storage.Member{
		Node:       req.Node,
		LastSeen:   c.now(),
		Generation: req.Generation,
		Held:       req.Held,
		Statuses:   req.Statuses,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "record heartbeat")
	}

	state, err := c.store.LoadClusterState(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load cluster state")
	}

	resp := &cluster.HeartbeatResponse{
		Generation:       state.Generation,
		Phase:            state.Phase,
		Member:           state.IsMember(req.Node.ID),
		Tasks:            []cluster.AssignedTask{},
		SessionTimeoutMS: c.sessionTimeout.Milliseconds(),
	}

	switch {
	case !resp.Member:
		c.Notify()
		return resp, nil
	case state.Phase == cluster.PhaseRebalancing:
		if req.Generation == state.Generation && len(req.Held) == 0 {
			c.Notify()
		}
		return resp, nil
	}

	tasks, err := c.assignedTasks(ctx, state, req.Node.ID)
	if err != nil {
		return nil, err
	}
	resp.Tasks = tasks
	return resp, nil
}

// assignedTasks resolves a worker's share of a stable state with the
// connectors' current target states and restart counters. Tasks of
// connectors deleted since the state was written are left out so the
// worker stops them before the next generation.
func (c *Coordinator) assignedTasks(ctx context.Context, state *cluster.State, workerID string) ([]cluster.AssignedTask, error) {
	ids := state.Assignment[workerID]
	out := make([]cluster.AssignedTask, 0, len(ids))
	connectors := make(map[string]*storage.Connector)
	for _, id := range ids {
		conn, ok := connectors[id.Connector]
		if !ok {
			var err error
			conn, err = c.store.GetConnector(ctx, id.Connector)
			if errors.Is(err, storage.ErrNotFound) {
				conn = nil
			} else if err != nil {
				return nil, pkgerrors.Wrapf(err, "load connector %s", id.Connector)
			}
			connectors[id.Connector] = conn
		}
		if conn == nil {
			continue
		}
		cfg, ok := state.TaskConfig(id)
		if !ok {
			continue
		}
		target := conn.TargetState
		if target == "" {
			target = cluster.TargetStarted
		}
		out = append(out, cluster.AssignedTask{
			ID:          id,
			Config:      cfg,
			TargetState: target,
			Restarts:    conn.RestartCount(id.Task),
		})
	}
	return out, nil
}

// State returns the latest persisted cluster state.
func (c *Coordinator) State(ctx context.Context) (*cluster.State, error) {
	return c.store.LoadClusterState(ctx)
}
