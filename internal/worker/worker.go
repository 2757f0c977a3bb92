package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/metrics"
)

// Config holds the settings a Worker needs from the node configuration.
type Config struct {
	ID                string
	Addr              string
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
}

// Worker runs the tasks the coordinator assigns to this node.
//
// Every heartbeat reports the generation the worker last applied, the tasks
// it still holds and their statuses. The response either asks the worker to
// revoke everything (a rebalance is in progress, or the node is not a member)
// or carries the node's assignment for a stable generation.
//
// A worker that cannot complete a heartbeat stops all of its tasks on its
// own one heartbeat interval (at most half the session) before the session
// timeout runs out. The coordinator evicts it only once the whole timeout
// has passed, so its tasks are never run twice.
//
// Thread safety:
//   - Heartbeat and Apply are serialized by mu
//   - Statuses and Info may be called concurrently from HTTP handlers
type Worker struct {
	cfg      Config
	client   *cluster.Client
	registry *connector.Registry
	log      *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	tasks          map[cluster.TaskID]*TaskRunner
	generation     int64
	phase          cluster.Phase
	member         bool
	lastContact    time.Time
	sessionTimeout time.Duration
	fenced         bool
}

// New creates a worker that talks to the coordinators behind client and
// instantiates tasks from registry.
func New(cfg Config, client *cluster.Client, registry *connector.Registry, log *zap.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	return &Worker{
		cfg:            cfg,
		client:         client,
		registry:       registry,
		log:            log.With(zap.String("node", cfg.ID)),
		now:            time.Now,
		tasks:          make(map[cluster.TaskID]*TaskRunner),
		phase:          cluster.PhaseStable,
		sessionTimeout: cfg.SessionTimeout,
	}
}

func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run heartbeats until ctx is done, then revokes every task. Between
// heartbeats it also waits on the fence deadline so tasks stop on time even
// when the next tick would come too late.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		again, err := w.Heartbeat(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("heartbeat failed", zap.Strings("coordinators", w.client.Endpoints()), zap.Error(err))
		}
		if again && ctx.Err() == nil {
			// acknowledge the revocation right away
			continue
		}

		var fence <-chan time.Time
		var timer *time.Timer
		if deadline, ok := w.FenceDeadline(); ok {
			timer = time.NewTimer(deadline.Sub(w.now()))
			fence = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.Stop()
			return nil
		case <-ticker.C:
		case <-fence:
			w.CheckSession(w.now())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fenceMarginLocked is how long before the session timeout the worker stops its
// tasks.
func (w *Worker) fenceMarginLocked() time.Duration {
	margin := w.cfg.HeartbeatInterval
	if half := w.sessionTimeout / 2; margin > half {
		margin = half
	}
	return margin
}

func (w *Worker) fenceDeadlineLocked() (time.Time, bool) {
	if len(w.tasks) == 0 || w.lastContact.IsZero() {
		return time.Time{}, false
	}
	return w.lastContact.Add(w.sessionTimeout - w.fenceMarginLocked()), true
}

// FenceDeadline reports when the worker stops its tasks unless a heartbeat
// succeeds first. It is false when nothing is held.
func (w *Worker) FenceDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fenceDeadlineLocked()
}

// Heartbeat performs one heartbeat round. It reports true when the worker
// revoked tasks for a new generation and should acknowledge immediately.
func (w *Worker) Heartbeat(ctx context.Context) (bool, error) {
	sent := w.now()
	req, deadline := w.heartbeatRequest(sent)

	hbCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	resp, err := w.client.Heartbeat(hbCtx, req)
	if err != nil {
		w.CheckSession(w.now())
		return false, err
	}

	w.mu.Lock()
	if sent.After(w.lastContact) {
		w.lastContact = sent
	}
	w.mu.Unlock()
	return w.Apply(resp), nil
}

// heartbeatRequest snapshots the worker state. The returned timeout keeps
// the call from outliving the fence deadline while tasks are held.
func (w *Worker) heartbeatRequest(now time.Time) (cluster.HeartbeatRequest, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	req := cluster.HeartbeatRequest{
		Node:       cluster.NodeInfo{ID: w.cfg.ID, Addr: w.cfg.Addr},
		Generation: w.generation,
		Held:       make([]cluster.TaskID, 0, len(w.tasks)),
		Statuses:   make([]cluster.TaskStatus, 0, len(w.tasks)),
	}
	for id, r := range w.tasks {
		req.Held = append(req.Held, id)
		req.Statuses = append(req.Statuses, r.Status())
	}
	cluster.SortTaskIDs(req.Held)

	timeout := w.cfg.HeartbeatInterval
	if deadline, ok := w.fenceDeadlineLocked(); ok {
		if left := deadline.Sub(now); left < timeout {
			timeout = left
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return req, timeout
}

// Apply reconciles the running tasks with a heartbeat response.
func (w *Worker) Apply(resp *cluster.HeartbeatResponse) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if resp.SessionTimeoutMS > 0 {
		w.sessionTimeout = time.Duration(resp.SessionTimeoutMS) * time.Millisecond
	}
	if resp.Generation < w.generation {
		w.log.Debug("ignoring stale assignment",
			zap.Int64("generation", resp.Generation), zap.Int64("applied", w.generation))
		return false
	}

	prev := w.generation
	w.generation = resp.Generation
	w.phase = resp.Phase
	w.member = resp.Member
	w.fenced = false

	if !resp.Member || resp.Phase == cluster.PhaseRebalancing {
		revoked := w.revokeAllLocked()
		if revoked > 0 || prev != resp.Generation {
			w.log.Info("revoked tasks for rebalance",
				zap.Int64("generation", resp.Generation), zap.Int("revoked", revoked), zap.Bool("member", resp.Member))
		}
		w.updateMetricsLocked()
		return resp.Member && (revoked > 0 || prev != resp.Generation)
	}

	desired := make(map[cluster.TaskID]cluster.AssignedTask, len(resp.Tasks))
	for _, at := range resp.Tasks {
		desired[at.ID] = at
	}
	for id, r := range w.tasks {
		at, ok := desired[id]
		if ok && at.Restarts == r.Restarts && maps.Equal(at.Config, r.Config) {
			continue
		}
		r.Revoke()
		delete(w.tasks, id)
	}
	for _, at := range resp.Tasks {
		if r, ok := w.tasks[at.ID]; ok {
			r.SetTarget(at.TargetState)
			continue
		}
		w.assignLocked(at)
	}
	if prev != resp.Generation {
		w.log.Info("applied assignment", zap.Int64("generation", resp.Generation), zap.Int("tasks", len(resp.Tasks)))
	}
	w.updateMetricsLocked()
	return false
}

// Assign starts at on this worker, replacing a held task with the same id
// whose config or restart count differs.
func (w *Worker) Assign(at cluster.AssignedTask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.tasks[at.ID]; ok {
		if at.Restarts == r.Restarts && maps.Equal(at.Config, r.Config) {
			r.SetTarget(at.TargetState)
			return
		}
		r.Revoke()
		delete(w.tasks, at.ID)
	}
	w.assignLocked(at)
	w.updateMetricsLocked()
}

// Revoke stops the task id and releases its resources. It reports whether
// the worker held it.
func (w *Worker) Revoke(id cluster.TaskID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.tasks[id]
	if !ok {
		return false
	}
	r.Revoke()
	delete(w.tasks, id)
	w.updateMetricsLocked()
	return true
}

func (w *Worker) assignLocked(at cluster.AssignedTask) {
	env := &clientEnv{
		client:    w.client,
		connector: at.ID.Connector,
		log:       w.log.With(zap.String("connector", at.ID.Connector), zap.Int("task", at.ID.Task)),
	}
	task, err := w.registry.NewTask(at.Config[connector.TaskClassConfig])
	r := newTaskRunner(w.cfg.ID, at, task, env, w.log)
	r.Start(at.TargetState, err)
	w.tasks[at.ID] = r
}

func (w *Worker) revokeAllLocked() int {
	n := len(w.tasks)
	var wg sync.WaitGroup
	for id, r := range w.tasks {
		wg.Add(1)
		go func(r *TaskRunner) {
			defer wg.Done()
			r.Revoke()
		}(r)
		delete(w.tasks, id)
	}
	wg.Wait()
	return n
}

// CheckSession stops every task once the fence deadline has passed without
// a successful heartbeat. It reports whether the worker fenced itself.
func (w *Worker) CheckSession(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline, ok := w.fenceDeadlineLocked()
	if !ok || now.Before(deadline) {
		return false
	}
	n := w.revokeAllLocked()
	w.fenced = true
	metrics.IncreaseFences()
	w.log.Warn("session expired, stopped all tasks",
		zap.Duration("since_last_heartbeat", now.Sub(w.lastContact)), zap.Int("stopped", n))
	w.updateMetricsLocked()
	return true
}

// Stop revokes every task.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.revokeAllLocked(); n > 0 {
		w.log.Info("stopped all tasks", zap.Int("stopped", n))
	}
	w.updateMetricsLocked()
}

func (w *Worker) updateMetricsLocked() {
	counts := make(map[string]int)
	for _, r := range w.tasks {
		counts[string(r.State())]++
	}
	metrics.SetWorkerTasks(counts)
}

// Statuses returns the status of every held task in canonical order.
func (w *Worker) Statuses() []cluster.TaskStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]cluster.TaskStatus, 0, len(w.tasks))
	for _, r := range w.tasks {
		out = append(out, r.Status())
	}
	sortStatuses(out)
	return out
}

// Generation returns the last generation the worker applied.
func (w *Worker) Generation() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// Info is the payload of the node's /info endpoint.
type Info struct {
	Node       cluster.NodeInfo `json:"node"`
	Generation int64            `json:"generation"`
	Phase      cluster.Phase    `json:"phase"`
	Member     bool             `json:"member"`
	Fenced     bool             `json:"fenced"`
	Tasks      []TaskInfo       `json:"tasks"`
}

func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		Node:       cluster.NodeInfo{ID: w.cfg.ID, Addr: w.cfg.Addr},
		Generation: w.generation,
		Phase:      w.phase,
		Member:     w.member,
		Fenced:     w.fenced,
		Tasks:      make([]TaskInfo, 0, len(w.tasks)),
	}
	for _, r := range w.tasks {
		info.Tasks = append(info.Tasks, r.Info())
	}
	sortTaskInfos(info.Tasks)
	return info
}
