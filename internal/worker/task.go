package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/metrics"
)

type taskEvent string

const (
	eventStart  taskEvent = "start"
	eventPause  taskEvent = "pause"
	eventResume taskEvent = "resume"
	eventFail   taskEvent = "fail"
	eventStop   taskEvent = "stop"
)

var taskEvents = []fsm.EventDesc{
	{Name: string(eventStart), Src: []string{string(cluster.TaskUnassigned)}, Dst: string(cluster.TaskRunning)},
	{Name: string(eventPause), Src: []string{string(cluster.TaskRunning)}, Dst: string(cluster.TaskPaused)},
	{Name: string(eventResume), Src: []string{string(cluster.TaskPaused)}, Dst: string(cluster.TaskRunning)},
	{Name: string(eventFail), Src: []string{string(cluster.TaskRunning), string(cluster.TaskPaused)}, Dst: string(cluster.TaskFailed)},
	{Name: string(eventStop), Src: []string{string(cluster.TaskRunning), string(cluster.TaskPaused), string(cluster.TaskFailed)}, Dst: string(cluster.TaskUnassigned)},
}

// stopTimeout is how long Revoke waits for a Poll call to notice
// cancellation before it warns about a stuck task.
var stopTimeout = 5 * time.Second

// TaskStats tracks operational counters of a running task.
type TaskStats struct {
	Polls    uint64 `json:"polls"`
	Failures uint64 `json:"failures"`
}

// TaskInfo is what /info reports for one task.
type TaskInfo struct {
	ID       cluster.TaskID    `json:"id"`
	State    cluster.TaskState `json:"state"`
	Restarts int64             `json:"restarts"`
	Started  time.Time         `json:"started"`
	Stats    TaskStats         `json:"stats"`
}

// TaskRunner drives one connector task through its lifecycle:
// UNASSIGNED -> RUNNING <-> PAUSED, with FAILED reachable from both
// active states and every state returning to UNASSIGNED on revoke.
//
// The task's Poll loop runs on its own goroutine. Pause and resume keep
// the task's resources; only Revoke releases them.
type TaskRunner struct {
	ID       cluster.TaskID
	Config   map[string]string
	Restarts int64

	workerID string
	task     connector.Task
	env      connector.Env
	log      *zap.Logger
	started  time.Time

	mu      sync.Mutex
	fsm     *fsm.FSM
	trace   string
	stopped bool

	polls    uint64
	failures uint64

	paused atomic.Bool
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskRunner(workerID string, at cluster.AssignedTask, task connector.Task, env connector.Env, log *zap.Logger) *TaskRunner {
	return &TaskRunner{
		ID:       at.ID,
		Config:   at.Config,
		Restarts: at.Restarts,
		workerID: workerID,
		task:     task,
		env:      env,
		log:      log.With(zap.String("task", at.ID.String())),
		fsm:      fsm.NewFSM(string(cluster.TaskUnassigned), taskEvents, nil),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// transition performs e and reports whether the state changed. Events that
// are not allowed from the current state are ignored.
func (r *TaskRunner) transition(e taskEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fsm.Event(context.Background(), string(e)); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			r.log.Debug("ignored task event", zap.String("event", string(e)), zap.String("state", r.fsm.Current()))
		}
		return false
	}
	return true
}

// State returns the current lifecycle state.
func (r *TaskRunner) State() cluster.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cluster.TaskState(r.fsm.Current())
}

// Status returns the task's externally visible status.
func (r *TaskRunner) Status() cluster.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cluster.TaskStatus{
		ID:       r.ID,
		State:    cluster.TaskState(r.fsm.Current()),
		WorkerID: r.workerID,
		Trace:    r.trace,
	}
}

func (r *TaskRunner) Info() TaskInfo {
	return TaskInfo{
		ID:       r.ID,
		State:    r.State(),
		Restarts: r.Restarts,
		Started:  r.started,
		Stats: TaskStats{
			Polls:    atomic.LoadUint64(&r.polls),
			Failures: atomic.LoadUint64(&r.failures),
		},
	}
}

// Start moves the runner to target and launches the poll loop. A runner
// with a nil task (unknown task class) fails immediately with startErr.
func (r *TaskRunner) Start(target cluster.TargetState, startErr error) {
	r.started = time.Now()
	r.transition(eventStart)
	if target == cluster.TargetPaused {
		r.paused.Store(true)
		r.transition(eventPause)
	}
	if startErr != nil || r.task == nil {
		close(r.done)
		r.fail(startErr)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

func (r *TaskRunner) run(ctx context.Context) {
	defer close(r.done)

	if err := r.task.Start(ctx, r.env, r.Config); err != nil {
		if ctx.Err() == nil {
			r.fail(err)
		}
		return
	}
	r.log.Info("task started")

	for ctx.Err() == nil {
		if r.paused.Load() {
			select {
			case <-ctx.Done():
			case <-r.wake:
			}
			continue
		}
		atomic.AddUint64(&r.polls, 1)
		if err := r.task.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail(err)
			return
		}
	}
}

func (r *TaskRunner) fail(err error) {
	if err == nil {
		err = connector.ErrUnknownTaskClass
	}
	atomic.AddUint64(&r.failures, 1)
	r.mu.Lock()
	r.trace = fmt.Sprintf("%+v", err)
	r.mu.Unlock()
	if !r.transition(eventFail) {
		return
	}
	metrics.IncreaseTaskFailures()
	r.log.Error("task failed", zap.Error(err))
	r.release()
}

// SetTarget pauses or resumes the poll loop in place.
func (r *TaskRunner) SetTarget(target cluster.TargetState) {
	switch target {
	case cluster.TargetPaused:
		r.paused.Store(true)
		if r.transition(eventPause) {
			r.log.Info("task paused")
		}
	default:
		r.paused.Store(false)
		if r.transition(eventResume) {
			r.log.Info("task resumed")
		}
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Revoke stops the poll loop and releases the task's resources. It returns
// once the task no longer runs; resources are never released under a Poll
// call that is still in progress.
func (r *TaskRunner) Revoke() {
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		r.log.Warn("task ignores cancellation, still waiting for it to stop", zap.Duration("waited", stopTimeout))
		<-r.done
	}
	r.release()
	r.transition(eventStop)
	r.log.Info("task revoked")
}

func (r *TaskRunner) release() {
	r.mu.Lock()
	if r.stopped || r.task == nil {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	if err := r.task.Stop(); err != nil {
		r.log.Warn("task stop failed", zap.Error(err))
	}
}
