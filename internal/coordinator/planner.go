package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/storage"
)

type PhaseOperation string

const (
	BeginRebalance    PhaseOperation = "begin_rebalance"
	CompleteRebalance PhaseOperation = "complete_rebalance"
)

var phaseEvents = []fsm.EventDesc{
	{Name: string(BeginRebalance), Src: []string{string(cluster.PhaseStable), string(cluster.PhaseRebalancing)}, Dst: string(cluster.PhaseRebalancing)},
	{Name: string(CompleteRebalance), Src: []string{string(cluster.PhaseRebalancing)}, Dst: string(cluster.PhaseStable)},
}

// PhaseFSM handles cluster phase changes.
type PhaseFSM struct {
	State *cluster.State
	fsm   *fsm.FSM
}

func NewPhaseFSM(state *cluster.State) *PhaseFSM {
	return &PhaseFSM{
		State: state,
		fsm:   fsm.NewFSM(string(state.Phase), phaseEvents, nil),
	}
}

// Perform applies operation and updates the state's phase. The first return
// value is true if the phase changed; an error means the operation is not
// permitted in the current phase.
func (p *PhaseFSM) Perform(operation PhaseOperation) (bool, error) {
	p.fsm.SetState(string(p.State.Phase))
	if err := p.fsm.Event(context.Background(), string(operation)); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return false, nil
		}
		return false, err
	}
	p.State.Phase = cluster.Phase(p.fsm.Current())
	return true, nil
}

// PlanInput is everything the leader reads before one reconcile pass.
type PlanInput struct {
	Current  *cluster.State
	Snapshot *storage.Snapshot
	// Members holds only live members
	Members []storage.Member
	Now     time.Time
}

// Plan is the outcome of one reconcile pass.
type Plan struct {
	Next      *cluster.State
	Changed   bool
	Rebalance bool
	Completed bool
	Reason    string
}

// Planner derives the next cluster state. It is pure: the same input always
// yields the same plan.
type Planner struct {
	generator *connector.Generator
}

func NewPlanner(g *connector.Generator) *Planner {
	return &Planner{generator: g}
}

// DesiredTasks generates the tasks of every connector in the snapshot. A
// connector whose generation fails gets no tasks and an entry in the
// returned error map; the others are unaffected.
func (p *Planner) DesiredTasks(snap *storage.Snapshot) (map[string][]cluster.TaskSpec, map[string]string) {
	tasks := make(map[string][]cluster.TaskSpec, len(snap.Connectors))
	var failures map[string]string
	for _, c := range snap.Connectors {
		specs, err := p.generator.Tasks(c.Name, c.Config)
		if err != nil {
			if failures == nil {
				failures = make(map[string]string)
			}
			failures[c.Name] = err.Error()
			specs = []cluster.TaskSpec{}
		}
		tasks[c.Name] = specs
	}
	return tasks, failures
}

// Plan compares the current state with the desired tasks and the live
// membership.
//
// A change in either starts a new generation in the rebalancing phase with
// the target assignment already computed. A rebalancing generation
// completes once every member reported that generation while holding no
// tasks.
func (p *Planner) Plan(in PlanInput) (*Plan, error) {
	current := in.Current
	if current == nil {
		current = cluster.EmptyState()
	}
	next := current.Clone()
	plan := &Plan{Next: next}
	phase := NewPhaseFSM(next)

	tasks, failures := p.DesiredTasks(in.Snapshot)
	workers := memberIDs(in.Members)

	tasksChanged := !sameTasks(current.Tasks, tasks)
	workersChanged := !slices.Equal(current.Workers, workers)
	if tasksChanged || workersChanged {
		if _, err := phase.Perform(BeginRebalance); err != nil {
			return nil, err
		}
		next.Generation++
		next.Workers = workers
		next.Tasks = tasks
		next.Assignment = Assign(workers, TaskIDs(tasks))
		next.ConfigOffset = in.Snapshot.Offset
		plan.Changed = true
		plan.Rebalance = true
		switch {
		case tasksChanged && workersChanged:
			plan.Reason = "tasks and membership changed"
		case tasksChanged:
			plan.Reason = "tasks changed"
		default:
			plan.Reason = "membership changed"
		}
	}

	if !maps.Equal(current.ConnectorErrors, failures) {
		next.ConnectorErrors = failures
		plan.Changed = true
	}

	if next.Phase == cluster.PhaseRebalancing && acknowledged(next, in.Members) {
		if _, err := phase.Perform(CompleteRebalance); err != nil {
			return nil, err
		}
		plan.Changed = true
		plan.Completed = true
	}

	if plan.Changed {
		next.UpdatedAt = in.Now
	}
	return plan, nil
}

// acknowledged reports whether every member of s reported s's generation
// with no tasks held.
func acknowledged(s *cluster.State, members []storage.Member) bool {
	byID := make(map[string]storage.Member, len(members))
	for _, m := range members {
		byID[m.Node.ID] = m
	}
	for _, w := range s.Workers {
		m, ok := byID[w]
		if !ok || m.Generation != s.Generation || len(m.Held) > 0 {
			return false
		}
	}
	return true
}

func memberIDs(members []storage.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Node.ID)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func sameTasks(a, b map[string][]cluster.TaskSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for name, as := range a {
		bs, ok := b[name]
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i].ID != bs[i].ID || !maps.Equal(as[i].Config, bs[i].Config) {
				return false
			}
		}
	}
	return true
}
