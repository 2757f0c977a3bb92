package coordinator

import (
	"context"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/storage"
)

// ConnectorState is the connector-level part of a status report.
type ConnectorState struct {
	State    cluster.TaskState `json:"state"`
	WorkerID string            `json:"worker_id,omitempty"`
	Trace    string            `json:"trace,omitempty"`
}

// ConnectorStatus is returned by GET /connectors/{name}/status.
type ConnectorStatus struct {
	Name      string               `json:"name"`
	Connector ConnectorState       `json:"connector"`
	Tasks     []cluster.TaskStatus `json:"tasks"`
	Type      string               `json:"type,omitempty"`
}

// ConnectorStatus composes the status of a connector and its tasks from the
// stored config, the persisted state and the statuses workers reported.
//
// A task that is not assigned in a stable generation, or whose owner has
// not reported it yet, is UNASSIGNED.
func (c *Coordinator) ConnectorStatus(ctx context.Context, name string) (*ConnectorStatus, error) {
	conn, err := c.store.GetConnector(ctx, name)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "connector %s", name)
	}
	state, err := c.store.LoadClusterState(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load cluster state")
	}
	members, err := c.store.Members(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read members")
	}

	out := &ConnectorStatus{
		Name:      name,
		Connector: ConnectorState{State: cluster.TaskRunning},
		Tasks:     []cluster.TaskStatus{},
	}
	if plugin, _, err := c.generator.Registry().Lookup(conn.Config[connector.ClassConfig]); err == nil {
		out.Type = string(plugin.Type())
	}
	if conn.TargetState == cluster.TargetPaused {
		out.Connector.State = cluster.TaskPaused
	}

	specs, err := c.generator.Tasks(name, conn.Config)
	if err != nil {
		out.Connector.State = cluster.TaskFailed
		out.Connector.Trace = fmt.Sprintf("%+v", err)
		return out, nil
	}

	reported := reportedStatuses(members)
	for _, spec := range specs {
		st := taskStatus(state, reported, spec.ID)
		out.Tasks = append(out.Tasks, st)
		if spec.ID.Task == 0 {
			out.Connector.WorkerID = st.WorkerID
		}
	}
	return out, nil
}

// TaskStatus returns the status of one task.
func (c *Coordinator) TaskStatus(ctx context.Context, id cluster.TaskID) (*cluster.TaskStatus, error) {
	status, err := c.ConnectorStatus(ctx, id.Connector)
	if err != nil {
		return nil, err
	}
	for _, st := range status.Tasks {
		if st.ID == id {
			return &st, nil
		}
	}
	return nil, apierror.NotFound("task %s not found", id)
}

func reportedStatuses(members []storage.Member) map[string]map[cluster.TaskID]cluster.TaskStatus {
	out := make(map[string]map[cluster.TaskID]cluster.TaskStatus, len(members))
	for _, m := range members {
		byTask := make(map[cluster.TaskID]cluster.TaskStatus, len(m.Statuses))
		for _, st := range m.Statuses {
			byTask[st.ID] = st
		}
		out[m.Node.ID] = byTask
	}
	return out
}

func taskStatus(state *cluster.State, reported map[string]map[cluster.TaskID]cluster.TaskStatus, id cluster.TaskID) cluster.TaskStatus {
	unassigned := cluster.TaskStatus{ID: id, State: cluster.TaskUnassigned}
	if state.Phase != cluster.PhaseStable {
		return unassigned
	}
	owner, ok := state.Owner(id)
	if !ok {
		return unassigned
	}
	unassigned.WorkerID = owner
	st, ok := reported[owner][id]
	if !ok {
		return unassigned
	}
	st.WorkerID = owner
	return st
}
