package gateway

import (
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/storage"
)

// ServerInfo is returned by GET /.
type ServerInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	CoordinatorID string `json:"coordinator_id"`
}

type Health struct {
	Status        string        `json:"status"`
	CoordinatorID string        `json:"coordinator_id"`
	Leader        string        `json:"leader,omitempty"`
	Stats         storage.Stats `json:"stats"`
}

// CreateConnectorRequest is the body of POST /connectors.
type CreateConnectorRequest struct {
	Name   string            `json:"name" validate:"required"`
	Config map[string]string `json:"config" validate:"required"`
}

// ConnectorInfo describes a connector and the tasks its current config
// generates.
type ConnectorInfo struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
	Tasks  []cluster.TaskID  `json:"tasks"`
}

type TaskInfo struct {
	ID     cluster.TaskID    `json:"id"`
	Config map[string]string `json:"config"`
}
