package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/storage"
)

const keyConnectors = "connectors"

func connectorKey(name string) string {
	return "connector/" + name
}

// invalidate drops the cached reads a local write to name affects. Other
// replicas keep serving their copy until it expires.
func (s *Server) invalidate(name string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(keyConnectors)
	s.cache.Delete(connectorKey(name))
}

// connectorConfig checks a submitted config and pins its name key to name.
func (s *Server) connectorConfig(name string, config map[string]string) (map[string]string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/?#") {
		return nil, apierror.BadRequest("invalid connector name %q", name)
	}
	if len(config) == 0 {
		return nil, apierror.BadRequest("connector config is required")
	}
	cfg := make(map[string]string, len(config)+1)
	for k, v := range config {
		cfg[k] = v
	}
	if existing, ok := cfg[connector.NameConfig]; ok && existing != name {
		return nil, apierror.BadRequest("config name %q does not match connector name %q", existing, name)
	}
	cfg[connector.NameConfig] = name
	if err := s.generator.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Server) connectorInfo(conn *storage.Connector) *ConnectorInfo {
	info := &ConnectorInfo{Name: conn.Name, Config: conn.Config, Tasks: []cluster.TaskID{}}
	if specs, err := s.generator.Tasks(conn.Name, conn.Config); err == nil {
		for _, spec := range specs {
			info.Tasks = append(info.Tasks, spec.ID)
		}
	}
	return info
}

func (s *Server) getConnectorInfo(ctx context.Context, name string) (*ConnectorInfo, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(connectorKey(name)); ok {
			if info, ok := cached.(*ConnectorInfo); ok {
				return info, nil
			}
		}
	}
	conn, err := s.store.GetConnector(ctx, name)
	if err != nil {
		return nil, err
	}
	info := s.connectorInfo(conn)
	if s.cache != nil {
		s.cache.Set(connectorKey(name), info, cache.DefaultExpiration)
	}
	return info, nil
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(keyConnectors); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	names, err := s.store.ListConnectors(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	if s.cache != nil {
		s.cache.Set(keyConnectors, names, cache.DefaultExpiration)
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectorRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cfg, err := s.connectorConfig(req.Name, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := s.store.CreateConnector(r.Context(), strings.TrimSpace(req.Name), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(conn.Name)
	s.coord.Notify()
	writeJSON(w, http.StatusCreated, s.connectorInfo(conn))
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	info, err := s.getConnectorInfo(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	info, err := s.getConnectorInfo(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info.Config)
}

// handlePutConfig creates or replaces a connector. The body is the flat
// config map.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var config map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&config); err != nil {
		s.writeError(w, apierror.BadRequest("invalid JSON body: %v", err))
		return
	}
	cfg, err := s.connectorConfig(name, config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, created, err := s.store.PutConnector(r.Context(), name, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(name)
	s.coord.Notify()

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s.connectorInfo(conn))
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := s.getConnectorInfo(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	specs, err := s.generator.Tasks(name, info.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]TaskInfo, len(specs))
	for i, spec := range specs {
		out[i] = TaskInfo{ID: spec.ID, Config: spec.Config}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.store.DeleteConnector(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(name)
	s.coord.Notify()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.ConnectorStatus(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func taskID(r *http.Request) (cluster.TaskID, error) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["task"])
	if err != nil {
		return cluster.TaskID{}, apierror.BadRequest("invalid task index %q", vars["task"])
	}
	return cluster.TaskID{Connector: vars["name"], Task: idx}, nil
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.coord.TaskStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) setTargetState(w http.ResponseWriter, r *http.Request, state cluster.TargetState) {
	if _, err := s.store.SetTargetState(r.Context(), mux.Vars(r)["name"], state); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setTargetState(w, r, cluster.TargetPaused)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setTargetState(w, r, cluster.TargetStarted)
}

func (s *Server) handleRestartConnector(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.RequestRestart(r.Context(), mux.Vars(r)["name"], storage.AllTasks); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.getConnectorInfo(r.Context(), id.Connector)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id.Task >= len(info.Tasks) {
		s.writeError(w, apierror.NotFound("task %s not found", id))
		return
	}
	if _, err := s.store.RequestRestart(r.Context(), id.Connector, id.Task); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.generator.Registry().Plugins())
}
