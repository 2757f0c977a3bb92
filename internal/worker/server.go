package worker

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/conveyor/internal/cluster"
)

// Handler exposes the node's health, info and metrics endpoints.
//
// Endpoints:
//   - GET /health: 200 while the process is up
//   - GET /info: generation, membership and held tasks as JSON
//   - GET /tasks: status of every held task
//   - GET /metrics: prometheus metrics
func (w *Worker) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/info", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, w.Info())
	}).Methods(http.MethodGet)
	r.HandleFunc("/tasks", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, w.Statuses())
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func sortStatuses(in []cluster.TaskStatus) {
	sort.Slice(in, func(i, j int) bool { return in[i].ID.Less(in[j].ID) })
}

func sortTaskInfos(in []TaskInfo) {
	sort.Slice(in, func(i, j int) bool { return in[i].ID.Less(in[j].ID) })
}
