package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/coordinator"
	"github.com/dreamware/conveyor/internal/metrics"
	"github.com/dreamware/conveyor/internal/storage"
)

// maxBodyBytes bounds every request body the gateway decodes.
const maxBodyBytes = 4 << 20

var validate = validator.New()

// Options configures a Server.
type Options struct {
	// CacheTTL bounds how stale cached connector reads may be; zero disables
	// the cache
	CacheTTL time.Duration
	Version  string
	Commit   string
	// Leader reports the current lease holder, when known
	Leader func() string
}

// Server serves the public connector API and the internal cluster API of
// one coordinator replica.
type Server struct {
	store     storage.Store
	coord     *coordinator.Coordinator
	generator *connector.Generator
	cache     *cache.Cache
	opts      Options
	log       *zap.Logger
}

func New(store storage.Store, coord *coordinator.Coordinator, generator *connector.Generator, opts Options, log *zap.Logger) *Server {
	s := &Server{
		store:     store,
		coord:     coord,
		generator: generator,
		opts:      opts,
		log:       log,
	}
	if opts.CacheTTL > 0 {
		s.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	if s.opts.Leader == nil {
		s.opts.Leader = func() string { return "" }
	}
	return s
}

// Handler returns the routed handler wrapped with panic recovery and access
// logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/connectors", s.handleListConnectors).Methods(http.MethodGet)
	r.HandleFunc("/connectors", s.handleCreateConnector).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{name}", s.handleGetConnector).Methods(http.MethodGet)
	r.HandleFunc("/connectors/{name}", s.handleDeleteConnector).Methods(http.MethodDelete)
	r.HandleFunc("/connectors/{name}/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/connectors/{name}/config", s.handlePutConfig).Methods(http.MethodPut)
	r.HandleFunc("/connectors/{name}/tasks", s.handleGetTasks).Methods(http.MethodGet)
	r.HandleFunc("/connectors/{name}/status", s.handleConnectorStatus).Methods(http.MethodGet)
	r.HandleFunc("/connectors/{name}/tasks/{task:[0-9]+}/status", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/connectors/{name}/pause", s.handlePause).Methods(http.MethodPut)
	r.HandleFunc("/connectors/{name}/resume", s.handleResume).Methods(http.MethodPut)
	r.HandleFunc("/connectors/{name}/restart", s.handleRestartConnector).Methods(http.MethodPost)
	r.HandleFunc("/connectors/{name}/tasks/{task:[0-9]+}/restart", s.handleRestartTask).Methods(http.MethodPost)
	r.HandleFunc("/connector-plugins", s.handleListPlugins).Methods(http.MethodGet)

	r.HandleFunc("/cluster/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/cluster/state", s.handleClusterState).Methods(http.MethodGet)
	r.HandleFunc("/cluster/offsets/{connector}", s.handleGetOffsets).Methods(http.MethodGet)
	r.HandleFunc("/cluster/offsets/{connector}", s.handlePutOffsets).Methods(http.MethodPut)
	r.HandleFunc("/topics/{topic}/records", s.handleProduce).Methods(http.MethodPost)
	r.HandleFunc("/topics/{topic}/records", s.handleFetch).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, apierror.NotFound("no route for %s %s", req.Method, req.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, apierror.BadRequest("method %s not allowed on %s", req.Method, req.URL.Path).Body())
	})

	stdLog := zap.NewStdLog(s.log)
	var h http.Handler = r
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(stdLog), handlers.PrintRecoveryStack(true))(h)
	h = handlers.CombinedLoggingHandler(stdLog.Writer(), h)
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by route template so path parameters do not
// blow up label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.IncreaseRequests(route, r.Method, rec.code)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr := apierror.From(err)
	if apiErr.Code == apierror.ErrorGeneral {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, apiErr.HTTPCode, apiErr.Body())
}

// decode reads a JSON body into v and runs struct validation on it.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apierror.BadRequest("invalid JSON body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apierror.BadRequest("field %q failed %q validation", verrs[0].Field(), verrs[0].Tag())
		}
		return apierror.BadRequest("%s", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ServerInfo{
		Version:       s.opts.Version,
		Commit:        s.opts.Commit,
		CoordinatorID: s.coord.ID(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Health{
		Status:        "ok",
		CoordinatorID: s.coord.ID(),
		Leader:        s.opts.Leader(),
		Stats:         stats,
	})
}
