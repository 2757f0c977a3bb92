package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/cluster"
)

const (
	defaultFetchMax = 100
	maxFetchMax     = 1000
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, apierror.BadRequest("invalid JSON body: %v", err))
		return
	}
	resp, err := s.coord.Heartbeat(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClusterState(w http.ResponseWriter, r *http.Request) {
	state, err := s.coord.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetOffsets(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["connector"]
	offsets, err := s.store.Offsets(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if offsets == nil {
		offsets = cluster.Offsets{}
	}
	writeJSON(w, http.StatusOK, cluster.OffsetsDocument{Connector: name, Offsets: offsets})
}

func (s *Server) handlePutOffsets(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["connector"]
	var doc cluster.OffsetsDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		s.writeError(w, apierror.BadRequest("invalid JSON body: %v", err))
		return
	}
	if doc.Connector != "" && doc.Connector != name {
		s.writeError(w, apierror.BadRequest("offsets for %q sent to %q", doc.Connector, name))
		return
	}
	if err := s.store.CommitOffsets(r.Context(), name, doc.Offsets); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req cluster.ProduceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, apierror.BadRequest("invalid JSON body: %v", err))
		return
	}
	first, err := s.store.Append(r.Context(), mux.Vars(r)["topic"], req.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.ProduceResponse{
		FirstOffset: first,
		NextOffset:  first + int64(len(req.Values)),
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var offset int64
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, apierror.BadRequest("invalid offset %q", raw))
			return
		}
		offset = n
	}
	max := defaultFetchMax
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, apierror.BadRequest("invalid max %q", raw))
			return
		}
		max = n
	}
	if max > maxFetchMax {
		max = maxFetchMax
	}

	records, next, err := s.store.Fetch(r.Context(), mux.Vars(r)["topic"], offset, max)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []cluster.TopicRecord{}
	}
	writeJSON(w, http.StatusOK, cluster.FetchResponse{Records: records, NextOffset: next})
}
