// Package api is the management surface of the bridge: status inspection
// and live registry edits over HTTP. Mutations are synchronous against the
// registry; the running subscription converges within one reconciliation
// cycle.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TailGuy/opcbridge/internal/domain"
	"github.com/TailGuy/opcbridge/internal/ports"
	"github.com/TailGuy/opcbridge/internal/registry"
)

// StatusFunc assembles the live status snapshot for GET /status.
type StatusFunc func() domain.BridgeStatus

type Server struct {
	reg    *registry.Registry
	status StatusFunc
	obs    ports.Observability
	srv    *http.Server
}

// TagDTO is the JSON shape of a tag definition. Intervals travel as
// milliseconds on the wire.
type TagDTO struct {
	NodeID     string `json:"node_id"`
	Name       string `json:"name,omitempty"`
	IntervalMS int64  `json:"interval_ms,omitempty"`
	TypeHint   string `json:"type_hint,omitempty"`
}

func toDTO(d domain.TagDefinition) TagDTO {
	return TagDTO{
		NodeID:     d.NodeID,
		Name:       d.Name,
		IntervalMS: d.Interval.Milliseconds(),
		TypeHint:   d.TypeHint,
	}
}

func (t TagDTO) toDomain() domain.TagDefinition {
	return domain.TagDefinition{
		NodeID:   t.NodeID,
		Name:     t.Name,
		Interval: time.Duration(t.IntervalMS) * time.Millisecond,
		TypeHint: t.TypeHint,
	}
}

type intervalRequest struct {
	IntervalMS int64  `json:"interval_ms"`
	NodeID     string `json:"node_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the management router. metrics serves /metrics; nil
// falls back to the process-global prometheus handler.
func NewServer(addr string, reg *registry.Registry, status StatusFunc, obs ports.Observability, metrics http.Handler) *Server {
	s := &Server{reg: reg, status: status, obs: obs}
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/tags", s.handleListTags).Methods(http.MethodGet)
	r.HandleFunc("/tags", s.handlePutTags).Methods(http.MethodPut)
	r.HandleFunc("/tags/{id:.*}", s.handleDeleteTag).Methods(http.MethodDelete)
	r.HandleFunc("/config/interval", s.handlePutInterval).Methods(http.MethodPut)
	r.Handle("/metrics", metrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.obs.LogError("api_server_exited", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleListTags(w http.ResponseWriter, _ *http.Request) {
	defs := s.reg.List()
	out := make([]TagDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, toDTO(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutTags upserts one definition or a list of them. Validation
// failures reject the whole request before any change is applied.
func (s *Server) handlePutTags(w http.ResponseWriter, r *http.Request) {
	dtos, err := decodeTags(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	defs := make([]domain.TagDefinition, 0, len(dtos))
	for _, dto := range dtos {
		d := dto.toDomain()
		if d.NodeID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "node_id is required"})
			return
		}
		if dto.IntervalMS < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("interval_ms must be >= 0 for %q", d.NodeID)})
			return
		}
		defs = append(defs, d)
	}
	for _, d := range defs {
		if err := s.reg.Upsert(d); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	s.handleListTags(w, r)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tag id is required"})
		return
	}
	s.reg.Remove(id) // idempotent: deleting an unknown tag is still a 204
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	var err error
	if req.NodeID != "" {
		err = s.reg.SetInterval(req.NodeID, interval)
	} else {
		err = s.reg.SetDefaultInterval(interval)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interval_ms": req.IntervalMS,
		"revision":    s.reg.Revision(),
	})
}

// decodeTags accepts either a single TagDTO object or a JSON array.
func decodeTags(r *http.Request) ([]TagDTO, error) {
	dec := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	var list []TagDTO
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var one TagDTO
	if err := json.Unmarshal(raw, &one); err == nil {
		return []TagDTO{one}, nil
	}
	return nil, errors.New("body must be a tag object or an array of tags")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
