package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nateabele/jsengine/internal/engine"
	"github.com/nateabele/jsengine/internal/host"
	"github.com/nateabele/jsengine/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// runRequest is the JSON body for POST /v1/envs/{id}/run and /run/async.
type runRequest struct {
	Source    string `json:"source"`
	Specifier string `json:"specifier"`
	TimeoutS  *int   `json:"timeout_s"`
}

// loadRequest is the JSON body for POST /v1/envs/{id}/load.
type loadRequest struct {
	Files    []string `json:"files"`
	TimeoutS *int     `json:"timeout_s"`
}

// callRequest is the JSON body for POST /v1/envs/{id}/call.
type callRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
	TimeoutS *int   `json:"timeout_s"`
}

// runResponse is a finished run plus its decoded completion value.
type runResponse struct {
	*model.Run
	Value json.RawMessage `json:"value,omitempty"`
}

type listEnvsResponse struct {
	Envs []*model.Env `json:"envs"`
}

type globalResponse struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
	Undefined bool            `json:"undefined"`
}

func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listEnvsResponse{Envs: s.engine.ListEnvs()})
}

func (s *Server) handleCreateEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.engine.CreateEnv()
	if err != nil {
		s.writeEngineError(w, err, "failed to create environment")
		return
	}
	s.writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.engine.GetEnv(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "failed to get environment")
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DestroyEnv(chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, err, "failed to destroy environment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.runSync(w, r, engine.Request{
		EnvID:     chi.URLParam(r, "id"),
		Kind:      model.KindRun,
		TimeoutS:  req.TimeoutS,
		Source:    req.Source,
		Specifier: req.Specifier,
	})
}

func (s *Server) handleRunAsync(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	// The request context only covers recording the run; execution outlives it.
	run, err := s.engine.Submit(r.Context(), engine.Request{
		EnvID:     chi.URLParam(r, "id"),
		Kind:      model.KindRun,
		TimeoutS:  req.TimeoutS,
		Source:    req.Source,
		Specifier: req.Specifier,
	})
	if err != nil {
		s.writeEngineError(w, err, "failed to submit run")
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.runSync(w, r, engine.Request{
		EnvID:    chi.URLParam(r, "id"),
		Kind:     model.KindLoad,
		TimeoutS: req.TimeoutS,
		Files:    req.Files,
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.runSync(w, r, engine.Request{
		EnvID:    chi.URLParam(r, "id"),
		Kind:     model.KindCall,
		TimeoutS: req.TimeoutS,
		Function: req.Function,
		Args:     req.Args,
	})
}

func (s *Server) handleGetGlobal(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, err := s.engine.Global(r.Context(), chi.URLParam(r, "id"), name)
	if err != nil {
		s.writeEngineError(w, err, "failed to read global")
		return
	}

	text, err := host.EncodeResult(v)
	if err != nil {
		s.writeEngineError(w, err, "failed to read global")
		return
	}

	resp := globalResponse{Name: name, Undefined: text == ""}
	if text != "" {
		resp.Value = json.RawMessage(text)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// runSync executes req and reports the recorded run. Script failures still
// answer 200; the run carries the error.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request, req engine.Request) {
	// The run's own timeout bounds the request, not the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("clear write deadline for run", "error", err)
	}

	run, err := s.engine.Run(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err, "failed to execute run")
		return
	}

	resp := runResponse{Run: run}
	if run.Result != "" {
		resp.Value = json.RawMessage(run.Result)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeEngineError maps engine and host errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, fallback string) {
	var merr *host.MarshalError
	switch {
	case errors.Is(err, engine.ErrEnvNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrDefaultEnv):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrClosed), errors.Is(err, host.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &merr):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		s.writeError(w, http.StatusInternalServerError, fallback)
	}
}
