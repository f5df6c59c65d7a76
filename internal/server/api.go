package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jpalmerr/pulsequery/internal/command"
	"github.com/jpalmerr/pulsequery/internal/livesync"
	"github.com/jpalmerr/pulsequery/internal/store"
	"github.com/jpalmerr/pulsequery/query"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}

type commandRequest struct {
	Command string `json:"command"`
}

// handleListQueries returns all queries in creation order.
func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	qs, err := s.store.ListQueries(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if qs == nil {
		qs = []query.Query{}
	}
	writeJSON(w, http.StatusOK, qs, s.logger)
}

// handleCreateQuery stores a query definition as submitted. The definition
// is not validated here; malformed queries fail when they are evaluated.
func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var def query.Definition
	if !s.decode(w, r, &def) {
		return
	}

	q, err := s.store.CreateQuery(r.Context(), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := def.Validate(); err != nil {
		s.logger.Debug("stored query will not evaluate", "query", q.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": q.ID}, s.logger)
}

func (s *Server) handleRemoveQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveQuery(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetQueries(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.RemoveAllQueries(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n}, s.logger)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	rs, err := s.store.ListResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rs == nil {
		rs = []query.Result{}
	}
	writeJSON(w, http.StatusOK, rs, s.logger)
}

// handleInsertResult accepts results from external evaluators.
func (s *Server) handleInsertResult(w http.ResponseWriter, r *http.Request) {
	var res query.Result
	if !s.decode(w, r, &res) {
		return
	}

	stored, err := s.store.InsertResult(r.Context(), res)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored, s.logger)
}

func (s *Server) handleResetResults(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.RemoveAllResults(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n}, s.logger)
}

// handleRunCommand queues a command; the reply arrives on the replies
// publication.
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decode(w, r, &req) {
		return
	}

	seq, err := s.commands.Submit(req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"seq": seq}, s.logger)
}

func (s *Server) handleLastReply(w http.ResponseWriter, r *http.Request) {
	reply, err := s.store.LastReply(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply, s.logger)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)}, s.logger)
		return false
	}
	return true
}

// writeError maps sentinel errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()}, s.logger)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, livesync.ErrUnknownPublication):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidResult),
		errors.Is(err, command.ErrEmptyCommand),
		errors.Is(err, livesync.ErrMissingParam):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrCommandsDisabled):
		return http.StatusForbidden
	case errors.Is(err, command.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrClosed),
		errors.Is(err, command.ErrClosed),
		errors.Is(err, livesync.ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
