package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const maxRequestBody = 64 << 10

// QueryRequest is the body of POST /{strategy}_query.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse carries the answer and the statement that was executed, if any.
type QueryResponse struct {
	Result string `json:"result"`
	RawSQL string `json:"raw_sql"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) queryHandler(name string, runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req QueryRequest
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			switch {
			case errors.As(err, &maxErr):
				s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			case errors.Is(err, io.EOF):
				s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body is required"})
			default:
				s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
			}
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query is required"})
			return
		}

		resp := runner.Run(r.Context(), req.Query)
		s.log.Info("api: query answered",
			"pipeline", name,
			"outcome", resp.Outcome,
			"duration", resp.Duration)

		s.writeJSON(w, http.StatusOK, QueryResponse{Result: resp.Result, RawSQL: resp.RawSQL})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
