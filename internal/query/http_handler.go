package query

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rpattn/ddfstore/internal/ddfql"
	"github.com/rpattn/ddfstore/internal/errors"
)

const maxQueryBytes = 1 << 20

// Handler serves DDFQL over HTTP.
type Handler struct {
	service *Service
}

// NewHTTPHandler accepts a query as a JSON body (POST) or as the "query" URL
// parameter (GET).
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

// request is the wire form of a query; the access token travels with it.
type request struct {
	ddfql.Query
	AccessToken string `json:"dataset_access_token,omitempty"`
}

type response struct {
	Success bool    `json:"success"`
	Data    *Result `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	switch r.Method {
	case http.MethodGet:
		raw = []byte(r.URL.Query().Get("query"))
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Error: "can't read query: " + err.Error()})
			return
		}
		raw = body
	default:
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}

	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "Query is malformed: " + err.Error()})
		return
	}
	if token := r.Header.Get("X-Dataset-Access-Token"); token != "" {
		req.AccessToken = token
	}

	result, err := h.service.Execute(r.Context(), Request{Query: req.Query, AccessToken: req.AccessToken})
	if err != nil {
		h.service.log.Warnw("query failed", "from", req.From, "dataset", req.Dataset, "error", err)
		writeJSON(w, statusOf(err), response{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: &result})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidQuery), errors.Is(err, errors.ErrUnsupported):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
