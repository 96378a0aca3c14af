package ingestion

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/ddfstore/internal/errors"
)

// Handler exposes diff imports as an HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a POST endpoint taking a multipart
// "file" holding the diff and a "dataset" name.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.progress(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	dataset := strings.TrimSpace(r.FormValue("dataset"))
	if dataset == "" {
		http.Error(w, "dataset is required", http.StatusBadRequest)
		return
	}
	private, _ := strconv.ParseBool(r.FormValue("private"))

	req := Request{
		Dataset:     dataset,
		Private:     private,
		AccessToken: r.FormValue("dataset_access_token"),
		Commit:      strings.TrimSpace(r.FormValue("commit")),
		Diff:        file,
	}

	summary, err := h.service.Apply(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errors.ErrForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// progress reports the counters of a running import, 404 when none runs.
func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
	state, ok := h.service.Progress(dataset)
	if !ok {
		http.Error(w, "no import is running for "+dataset, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
