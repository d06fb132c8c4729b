package remote

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// Authorizer decides whether a request may use the protocol endpoints.
type Authorizer func(r *http.Request) bool

// BearerToken returns an Authorizer accepting exactly one bearer token.
func BearerToken(token string) Authorizer {
	want := "Bearer " + token
	return func(r *http.Request) bool {
		return r.Header.Get("Authorization") == want
	}
}

// NewHandler serves the wire protocol backed by gw. A nil authorize allows
// every request.
func NewHandler(gw Gateway, authorize Authorizer, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &handler{gw: gw, authorize: authorize, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/changes/apply", h.handleApply)
	mux.HandleFunc("GET /v1/changes", h.handleFetch)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

type handler struct {
	gw        Gateway
	authorize Authorizer
	logger    *log.Logger
}

func (h *handler) handleApply(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w, r) {
		return
	}

	var req applyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxResponseBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	results, err := h.gw.ApplyChanges(r.Context(), req.Groups)
	if err != nil {
		h.writeError(w, "apply", err)
		return
	}

	accepted := 0
	for _, res := range results {
		if res.Accepted() {
			accepted++
		}
	}
	h.logger.Printf("Applied %d/%d changes", accepted, len(results))

	h.writeJSON(w, applyResponse{Results: results})
}

func (h *handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !h.allowed(w, r) {
		return
	}

	set, err := h.gw.FetchChanges(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeError(w, "fetch", err)
		return
	}
	if set.Entities == nil {
		set.Entities = []Entity{}
	}
	h.writeJSON(w, set)
}

func (h *handler) allowed(w http.ResponseWriter, r *http.Request) bool {
	if h.authorize == nil || h.authorize(r) {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (h *handler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncerr.ErrAuthExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, syncerr.ErrTransientNetwork):
		status = http.StatusServiceUnavailable
	case errors.Is(err, syncerr.ErrRemoteProtocol), errors.Is(err, syncerr.ErrEntryRejected):
		status = http.StatusBadRequest
	}
	h.logger.Printf("Failed to %s changes: %v", op, err)
	http.Error(w, err.Error(), status)
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("Failed to write response: %v", err)
	}
}
