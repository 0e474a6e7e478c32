package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20) // generated graphs can be large
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// roleModelID reads and normalizes the {id} path segment, answering 400
// itself when it is not a role-model UUID.
func roleModelID(w http.ResponseWriter, r *http.Request) (string, bool) {
	topic, err := envelope.NormalizeTopic(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return topic, true
}

// writeStoreError maps graph store and envelope errors to status codes:
// bad entities are 422, a failed storage layer is 503.
func writeStoreError(w http.ResponseWriter, err error) {
	var serr *graphstore.StorageError
	switch {
	case graphstore.IsEntityError(err), errors.Is(err, envelope.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &serr):
		logger.Error("Graph storage unavailable: %v", err)
		writeError(w, http.StatusServiceUnavailable, "graph storage unavailable")
	case errors.Is(err, envelope.ErrInvalidTopic):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
