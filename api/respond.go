package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hemant07j07/eventstore"
	"github.com/hemant07j07/eventstore/internal/logging"
)

const maxBodyBytes = 1 << 20

// errorBody is the payload of every non-2xx response.
type errorBody struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	respondJSON(w, r, status, errorBody{Detail: detail})
}

// respondStoreError maps store and resolver failures to status codes.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "Not found")
	case errors.Is(err, eventstore.ErrIndexNotBuilt):
		respondError(w, r, http.StatusServiceUnavailable, "Index not built")
	case errors.Is(err, eventstore.ErrStoreUnavailable):
		logging.Ctx(r.Context()).Warn().Err(err).Msg("store unavailable")
		respondError(w, r, http.StatusServiceUnavailable, "Store unavailable")
	case errors.Is(err, eventstore.ErrInvalidRequest):
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		respondError(w, r, http.StatusInternalServerError, "Internal error")
	}
}

// decodeJSON reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
