// Package handler implements the HTTP API: positions and risk views, trade
// submission, request inspection, owner decryption, and health.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cipherperp/cipherperp/internal/domain"
)

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes so
// every handler reports the taxonomy the same way.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidRiskInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrOperationInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAuthorization):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrContractsNotDeployed), errors.Is(err, domain.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrOracleStale), errors.Is(err, domain.ErrOracleUnavailable),
		errors.Is(err, domain.ErrEncryptionUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseListOpts extracts pagination from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID parses a numeric path parameter.
func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(r.PathValue(name), 10, 64)
}
