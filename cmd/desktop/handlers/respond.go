// Package handlers provides the REST API handlers of the desktop bridge.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError answers with the HTTP status matching the error code. The code
// is included so the UI can map it to a message.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	writeJSON(w, statusForCode(code), map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation, errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidTransition:
		return http.StatusConflict
	case errors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case errors.ErrSyncAuthFailed, errors.ErrSyncSuspended:
		return http.StatusUnauthorized
	case errors.ErrSyncFailed, errors.ErrSyncTimeout:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
