// Package api implements the HTTP surface (spec §6): the thin JSON boundary
// a collaborator process talks to, composing the Registry, Discovery Engine,
// and Proxy behind chi routers, one constructor per resource group
// (grounded on the teacher's pkg/api/v1 routers).
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/toolgating/toolgating/internal/logger"
	"github.com/toolgating/toolgating/pkg/gating"
	"github.com/toolgating/toolgating/pkg/gating/session"
)

// errorResponse is the structured error envelope registry/discovery/proxy
// errors are recovered into at the HTTP boundary (spec §7 "Propagation
// policy").
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("api: failed to encode response", "err", err)
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeCoreError maps a gating/session error to the HTTP status the spec's
// error taxonomy (§7) assigns it, falling back to 500 for anything
// unrecognized.
func writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gating.ErrNotFound), errors.Is(err, gating.ErrUnknownTool):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, gating.ErrDuplicateID):
		writeErr(w, http.StatusConflict, err)
	case errors.Is(err, gating.ErrForbidden):
		writeErr(w, http.StatusForbidden, err)
	case errors.Is(err, gating.ErrBackendUnavailable), errors.Is(err, gating.ErrUnsupportedTransport):
		writeErr(w, http.StatusServiceUnavailable, err)
	default:
		writeCallError(w, err)
	}
}

// writeCallError maps a *session.CallError's kind to a status code; a
// CallError is surfaced to the caller verbatim in its message (spec §7).
func writeCallError(w http.ResponseWriter, err error) {
	var ce *session.CallError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case session.CallTimeout:
			writeErr(w, http.StatusGatewayTimeout, err)
		case session.CallSessionLost:
			writeErr(w, http.StatusServiceUnavailable, err)
		case session.CallCancelled:
			writeErr(w, http.StatusServiceUnavailable, err)
		case session.CallBackendError:
			writeErr(w, http.StatusBadGateway, err)
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}
	var conn *session.ConnectError
	if errors.As(err, &conn) {
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	}
	writeErr(w, http.StatusInternalServerError, err)
}
