package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/loglineos/core/internal/ledgererr"
)

// statusFor implements the §7 HTTP status taxonomy: validation->400,
// authorization->403, not found->404, conflict->409, configuration->503,
// everything else->500. Transient and integrity failures surface as 500;
// a caller who wants retries reads the response body's "kind" field.
func statusFor(err error) int {
	switch ledgererr.KindOf(err) {
	case ledgererr.KindValidation:
		return http.StatusBadRequest
	case ledgererr.KindAuthorization:
		return http.StatusForbidden
	case ledgererr.KindNotFound:
		return http.StatusNotFound
	case ledgererr.KindConflict:
		return http.StatusConflict
	case ledgererr.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps err to its HTTP status and writes a JSON body. In
// production, messages for 500-class failures are redacted per §7
// ("Redact details in production"); the error kind is always disclosed
// since it carries no sensitive detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && h.IsProduction {
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Kind: ledgererr.KindOf(err).String(), Message: msg})
}
