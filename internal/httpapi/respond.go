package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
)

// envelope is the success shape of every JSON response.
type envelope struct {
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId"`
}

// errorBody is the RFC-7807-like error shape.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	RequestID string `json:"requestId"`
}

// writeJSON writes a success envelope with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{
		Payload:   payload,
		RequestID: middleware.GetReqID(r.Context()),
	}); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the error shape with the given status code.
func writeError(w http.ResponseWriter, r *http.Request, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorBody{
		Error:     kind,
		Message:   message,
		Path:      r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
	}); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to encode error response")
	}
}

// writeAppError maps the error taxonomy onto HTTP statuses. Internal
// errors hide their cause from the client; the request id correlates
// the response with server logs.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)

	message := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}
	if kind == apperr.Internal {
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		message = "internal server error"
	}
	writeError(w, r, status, string(kind), message)
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
