package web

// errors.go turns handler errors into responses.
//
// The technical error is logged with the request id; the client receives
// the mapped message from core.MapError as JSON:
//
//	{"error": "...", "message": "...", "action": "...", "code": "FILE002"}

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/ipsdiag/internal/archive"
	"github.com/JonMunkholm/ipsdiag/internal/codec"
	"github.com/JonMunkholm/ipsdiag/internal/core"
	"github.com/JonMunkholm/ipsdiag/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes its user message with statusCode.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeBody(w, r, codec.JSON, statusCode, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// statusFor picks the HTTP status for an error returned by the service.
func statusFor(err error) int {
	var ae *archive.Error
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &ae):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyUploads):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNoArchive), errors.Is(err, errArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeBody encodes v in format f. Encoding errors are only logged since
// the header has already been sent.
func writeBody(w http.ResponseWriter, r *http.Request, f codec.Format, status int, v any) {
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(status)
	if err := codec.Encode(w, f, v, r.URL.Query().Has("pretty")); err != nil {
		logging.FromContext(r.Context()).Error("response encode failed", "error", err, "format", f)
	}
}
