package errors

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// maxCapturedBody bounds how much of a request body is buffered for
// failure logging. Matches the validation layer's body limit.
const maxCapturedBody = 1 << 20

// redactedFields are stripped from logged request bodies. License and
// activation keys are credentials here and never appear in logs.
var redactedFields = []string{
	"password", "token", "secret", "api_key", "apiKey",
	"license_key", "licenseKey", "activation_key", "activationKey",
	"hardware_id", "hardwareId", "credit_card",
}

// ErrorMiddleware logs every request with a status-derived level and
// recovers panics through the shared ErrorHandler.
type ErrorMiddleware struct {
	handler *ErrorHandler
	logger  *slog.Logger
}

func NewErrorMiddleware(handler *ErrorHandler, logger *slog.Logger) *ErrorMiddleware {
	return &ErrorMiddleware{
		handler: handler,
		logger:  logger.With(slog.String("component", "error_middleware")),
	}
}

// Handler wraps next with status capture, bounded body capture and panic
// recovery. The body is re-attached so the handler still reads it.
func (m *ErrorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		var requestBody []byte
		if r.Body != nil && r.ContentLength > 0 && r.ContentLength < maxCapturedBody {
			requestBody, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				m.handler.HandlePanic(ww, r, rec)
			}
		}()

		next.ServeHTTP(ww, r)

		m.logRequest(r, ww, requestBody, time.Since(start))
	})
}

func (m *ErrorMiddleware) logRequest(r *http.Request, ww middleware.WrapResponseWriter, requestBody []byte, duration time.Duration) {
	status := ww.Status()

	level := slog.LevelInfo
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.Int("bytes", ww.BytesWritten()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	}

	if r.URL.RawQuery != "" {
		attrs = append(attrs, slog.String("query", r.URL.RawQuery))
	}

	// The body is only logged for failed requests, redacted and truncated.
	if status >= 400 && len(requestBody) > 0 {
		body := sanitizeRequestBody(string(requestBody))
		if len(body) > 500 {
			body = body[:500] + "..."
		}
		attrs = append(attrs, slog.String("request_body", body))
	}

	m.logger.LogAttrs(r.Context(), level, "http request", attrs...)
}

// sanitizeRequestBody replaces sensitive JSON fields with a placeholder.
// Non-JSON bodies pass through unchanged.
func sanitizeRequestBody(body string) string {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return body
	}

	for _, field := range redactedFields {
		if _, ok := data[field]; ok {
			data[field] = "[REDACTED]"
		}
	}

	sanitized, _ := json.Marshal(data)
	return string(sanitized)
}

// RecoveryMiddleware is a standalone panic-recovery wrapper for routes
// mounted outside the full ErrorMiddleware chain.
func RecoveryMiddleware(handler *ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					handler.HandlePanic(w, r, rec)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
