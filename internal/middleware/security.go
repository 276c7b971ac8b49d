package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"entitled/internal/infrastructure"
)

const apiClientKey contextKey = "api_client"

// APIClientFromContext returns the client name APIKeyAuth resolved for
// this request, or "".
func APIClientFromContext(ctx context.Context) string {
	if client, ok := ctx.Value(apiClientKey).(string); ok {
		return client
	}
	return ""
}

// APIKeyAuth guards administrative routes (issuance, lifecycle,
// payments) with a shared-key check; admission and verification
// endpoints stay open to licensed clients. validKeys maps key to client
// name. CLI clients may pass the key as an api_key query parameter.
func APIKeyAuth(logger *slog.Logger, validKeys map[string]string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}

			reject := func(logMsg, detail, event string) {
				logger.WarnContext(ctx, logMsg,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				RecordSecurityEvent(ctx, event)
				problem := ProblemFromStatus(http.StatusUnauthorized, detail, infrastructure.GetTraceID(ctx))
				problem.Render(w, r)
			}

			if apiKey == "" {
				reject("missing API key", "API key required", "api_key_missing")
				return
			}

			clientName, valid := validKeys[apiKey]
			if !valid {
				reject("invalid API key", "Invalid API key", "api_key_invalid")
				return
			}

			ctx = context.WithValue(ctx, apiClientKey, clientName)

			logger.DebugContext(ctx, "API key authentication successful",
				"client", clientName,
				"method", r.Method,
				"path", r.URL.Path,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecureHeaders stamps hardening headers on every response. Zero values
// fall back to a locked-down JSON-API posture; DevMode relaxes the CSP
// and lets HSTS apply without TLS for local testing.
type SecureHeaders struct {
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	HSTSPreload           bool

	ContentSecurityPolicy string
	XFrameOptions         string
	XContentTypeOptions   string
	XSSProtection         string
	ReferrerPolicy        string
	PermissionsPolicy     string

	DevMode bool
}

// DefaultSecureHeaders returns the production posture.
func DefaultSecureHeaders() *SecureHeaders {
	return &SecureHeaders{
		HSTSMaxAge:            63072000, // 2 years
		HSTSIncludeSubdomains: true,
		HSTSPreload:           true,
		XFrameOptions:         "DENY",
		XContentTypeOptions:   "nosniff",
		XSSProtection:         "1; mode=block",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}
}

func (sh *SecureHeaders) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sh.HSTSMaxAge > 0 && (r.TLS != nil || sh.DevMode) {
			hsts := fmt.Sprintf("max-age=%d", sh.HSTSMaxAge)
			if sh.HSTSIncludeSubdomains {
				hsts += "; includeSubDomains"
			}
			if sh.HSTSPreload {
				hsts += "; preload"
			}
			w.Header().Set("Strict-Transport-Security", hsts)
		}

		if sh.ContentSecurityPolicy != "" {
			w.Header().Set("Content-Security-Policy", sh.ContentSecurityPolicy)
		} else if !sh.DevMode {
			w.Header().Set("Content-Security-Policy", sh.defaultCSP())
		}

		setIfPresent := func(header, value string) {
			if value != "" {
				w.Header().Set(header, value)
			}
		}
		setIfPresent("X-Frame-Options", sh.XFrameOptions)
		setIfPresent("X-Content-Type-Options", sh.XContentTypeOptions)
		setIfPresent("X-XSS-Protection", sh.XSSProtection)
		setIfPresent("Referrer-Policy", sh.ReferrerPolicy)

		if sh.PermissionsPolicy != "" {
			w.Header().Set("Permissions-Policy", sh.PermissionsPolicy)
		} else if !sh.DevMode {
			w.Header().Set("Permissions-Policy", sh.defaultPermissionsPolicy())
		}

		next.ServeHTTP(w, r)
	})
}

// defaultCSP locks everything down; the server serves JSON only.
func (sh *SecureHeaders) defaultCSP() string {
	if sh.DevMode {
		return strings.Join([]string{
			"default-src 'self'",
			"connect-src *",
		}, "; ")
	}
	return strings.Join([]string{
		"default-src 'none'",
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}, "; ")
}

func (sh *SecureHeaders) defaultPermissionsPolicy() string {
	return strings.Join([]string{
		"accelerometer=()",
		"camera=()",
		"geolocation=()",
		"gyroscope=()",
		"magnetometer=()",
		"microphone=()",
		"payment=()",
		"usb=()",
		"interest-cohort=()",
	}, ", ")
}

// AuditLog records request and response around sensitive admin
// operations, tagged with the authenticated client.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			ww := &auditResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			clientName := APIClientFromContext(ctx)

			logger.InfoContext(ctx, "audit log",
				"event_type", "api_access",
				"api_client", clientName,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.Query().Encode(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "audit log complete",
				"event_type", "api_response",
				"api_client", clientName,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start).String(),
			)
		})
	}
}

type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
