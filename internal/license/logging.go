package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entitled/internal/infrastructure"
)

// logOperation logs registry operation start/end with duration and
// OpenTelemetry correlation.
func (r *Registry) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	logger := infrastructure.LoggerWithContext(ctx)
	duration := time.Since(start)

	traceID := infrastructure.TraceIDFromContext(ctx)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.operation", operation),
			attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("license.success", err == nil),
		)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "operation completed")
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("trace_id", traceID),
		slog.String("component", "license_registry"),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_type", "license_operation_error"),
		)
		logger.LogAttrs(ctx, slog.LevelError, "license operation failed", attrs...)
	} else {
		logger.LogAttrs(ctx, slog.LevelInfo, "license operation completed", attrs...)
	}
}

// logAction logs a specific action with structured data and span correlation.
func (r *Registry) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	logger := infrastructure.LoggerWithContext(ctx)
	traceID := infrastructure.TraceIDFromContext(ctx)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": "license_registry",
		})
	}

	allAttrs := []slog.Attr{
		slog.String("component", "license_registry"),
		slog.String("action", action),
		slog.String("result", result),
		slog.String("trace_id", traceID),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logLicenseAction logs license-specific actions without leaking key or
// email material: keys are masked and hashed, emails masked.
func (r *Registry) logLicenseAction(ctx context.Context, level slog.Level, action, result, licenseKey, clientEmail string, attrs ...slog.Attr) {
	maskedKey := maskLicenseKey(licenseKey)
	maskedEmail := maskEmail(clientEmail)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.result", result),
			attribute.String("license.key_prefix", maskedKey),
			attribute.Bool("license.has_email", clientEmail != ""),
			attribute.String("license.operation_category", operationCategory(action)),
		)

		infrastructure.AddSpanEvent(ctx, "license.audit", map[string]interface{}{
			"action":           action,
			"result":           result,
			"license_key_hash": hashLicenseKey(licenseKey),
			"security_level":   "license_operation",
		})
	}

	licenseAttrs := []slog.Attr{
		slog.String("license_key_masked", maskedKey),
		slog.String("license_key_hash", hashLicenseKey(licenseKey)),
		slog.String("client_email_masked", maskedEmail),
		slog.String("license_operation_category", operationCategory(action)),
		slog.String("audit_category", "license_security"),
	}
	licenseAttrs = append(licenseAttrs, attrs...)

	r.logAction(ctx, level, action, result, licenseAttrs...)
}

// maskLicenseKey masks the license key for log output
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// maskEmail masks an email address while preserving the domain
func maskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIndex := strings.Index(email, "@")
	if atIndex == -1 {
		return "****"
	}

	username := email[:atIndex]
	domain := email[atIndex:]

	if len(username) <= 2 {
		return "**" + domain
	}

	return username[:1] + "****" + username[len(username)-1:] + domain
}

// hashLicenseKey creates a stable hash of the license key for audit trails
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16] // first 16 chars for audit correlation
}

// operationCategory categorizes license operations for metrics
func operationCategory(action string) string {
	switch {
	case strings.Contains(action, "issuance"), strings.Contains(action, "bulk"):
		return "issuance"
	case strings.Contains(action, "activation"), strings.Contains(action, "deactivation"):
		return "activation"
	case strings.Contains(action, "verification"), strings.Contains(action, "heartbeat"):
		return "verification"
	case strings.Contains(action, "renewal"), strings.Contains(action, "payment"):
		return "renewal"
	case strings.Contains(action, "status"), strings.Contains(action, "suspend"), strings.Contains(action, "cancel"):
		return "lifecycle"
	default:
		return "other"
	}
}

// Helper methods for specific log levels
func (r *Registry) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	r.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (r *Registry) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	r.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (r *Registry) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	r.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (r *Registry) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	r.logAction(ctx, slog.LevelError, action, result, attrs...)
}
