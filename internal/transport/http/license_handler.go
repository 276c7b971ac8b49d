package http

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "entitled/internal/errors"
	"entitled/internal/infrastructure"
	"entitled/internal/services"
	"entitled/pkg/contracts/domain"
)

// validate checks request payloads against their struct tags.
var validate = validator.New()

// LicenseHandler handles license-related HTTP requests.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints.
// Routes builds the license router. Middleware passed in adminMiddleware
// wraps only the issuance and administration endpoints; the admission
// endpoints stay open to client machines.
func (h *LicenseHandler) Routes(adminMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	// Admission and verification
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/verify", h.Verify)

	// Issuance and administration
	r.Group(func(r chi.Router) {
		r.Use(adminMiddleware...)
		r.Post("/", h.Issue)
		r.Get("/", h.List)
		r.Post("/bulk", h.BulkGenerate)
		r.Post("/templates", h.CreateTemplate)
		r.Get("/templates/{templateID}", h.GetTemplate)
		r.Get("/{licenseID}", h.Get)
		r.Put("/{licenseID}/status", h.UpdateStatus)
		r.Get("/{licenseID}/activations", h.ActivationHistory)
		r.Post("/{licenseID}/payments", h.RecordPayment)
		r.Get("/{licenseID}/payments", h.ListPayments)
	})

	return r
}

// Issue handles POST /api/licenses.
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.CreateLicenseRequest{}
	if !h.decode(w, r, req) {
		return
	}

	lic, err := h.service.Issue(ctx, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic)
}

// List handles GET /api/licenses.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	licenses, err := h.service.List(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// Get handles GET /api/licenses/{licenseID}.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lic, err := h.service.Get(ctx, chi.URLParam(r, "licenseID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, lic)
}

// BulkGenerate handles POST /api/licenses/bulk.
func (h *LicenseHandler) BulkGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	req := &domain.BulkGenerateRequest{}
	if !h.decode(w, r, req) {
		return
	}

	result, err := h.service.BulkGenerate(ctx, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "bulk generation completed",
		slog.String("request_id", reqID),
		slog.String("template_id", req.TemplateID),
		slog.Int("requested", req.Count),
		slog.Int("issued", len(result.Issued)),
		slog.Int("failed", result.FailedCount))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// CreateTemplate handles POST /api/licenses/templates.
func (h *LicenseHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tpl := &domain.LicenseTemplate{}
	if !h.decode(w, r, tpl) {
		return
	}

	created, err := h.service.CreateTemplate(ctx, tpl)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, created)
}

// GetTemplate handles GET /api/licenses/templates/{templateID}.
func (h *LicenseHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tpl, err := h.service.GetTemplate(ctx, chi.URLParam(r, "templateID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, tpl)
}

// UpdateStatus handles PUT /api/licenses/{licenseID}/status.
func (h *LicenseHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	req := &domain.UpdateStatusRequest{}
	if !h.decode(w, r, req) {
		return
	}

	lic, err := h.service.UpdateStatus(ctx, licenseID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, lic)
}

// ActivationHistory handles GET /api/licenses/{licenseID}/activations.
func (h *LicenseHandler) ActivationHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	history, err := h.service.ActivationHistory(ctx, licenseID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"license_id":  licenseID,
		"activations": history,
		"count":       len(history),
	})
}

// RecordPayment handles POST /api/licenses/{licenseID}/payments.
func (h *LicenseHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	req := &domain.RecordPaymentRequest{}
	if !h.decode(w, r, req) {
		return
	}

	payment, err := h.service.RecordPayment(ctx, licenseID, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, payment)
}

// ListPayments handles GET /api/licenses/{licenseID}/payments.
func (h *LicenseHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseID := chi.URLParam(r, "licenseID")

	payments, err := h.service.Payments(ctx, licenseID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"license_id": licenseID,
		"payments":   payments,
		"count":      len(payments),
	})
}

// Activate handles POST /api/licenses/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses/activate"),
			attribute.String("request_id", reqID),
			attribute.String("component", "license_handler"),
		),
	)
	defer span.End()

	req := &domain.ActivateRequest{}
	if !h.decode(w, r, req) {
		span.SetAttributes(attribute.String("error.type", "request_decode"))
		return
	}

	maskedKey := maskLicenseKeyForLogging(req.LicenseKey)
	span.SetAttributes(
		attribute.String("license.key_prefix", maskedKey),
		attribute.String("license.operation", "activation"),
	)

	h.logger.InfoContext(ctx, "activation request started",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("license_key", maskedKey),
		slog.String("domain", req.Domain),
		slog.String("remote_addr", r.RemoteAddr))

	resp, err := h.service.Activate(ctx, req, clientIP(r))
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", "success"),
		attribute.Int("license.current_activations", resp.CurrentActivations),
	)
	infrastructure.AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
		"license_id": resp.LicenseID,
		"component":  "license_handler",
		"operation":  "activation",
	})

	h.logger.InfoContext(ctx, "activation request completed",
		slog.String("request_id", reqID),
		slog.String("license_key", maskedKey),
		slog.Duration("latency", latency),
		slog.Int("current_activations", resp.CurrentActivations))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// Deactivate handles POST /api/licenses/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	req := &domain.DeactivateRequest{}
	if !h.decode(w, r, req) {
		return
	}

	if err := h.service.Deactivate(ctx, req); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "deactivation completed",
		slog.String("request_id", reqID),
		slog.String("reason", req.Reason))

	render.JSON(w, r, map[string]interface{}{
		"success":   true,
		"trace_id":  reqID,
		"timestamp": time.Now().UTC(),
	})
}

// Heartbeat handles POST /api/licenses/heartbeat.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &domain.HeartbeatRequest{}
	if !h.decode(w, r, req) {
		return
	}

	if err := h.service.Heartbeat(ctx, req); err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"success":   true,
		"timestamp": time.Now().UTC(),
	})
}

// Verify handles POST /api/licenses/verify.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses/verify"),
			attribute.String("request_id", reqID),
			attribute.String("component", "license_handler"),
			attribute.String("operation", "verify"),
		),
	)
	defer span.End()

	req := &domain.VerifyRequest{}
	if !h.decode(w, r, req) {
		span.SetAttributes(attribute.String("error.type", "request_decode"))
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}

	result, err := h.service.Verify(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("license.valid", result.IsValid),
		attribute.Int("license.score", result.VerificationScore),
		attribute.String("license.risk_level", string(result.RiskLevel)),
	)

	render.JSON(w, r, result)
}

// decode parses and validates a JSON request body. It writes the problem
// response itself and reports whether the caller should proceed.
func (h *LicenseHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := render.Decode(r, v); err != nil {
		h.logger.ErrorContext(ctx, "failed to decode request",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path))

		problem := apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", infrastructure.TraceIDFromContext(ctx))

		render.Render(w, r, problem)
		return false
	}

	if err := validate.Struct(v); err != nil {
		h.logger.WarnContext(ctx, "request validation failed",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path))

		problem := apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/validation-failed",
			"Validation Failed",
			validationDetail(err),
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", infrastructure.TraceIDFromContext(ctx))

		render.Render(w, r, problem)
		return false
	}

	return true
}

// handleError centralizes error handling for the handler.
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = reqID
	}

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method))

	problem := apperrors.MapLicenseError(err, traceID)
	if pd, ok := problem.(*apperrors.ProblemDetails); ok {
		pd.WithExtension("request_id", reqID).
			WithExtension("path", r.URL.Path).
			WithExtension("timestamp", time.Now().UTC())
	}

	render.Render(w, r, problem)
}

// validationDetail flattens validator errors into a readable message.
func validationDetail(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag()+" validation")
	}
	return strings.Join(parts, "; ")
}

// clientIP extracts the originating client address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// maskLicenseKeyForLogging masks license key for secure logging.
func maskLicenseKeyForLogging(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
