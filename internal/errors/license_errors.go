package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Entitlement domain errors (sentinel errors, matched with errors.Is)
var (
	ErrMalformedKey            = errors.New("malformed license key")
	ErrLicenseNotFound         = errors.New("license not found")
	ErrActivationLimitExceeded = errors.New("activation limit exceeded")
	ErrBindingMismatch         = errors.New("binding mismatch")
	ErrActivationNotFound      = errors.New("activation not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrBusy                    = errors.New("license busy")
	ErrKeyGenerationExhausted  = errors.New("key generation exhausted")
	ErrLicenseNotActive        = errors.New("license not active")
	ErrTemplateNotFound        = errors.New("license template not found")
	ErrTooManyAttempts         = errors.New("too many attempts")
)

// BusyRetryAfterSeconds is the Retry-After hint surfaced with Busy errors.
const BusyRetryAfterSeconds = 2

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	if retry, ok := pd.Extensions["retry_after"]; ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%v", retry))
	}
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	// Add standard fields
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	// Add extensions
	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/licenses#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrMalformedKey):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/malformed-key",
			"Malformed License Key",
			"License key must be four groups of four characters, e.g. AB12-CD34-EF56-GH78.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "MALFORMED_KEY").
			WithExtension("expected_format", "XXXX-XXXX-XXXX-XXXX")

	case errors.Is(err, ErrLicenseNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/license-not-found",
			"License Not Found",
			"No license exists for the provided key or identifier.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_FOUND")

	case errors.Is(err, ErrTemplateNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/template-not-found",
			"License Template Not Found",
			"No license template exists with the provided identifier.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TEMPLATE_NOT_FOUND")

	case errors.Is(err, ErrActivationLimitExceeded):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/activation-limit-exceeded",
			"Activation Limit Exceeded",
			"This license has reached its maximum number of active installations. Deactivate an existing installation to free a seat.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ACTIVATION_LIMIT_EXCEEDED")

	case errors.Is(err, ErrBindingMismatch):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/binding-mismatch",
			"Binding Mismatch",
			"The request's domain or hardware does not match the bindings recorded for this license.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "BINDING_MISMATCH")

	case errors.Is(err, ErrActivationNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/activation-not-found",
			"Activation Not Found",
			"No active installation matches the provided activation key. Re-activate to obtain a new key.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ACTIVATION_NOT_FOUND")

	case errors.Is(err, ErrInvalidStatusTransition):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/invalid-status-transition",
			"Invalid Status Transition",
			"The requested status change is not permitted from the license's current state.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_STATUS_TRANSITION")

	case errors.Is(err, ErrLicenseNotActive):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-not-active",
			"License Not Active",
			"This license is not in an active state and cannot accept new activations.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVE")

	case errors.Is(err, ErrBusy):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/busy",
			"License Busy",
			"The license is briefly locked by a concurrent operation. Retry shortly.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "BUSY").
			WithExtension("retry_after", BusyRetryAfterSeconds)

	case errors.Is(err, ErrTooManyAttempts):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/too-many-attempts",
			"Too Many Attempts",
			"Too many failed attempts from this address. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TOO_MANY_ATTEMPTS").
			WithExtension("retry_after", 900)

	case errors.Is(err, ErrKeyGenerationExhausted):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/key-generation-exhausted",
			"Key Generation Exhausted",
			"Unable to generate a unique license key after the configured number of attempts.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_GENERATION_EXHAUSTED")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
