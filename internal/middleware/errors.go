package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Problem is the RFC 7807 document the middleware layer emits for failures
// that never reach a handler (auth, rate limiting, panics). Handler-level
// failures go through the richer internal/errors ProblemDetails instead.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Trace  string `json:"trace_id,omitempty"`
}

// Render writes the problem document with the application/problem+json
// content type.
func (p Problem) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	return json.NewEncoder(w).Encode(p)
}

// Transport-level sentinel errors for middleware that rejects requests
// before routing.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrBadRequest         = errors.New("bad request")
	ErrInternalServer     = errors.New("internal server error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrRequestTimeout     = errors.New("request timeout")
)

type problemShape struct {
	problemType string
	title       string
	status      int
	detail      string
}

// sentinelShapes maps each sentinel to its problem document. An empty
// detail means the error's own message is used.
var sentinelShapes = []struct {
	err   error
	shape problemShape
}{
	{ErrNotFound, problemShape{"/errors/not-found", "Resource Not Found", http.StatusNotFound, ""}},
	{ErrUnauthorized, problemShape{"/errors/unauthorized", "Unauthorized", http.StatusUnauthorized, "Authentication required"}},
	{ErrForbidden, problemShape{"/errors/forbidden", "Forbidden", http.StatusForbidden, "Access denied"}},
	{ErrBadRequest, problemShape{"/errors/bad-request", "Bad Request", http.StatusBadRequest, ""}},
	{ErrInternalServer, problemShape{"/errors/internal-server-error", "Internal Server Error", http.StatusInternalServerError, "An unexpected error occurred"}},
	{ErrServiceUnavailable, problemShape{"/errors/service-unavailable", "Service Unavailable", http.StatusServiceUnavailable, "The service is temporarily unavailable"}},
	{ErrRateLimitExceeded, problemShape{"/errors/rate-limit-exceeded", "Too Many Requests", http.StatusTooManyRequests, "Rate limit exceeded. Please retry later"}},
	{ErrRequestTimeout, problemShape{"/errors/request-timeout", "Request Timeout", http.StatusGatewayTimeout, "The request took too long to process"}},
}

// mapErrorToProblem classifies err against the transport sentinels.
func mapErrorToProblem(err error, traceID string) Problem {
	for _, s := range sentinelShapes {
		if !errors.Is(err, s.err) {
			continue
		}
		detail := s.shape.detail
		if detail == "" {
			detail = err.Error()
		}
		return Problem{
			Type:   s.shape.problemType,
			Title:  s.shape.title,
			Status: s.shape.status,
			Detail: detail,
			Trace:  traceID,
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), "validation") {
		return Problem{
			Type:   "/errors/validation-failed",
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Trace:  traceID,
		}
	}

	return Problem{
		Type:   "/errors/internal-server-error",
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred",
		Trace:  traceID,
	}
}

var statusShapes = map[int]problemShape{
	http.StatusBadRequest:          {problemType: "/errors/bad-request", title: "Bad Request"},
	http.StatusUnauthorized:        {problemType: "/errors/unauthorized", title: "Unauthorized"},
	http.StatusForbidden:           {problemType: "/errors/forbidden", title: "Forbidden"},
	http.StatusNotFound:            {problemType: "/errors/not-found", title: "Not Found"},
	http.StatusMethodNotAllowed:    {problemType: "/errors/method-not-allowed", title: "Method Not Allowed"},
	http.StatusConflict:            {problemType: "/errors/conflict", title: "Conflict"},
	http.StatusTooManyRequests:     {problemType: "/errors/rate-limit-exceeded", title: "Too Many Requests"},
	http.StatusInternalServerError: {problemType: "/errors/internal-server-error", title: "Internal Server Error"},
	http.StatusServiceUnavailable:  {problemType: "/errors/service-unavailable", title: "Service Unavailable"},
	http.StatusGatewayTimeout:      {problemType: "/errors/gateway-timeout", title: "Gateway Timeout"},
}

// ProblemFromStatus builds a Problem for a bare HTTP status code.
func ProblemFromStatus(status int, detail string, traceID string) Problem {
	shape, ok := statusShapes[status]
	if !ok {
		shape = problemShape{problemType: "/errors/unknown", title: http.StatusText(status)}
	}

	return Problem{
		Type:   shape.problemType,
		Title:  shape.title,
		Status: status,
		Detail: detail,
		Trace:  traceID,
	}
}
