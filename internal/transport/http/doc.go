// Package http implements the HTTP transport of the entitled server.
// It provides a thin layer between HTTP and the service layer, keeping
// handlers focused solely on HTTP concerns.
//
// # Architecture Principles
//
// Handlers in this package follow these principles:
//
//	1. Thin handlers - minimal logic, delegate to services
//	2. HTTP-only concerns - request parsing, response formatting
//	3. Error transformation - convert service errors to HTTP responses
//	4. No business logic - all logic belongs in the service layer
//
// # Request Flow
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Engine
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// # Error Handling
//
// All errors follow RFC 7807 Problem Details:
//
//	{
//	    "type": "/errors/activation-limit-exceeded",
//	    "title": "Activation Limit Exceeded",
//	    "status": 409,
//	    "detail": "All activation slots for this license are in use",
//	    "instance": "/api/licenses#trace-abc123"
//	}
package http
