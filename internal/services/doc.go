// Package services implements the business logic layer of the entitled
// server. It sits between the HTTP handlers and the license engine,
// ensuring business rules stay centralized and testable.
//
// # Architecture
//
// Services follow these architectural principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection for loose coupling
//	4. Domain-focused methods that encapsulate business rules
//
// # Service Layer Responsibilities
//
// The service layer is responsible for:
//
//	- Orchestrating issuance, admission, and verification flows
//	- Rate limiting of activation attempts per client
//	- Trust score caching
//	- Cross-cutting concerns (logging, metrics, tracing)
//	- Error transformation toward the transport layer
//
// Handlers must never reach into internal/license directly; every
// operation goes through LicenseService or HealthService.
package services
