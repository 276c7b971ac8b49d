// Package shared holds utilities used across the entitled codebase that do not
// belong to any single domain or architectural layer.
//
// The testutil subpackage provides license and activation fixtures plus a
// buffered slog handler for asserting on structured log output in tests.
//
// Code here must stay free of business logic and must not depend on other
// internal packages, so that any layer can import it without cycles.
package shared
