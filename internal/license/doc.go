// Package license implements the core entitlement engine: license key
// generation and parsing, domain and hardware binding checks, activation
// admission control, trust scoring, and the license lifecycle state machine.
//
// # Components
//
//   - KeyCodec generates and normalizes license keys in the canonical
//     XXXX-XXXX-XXXX-XXXX format.
//   - BindingMatcher evaluates domain patterns (exact and *.suffix
//     wildcards) and hardware bindings, including lock-on-first-use.
//   - Ledger is the activation ledger. It owns the per-license critical
//     section that makes the activation-count check and row insert atomic,
//     and converts lock contention into a retryable Busy error.
//   - Scorer computes a trust score in [0,100] from the activation history
//     of a license and maps it to a risk level.
//   - Registry owns License, LicenseTemplate, and LicensePayment entities:
//     issuance, bulk generation, status transitions, and renewals.
//   - Store is the in-memory persistence layer with JSON snapshots.
//
// # Concurrency
//
// Activation admission uses a per-license lock so unrelated licenses never
// serialize against each other. Lock acquisition is bounded by a timeout;
// contention surfaces as Busy after a small number of internal retries.
// Verification reads are unsynchronized relative to each other but read
// activation counts under the same per-license section as Activate, so a
// count never observes a half-committed activation.
package license
