// Package domain contains the core entitlement models. These types serve as
// the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"time"
)

// License represents one entitlement grant issued to a client.
type License struct {
	ID              string        `json:"id"`
	LicenseKey      string        `json:"license_key" validate:"required,min=19"`
	Type            LicenseType   `json:"type" validate:"required"`
	Status          LicenseStatus `json:"status" validate:"required"`
	ClientName      string        `json:"client_name"`
	ClientEmail     string        `json:"client_email" validate:"omitempty,email"`
	MaxUsers        int           `json:"max_users" validate:"min=1"`
	MaxStores       int           `json:"max_stores" validate:"min=1"`
	MaxActivations  int           `json:"max_activations" validate:"min=1"`
	AllowedDomains  []string      `json:"allowed_domains,omitempty"`
	HardwareBinding *string       `json:"hardware_binding,omitempty"`
	HardwareLock    bool          `json:"hardware_lock"`
	Features        []string      `json:"features,omitempty"`
	TemplateID      string        `json:"template_id,omitempty"`
	IssuedAt        time.Time     `json:"issued_at"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	LastActivatedAt *time.Time    `json:"last_activated_at,omitempty"`
	LastVerifiedAt  *time.Time    `json:"last_verified_at,omitempty"`
	SuspendReason   string        `json:"suspend_reason,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// LicenseStatus represents the lifecycle state of a license.
type LicenseStatus string

const (
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusExpired   LicenseStatus = "expired"
	LicenseStatusSuspended LicenseStatus = "suspended"
	LicenseStatusCancelled LicenseStatus = "cancelled"
)

// LicenseType represents the billing duration of a license.
type LicenseType string

const (
	LicenseTypeLifetime LicenseType = "lifetime"
	LicenseTypeMonthly  LicenseType = "monthly"
	LicenseTypeYearly   LicenseType = "yearly"
	LicenseTypeTrial    LicenseType = "trial"
)

// IsTerminal reports whether the status admits no further transitions.
func (s LicenseStatus) IsTerminal() bool {
	return s == LicenseStatusCancelled
}

// Activation represents one binding of a license to an environment.
// Rows are never physically deleted; deactivation flips IsActive so the
// full history remains available for risk scoring.
type Activation struct {
	ID                 string     `json:"id"`
	LicenseID          string     `json:"license_id"`
	ActivationKey      string     `json:"activation_key"`
	Domain             string     `json:"domain,omitempty"`
	HardwareID         string     `json:"hardware_id,omitempty"`
	IPAddress          string     `json:"ip_address,omitempty"`
	IsActive           bool       `json:"is_active"`
	ActivatedAt        time.Time  `json:"activated_at"`
	LastVerifiedAt     time.Time  `json:"last_verified_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
}

// AttemptOutcome classifies a recorded activation attempt.
type AttemptOutcome string

const (
	AttemptOutcomeActivated       AttemptOutcome = "activated"
	AttemptOutcomeDeactivated     AttemptOutcome = "deactivated"
	AttemptOutcomeLimitExceeded   AttemptOutcome = "limit_exceeded"
	AttemptOutcomeBindingMismatch AttemptOutcome = "binding_mismatch"
)

// ActivationAttempt is one entry of the per-license attempt log. Both
// successful and rejected attempts are recorded; the trust scorer reads
// this log to derive its signals.
type ActivationAttempt struct {
	LicenseID  string         `json:"license_id"`
	Outcome    AttemptOutcome `json:"outcome"`
	Domain     string         `json:"domain,omitempty"`
	HardwareID string         `json:"hardware_id,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// LicenseTemplate is a named preset used for bulk issuance. Caps and
// duration are copied onto issued licenses, so editing a template never
// changes licenses already issued from it.
type LicenseTemplate struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"required"`
	MaxUsers       int       `json:"max_users" validate:"min=1"`
	MaxStores      int       `json:"max_stores" validate:"min=1"`
	MaxActivations int       `json:"max_activations" validate:"min=1"`
	DurationMonths int       `json:"duration_months" validate:"min=0"` // 0 = lifetime
	Price          float64   `json:"price" validate:"min=0"`
	Features       []string  `json:"features,omitempty"`
	HardwareLock   bool      `json:"hardware_lock"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// PaymentStatus represents the settlement state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment records a renewal payment against a license. A completed payment
// whose PeriodEnd lies beyond the license's current expiry extends it.
type Payment struct {
	ID            string        `json:"id"`
	LicenseID     string        `json:"license_id"`
	Amount        float64       `json:"amount" validate:"min=0"`
	Currency      string        `json:"currency" validate:"required,len=3"`
	PaymentMethod string        `json:"payment_method"`
	Status        PaymentStatus `json:"status"`
	PeriodStart   time.Time     `json:"period_start"`
	PeriodEnd     *time.Time    `json:"period_end,omitempty"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// RiskLevel buckets a verification score.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// Restrictions echoes the entitlement caps back to the verifying client.
type Restrictions struct {
	MaxUsers       int      `json:"max_users"`
	MaxStores      int      `json:"max_stores"`
	MaxActivations int      `json:"max_activations"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// ClientInfo is the descriptive slice of a license returned on verification.
type ClientInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// VerificationResult is the verdict returned by a verification call.
// It is ephemeral and never persisted.
type VerificationResult struct {
	IsValid            bool          `json:"is_valid"`
	Status             LicenseStatus `json:"status"`
	Reason             string        `json:"reason,omitempty"`
	ClientInfo         *ClientInfo   `json:"client_info,omitempty"`
	Restrictions       *Restrictions `json:"restrictions,omitempty"`
	Features           []string      `json:"features,omitempty"`
	CurrentActivations int           `json:"current_activations"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	LastVerified       time.Time     `json:"last_verified"`
	RiskLevel          RiskLevel     `json:"risk_level"`
	VerificationScore  int           `json:"verification_score"`
}

// CreateLicenseRequest is the issuance payload.
type CreateLicenseRequest struct {
	Type           LicenseType `json:"type" validate:"required,oneof=lifetime monthly yearly trial"`
	ClientName     string      `json:"client_name" validate:"required"`
	ClientEmail    string      `json:"client_email" validate:"omitempty,email"`
	MaxUsers       int         `json:"max_users" validate:"min=1"`
	MaxStores      int         `json:"max_stores" validate:"min=1"`
	MaxActivations int         `json:"max_activations" validate:"min=1"`
	AllowedDomains []string    `json:"allowed_domains,omitempty"`
	HardwareLock   bool        `json:"hardware_lock,omitempty"`
	Features       []string    `json:"features,omitempty"`
}

// BulkGenerateRequest asks for count licenses issued from a template.
type BulkGenerateRequest struct {
	TemplateID string `json:"template_id" validate:"required"`
	Count      int    `json:"count" validate:"min=1,max=10000"`
	ClientName string `json:"client_name,omitempty"`
}

// BulkGenerateResult reports partial success of a bulk run.
type BulkGenerateResult struct {
	Issued      []License `json:"issued"`
	FailedCount int       `json:"failed_count"`
}

// ActivateRequest binds a license key to an environment.
type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=19"`
	Domain     string `json:"domain,omitempty" validate:"omitempty,fqdn"`
	HardwareID string `json:"hardware_id,omitempty"`
}

// ActivateResponse returns the opaque token used for deactivation.
type ActivateResponse struct {
	ActivationKey      string    `json:"activation_key"`
	LicenseID          string    `json:"license_id"`
	CurrentActivations int       `json:"current_activations"`
	ActivatedAt        time.Time `json:"activated_at"`
}

// DeactivateRequest releases one activation slot.
type DeactivateRequest struct {
	ActivationKey string `json:"activation_key" validate:"required,uuid4"`
	Reason        string `json:"reason,omitempty"`
}

// HeartbeatRequest refreshes the last-verified timestamp of an activation.
type HeartbeatRequest struct {
	ActivationKey string `json:"activation_key" validate:"required,uuid4"`
}

// VerifyRequest asks for a verification verdict on a license key.
// IPAddress is filled from the connection when the client omits it.
type VerifyRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Domain     string `json:"domain,omitempty"`
	HardwareID string `json:"hardware_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
}

// UpdateStatusRequest performs an administrative status transition.
type UpdateStatusRequest struct {
	Status LicenseStatus `json:"status" validate:"required,oneof=active expired suspended cancelled"`
	Reason string        `json:"reason,omitempty"`
}

// RecordPaymentRequest records a renewal payment against a license.
type RecordPaymentRequest struct {
	Amount        float64       `json:"amount" validate:"min=0"`
	Currency      string        `json:"currency" validate:"required,len=3"`
	PaymentMethod string        `json:"payment_method"`
	Status        PaymentStatus `json:"status" validate:"required,oneof=pending completed failed refunded"`
	PeriodStart   time.Time     `json:"period_start"`
	PeriodEnd     *time.Time    `json:"period_end,omitempty"`
}
