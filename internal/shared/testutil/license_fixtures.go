package testutil

import (
	"time"

	"github.com/google/uuid"

	"entitled/pkg/contracts/domain"
)

// Fixture builders for license tests. Every builder returns a fresh
// value so tests can mutate without cross-test interference.

// ValidLicense returns an active monthly license with a month left.
func ValidLicense() *domain.License {
	now := time.Now().UTC()
	expiry := now.AddDate(0, 1, 0)
	return &domain.License{
		ID:             uuid.New().String(),
		LicenseKey:     "ABCD-EFGH-JKLM-NPQR",
		Type:           domain.LicenseTypeMonthly,
		Status:         domain.LicenseStatusActive,
		ClientName:     "Fixture Client",
		ClientEmail:    "fixture@example.com",
		MaxUsers:       5,
		MaxStores:      2,
		MaxActivations: 3,
		IssuedAt:       now.AddDate(0, 0, -1),
		ExpiresAt:      &expiry,
	}
}

// ExpiredLicense returns a license whose expiry passed ten days ago but
// whose status is still active, the shape lazy expiry acts on.
func ExpiredLicense() *domain.License {
	lic := ValidLicense()
	lic.LicenseKey = "EXPD-EFGH-JKLM-NPQR"
	expiry := time.Now().UTC().AddDate(0, 0, -10)
	lic.ExpiresAt = &expiry
	lic.IssuedAt = time.Now().UTC().AddDate(0, -1, -10)
	return lic
}

// SuspendedLicense returns a suspended license with a reason recorded.
func SuspendedLicense() *domain.License {
	lic := ValidLicense()
	lic.LicenseKey = "SUSP-EFGH-JKLM-NPQR"
	lic.Status = domain.LicenseStatusSuspended
	lic.SuspendReason = "payment dispute"
	return lic
}

// LifetimeLicense returns an active lifetime license with nil expiry.
func LifetimeLicense() *domain.License {
	lic := ValidLicense()
	lic.LicenseKey = "LIFE-EFGH-JKLM-NPQR"
	lic.Type = domain.LicenseTypeLifetime
	lic.ExpiresAt = nil
	return lic
}

// HardwareLockedLicense returns a license with hardware lock enabled and
// no binding yet, so the first activation locks it.
func HardwareLockedLicense() *domain.License {
	lic := ValidLicense()
	lic.LicenseKey = "HWLK-EFGH-JKLM-NPQR"
	lic.HardwareLock = true
	return lic
}

// DomainRestrictedLicense returns a license restricted to example.com
// and its subdomains.
func DomainRestrictedLicense() *domain.License {
	lic := ValidLicense()
	lic.LicenseKey = "DOMN-EFGH-JKLM-NPQR"
	lic.AllowedDomains = []string{"example.com", "*.example.com"}
	return lic
}

// Template returns an active yearly template.
func Template() *domain.LicenseTemplate {
	return &domain.LicenseTemplate{
		ID:             uuid.New().String(),
		Name:           "Fixture Yearly",
		DurationMonths: 12,
		MaxUsers:       10,
		MaxStores:      3,
		MaxActivations: 5,
		Features:       []string{"reports", "export"},
		Price:          99.00,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
}

// Activation returns an active activation for the given license.
func Activation(licenseID string) *domain.Activation {
	return &domain.Activation{
		ID:             uuid.New().String(),
		ActivationKey:  uuid.New().String(),
		LicenseID:      licenseID,
		Domain:         "shop.example.com",
		HardwareID:     "HW-FIXTURE-01",
		IPAddress:      "203.0.113.10",
		ActivatedAt:    time.Now().UTC(),
		LastVerifiedAt: time.Now().UTC(),
		IsActive:       true,
	}
}

// Attempt returns an activation attempt with the given outcome.
func Attempt(licenseID string, outcome domain.AttemptOutcome, ip string, at time.Time) domain.ActivationAttempt {
	return domain.ActivationAttempt{
		LicenseID:  licenseID,
		Outcome:    outcome,
		IPAddress:  ip,
		HardwareID: "HW-FIXTURE-01",
		Domain:     "shop.example.com",
		OccurredAt: at,
	}
}

// CompletedPayment returns a completed payment extending coverage by a
// month from now.
func CompletedPayment(licenseID string) domain.Payment {
	periodEnd := time.Now().UTC().AddDate(0, 1, 0)
	return domain.Payment{
		ID:            uuid.New().String(),
		LicenseID:     licenseID,
		Amount:        19.99,
		Currency:      "USD",
		PaymentMethod: "card",
		Status:        domain.PaymentStatusCompleted,
		PeriodStart:   time.Now().UTC(),
		PeriodEnd:     &periodEnd,
		RecordedAt:    time.Now().UTC(),
	}
}

// MalformedKeys lists key shapes the codec must reject.
func MalformedKeys() map[string]string {
	return map[string]string{
		"empty":         "",
		"too_short":     "ABCD-EFGH-JKLM",
		"too_long":      "ABCD-EFGH-JKLM-NPQR-WXYZ",
		"no_dashes":     "ABCDEFGHJKLMNPQR",
		"bad_group_len": "ABC-DEFGH-JKLM-NPQR",
		"special_chars": "AB@D-EFGH-JKLM-NPQR",
		"unicode":       "ABÇD-EFGH-JKLM-NPQR",
	}
}
