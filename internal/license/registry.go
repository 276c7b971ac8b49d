package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	apperrors "entitled/internal/errors"
	"entitled/internal/infrastructure"
	"entitled/pkg/contracts/domain"
)

// bulkIssueConcurrency bounds how many key generations run at once during a
// bulk run, so a 10k-license batch doesn't fan out unbounded goroutines.
const bulkIssueConcurrency = 16

// trialDuration is the validity window for trial licenses.
const trialDuration = 14 * 24 * time.Hour

// Registry owns License, LicenseTemplate, and LicensePayment entities. It
// orchestrates issuance, bulk generation, status transitions, and renewal
// bookkeeping from payment events.
type Registry struct {
	store               *Store
	codec               *KeyCodec
	ledger              *Ledger
	maxCollisionRetries int
	logger              *slog.Logger
	metrics             *infrastructure.BusinessMetrics
}

// NewRegistry creates a license registry.
func NewRegistry(store *Store, codec *KeyCodec, ledger *Ledger, maxCollisionRetries int, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Registry {
	if maxCollisionRetries <= 0 {
		maxCollisionRetries = 5
	}
	return &Registry{
		store:               store,
		codec:               codec,
		ledger:              ledger,
		maxCollisionRetries: maxCollisionRetries,
		logger:              logger.With(slog.String("component", "license_registry")),
		metrics:             metrics,
	}
}

// CreateLicense issues a single license.
func (r *Registry) CreateLicense(ctx context.Context, req *domain.CreateLicenseRequest) (lic *domain.License, err error) {
	start := time.Now()
	defer func() { r.logOperation(ctx, "create_license", start, err) }()

	key, err := r.generateUniqueKey(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lic = &domain.License{
		ID:             uuid.New().String(),
		LicenseKey:     key,
		Type:           req.Type,
		Status:         domain.LicenseStatusActive,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		MaxUsers:       req.MaxUsers,
		MaxStores:      req.MaxStores,
		MaxActivations: req.MaxActivations,
		AllowedDomains: append([]string(nil), req.AllowedDomains...),
		HardwareLock:   req.HardwareLock,
		Features:       append([]string(nil), req.Features...),
		IssuedAt:       now,
		ExpiresAt:      expiryForType(req.Type, now),
		UpdatedAt:      now,
	}

	if err = r.store.InsertLicense(lic); err != nil {
		// The unique-key loop above already checked, but another issuance
		// can race us between the check and the insert.
		return nil, apperrors.ErrKeyGenerationExhausted
	}

	if r.metrics != nil {
		r.metrics.LicensesIssued.Add(ctx, 1)
	}
	r.logLicenseAction(ctx, slog.LevelInfo, "license_issuance", "license issued",
		lic.LicenseKey, lic.ClientEmail,
		slog.String("license_id", lic.ID),
		slog.String("license_type", string(lic.Type)))

	return lic, nil
}

// CreateTemplate registers a bulk-issuance preset.
func (r *Registry) CreateTemplate(ctx context.Context, tpl *domain.LicenseTemplate) (*domain.LicenseTemplate, error) {
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.CreatedAt = time.Now().UTC()
	r.store.InsertTemplate(tpl)

	r.logInfo(ctx, "template_created", "license template created",
		slog.String("template_id", tpl.ID),
		slog.String("template_name", tpl.Name))
	return tpl, nil
}

// GetTemplate returns the template with the given ID.
func (r *Registry) GetTemplate(ctx context.Context, id string) (*domain.LicenseTemplate, error) {
	return r.store.GetTemplate(id)
}

// BulkGenerate issues count licenses from a template. Caps, duration, and
// features are copied onto each license so later template edits do not
// affect them. Failure of one issuance never aborts the rest: the result
// reports issued licenses alongside a failure count.
func (r *Registry) BulkGenerate(ctx context.Context, templateID string, count int, clientName string) (result *domain.BulkGenerateResult, err error) {
	start := time.Now()
	defer func() { r.logOperation(ctx, "bulk_generate", start, err) }()

	tpl, err := r.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(bulkIssueConcurrency)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued []domain.License
		failed int
	)

	for i := 0; i < count; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; everything not yet started counts as failed.
			mu.Lock()
			failed += count - i
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			lic, issueErr := r.issueFromTemplate(ctx, tpl, clientName)
			mu.Lock()
			defer mu.Unlock()
			if issueErr != nil {
				failed++
				return
			}
			issued = append(issued, *lic)
		}()
	}

	wg.Wait()

	if failed > 0 {
		r.logWarn(ctx, "bulk_generate", "bulk generation completed with failures",
			slog.String("template_id", templateID),
			slog.Int("requested", count),
			slog.Int("issued", len(issued)),
			slog.Int("failed", failed))
	}

	return &domain.BulkGenerateResult{Issued: issued, FailedCount: failed}, nil
}

// issueFromTemplate creates one license copying the template's values.
func (r *Registry) issueFromTemplate(ctx context.Context, tpl *domain.LicenseTemplate, clientName string) (*domain.License, error) {
	key, err := r.generateUniqueKey(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var expires *time.Time
	if tpl.DurationMonths > 0 {
		e := now.AddDate(0, tpl.DurationMonths, 0)
		expires = &e
	}

	licType := domain.LicenseTypeLifetime
	switch tpl.DurationMonths {
	case 0:
	case 12:
		licType = domain.LicenseTypeYearly
	default:
		licType = domain.LicenseTypeMonthly
	}

	lic := &domain.License{
		ID:             uuid.New().String(),
		LicenseKey:     key,
		Type:           licType,
		Status:         domain.LicenseStatusActive,
		ClientName:     clientName,
		MaxUsers:       tpl.MaxUsers,
		MaxStores:      tpl.MaxStores,
		MaxActivations: tpl.MaxActivations,
		HardwareLock:   tpl.HardwareLock,
		Features:       append([]string(nil), tpl.Features...),
		TemplateID:     tpl.ID,
		IssuedAt:       now,
		ExpiresAt:      expires,
		UpdatedAt:      now,
	}

	if err := r.store.InsertLicense(lic); err != nil {
		return nil, apperrors.ErrKeyGenerationExhausted
	}

	if r.metrics != nil {
		r.metrics.LicensesIssued.Add(ctx, 1)
	}
	return lic, nil
}

// generateUniqueKey draws keys until one is free, bounded by the collision
// retry budget. Exhaustion is fatal for the single issuance only.
func (r *Registry) generateUniqueKey(ctx context.Context) (string, error) {
	for attempt := 0; attempt < r.maxCollisionRetries; attempt++ {
		key, err := r.codec.Generate()
		if err != nil {
			return "", err
		}
		if !r.store.KeyExists(key) {
			return key, nil
		}
		if r.metrics != nil {
			r.metrics.KeyCollisions.Add(ctx, 1)
		}
	}

	r.logError(ctx, "key_generation", "key generation exhausted collision retries",
		slog.Int("retries", r.maxCollisionRetries))
	return "", apperrors.ErrKeyGenerationExhausted
}

// GetLicense returns a license by ID with lazy expiry applied.
func (r *Registry) GetLicense(ctx context.Context, id string) (*domain.License, error) {
	lic, err := r.store.GetLicenseByID(id)
	if err != nil {
		return nil, err
	}
	return r.applyLazyExpiry(ctx, lic)
}

// GetLicenseByKey returns a license by normalized key with lazy expiry
// applied. The key must already be normalized via KeyCodec.Parse.
func (r *Registry) GetLicenseByKey(ctx context.Context, key string) (*domain.License, error) {
	lic, err := r.store.GetLicenseByKey(key)
	if err != nil {
		return nil, err
	}
	return r.applyLazyExpiry(ctx, lic)
}

// ListLicenses returns all licenses ordered by issue time.
func (r *Registry) ListLicenses(ctx context.Context) []domain.License {
	return r.store.ListLicenses()
}

// applyLazyExpiry transitions an active license past its expiry date to
// expired at read time. There is no background expiry timer; expiry is
// always computed on demand, which eliminates clock-drift scheduling bugs.
func (r *Registry) applyLazyExpiry(ctx context.Context, lic *domain.License) (*domain.License, error) {
	if lic.Status != domain.LicenseStatusActive || lic.ExpiresAt == nil {
		return lic, nil
	}
	if time.Now().UTC().Before(*lic.ExpiresAt) {
		return lic, nil
	}

	if err := r.store.UpdateLicense(lic.ID, func(rec *domain.License) {
		// Re-check under the store lock; a renewal may have landed.
		if rec.Status == domain.LicenseStatusActive && rec.ExpiresAt != nil && !time.Now().UTC().Before(*rec.ExpiresAt) {
			rec.Status = domain.LicenseStatusExpired
		}
	}); err != nil {
		return nil, err
	}

	r.logLicenseAction(ctx, slog.LevelInfo, "license_status", "license lazily expired",
		lic.LicenseKey, lic.ClientEmail,
		slog.String("license_id", lic.ID))

	return r.store.GetLicenseByID(lic.ID)
}

// validTransitions is the administrative status transition table. Renewal
// (expired back to active) goes through RecordPayment, not UpdateStatus.
var validTransitions = map[domain.LicenseStatus][]domain.LicenseStatus{
	domain.LicenseStatusActive:    {domain.LicenseStatusExpired, domain.LicenseStatusSuspended, domain.LicenseStatusCancelled},
	domain.LicenseStatusExpired:   {domain.LicenseStatusCancelled},
	domain.LicenseStatusSuspended: {domain.LicenseStatusActive, domain.LicenseStatusCancelled},
	domain.LicenseStatusCancelled: {},
}

func transitionAllowed(from, to domain.LicenseStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpdateStatus performs an administrative status transition. Suspension
// requires a reason. Cancellation is terminal and cascades: every active
// activation is released with reason "license_cancelled". Setting the
// status a license already has is a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, licenseID string, newStatus domain.LicenseStatus, reason string) (err error) {
	start := time.Now()
	defer func() { r.logOperation(ctx, "update_status", start, err) }()

	lic, err := r.store.GetLicenseByID(licenseID)
	if err != nil {
		return err
	}

	if lic.Status == newStatus {
		return nil
	}

	if !transitionAllowed(lic.Status, newStatus) {
		r.logWarn(ctx, "license_status", "status transition rejected",
			slog.String("license_id", licenseID),
			slog.String("from", string(lic.Status)),
			slog.String("to", string(newStatus)))
		return apperrors.ErrInvalidStatusTransition
	}

	if newStatus == domain.LicenseStatusSuspended && reason == "" {
		return apperrors.ErrInvalidStatusTransition
	}

	if err = r.store.UpdateLicense(licenseID, func(rec *domain.License) {
		rec.Status = newStatus
		if newStatus == domain.LicenseStatusSuspended {
			rec.SuspendReason = reason
		}
		if newStatus == domain.LicenseStatusActive {
			rec.SuspendReason = ""
		}
	}); err != nil {
		return err
	}

	r.logLicenseAction(ctx, slog.LevelInfo, "license_status", "license status changed",
		lic.LicenseKey, lic.ClientEmail,
		slog.String("license_id", licenseID),
		slog.String("from", string(lic.Status)),
		slog.String("to", string(newStatus)),
		slog.String("reason", reason))

	// Cancellation cascade: release every active slot. Suspension keeps
	// activations in place; verification simply reports invalid.
	if newStatus == domain.LicenseStatusCancelled {
		if _, cascadeErr := r.ledger.DeactivateAllForLicense(ctx, licenseID, "license_cancelled"); cascadeErr != nil {
			return cascadeErr
		}
	}

	return nil
}

// RecordPayment records a payment against a license and applies renewal
// bookkeeping: a completed payment whose periodEnd lies beyond the current
// expiry extends it, and revives an expired license. Extension is
// monotonic, so out-of-order payment processing can never shorten a
// license.
func (r *Registry) RecordPayment(ctx context.Context, licenseID string, req *domain.RecordPaymentRequest) (payment *domain.Payment, err error) {
	start := time.Now()
	defer func() { r.logOperation(ctx, "record_payment", start, err) }()

	lic, err := r.store.GetLicenseByID(licenseID)
	if err != nil {
		return nil, err
	}
	if lic.Status.IsTerminal() {
		return nil, apperrors.ErrInvalidStatusTransition
	}

	payment = &domain.Payment{
		ID:            uuid.New().String(),
		LicenseID:     licenseID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Status:        req.Status,
		PeriodStart:   req.PeriodStart,
		PeriodEnd:     req.PeriodEnd,
		RecordedAt:    time.Now().UTC(),
	}
	r.store.InsertPayment(*payment)

	if req.Status != domain.PaymentStatusCompleted || req.PeriodEnd == nil {
		return payment, nil
	}

	extended := false
	if err = r.store.UpdateLicense(licenseID, func(rec *domain.License) {
		if rec.ExpiresAt == nil || req.PeriodEnd.After(*rec.ExpiresAt) {
			if rec.ExpiresAt != nil {
				end := *req.PeriodEnd
				rec.ExpiresAt = &end
				extended = true
			}
			// A lifetime license (nil expiry) is never shortened by a
			// payment; the payment is recorded but changes nothing.
		}
		if extended && rec.Status == domain.LicenseStatusExpired {
			rec.Status = domain.LicenseStatusActive
		}
	}); err != nil {
		return nil, err
	}

	if extended {
		r.logLicenseAction(ctx, slog.LevelInfo, "license_renewal", "license renewed",
			lic.LicenseKey, lic.ClientEmail,
			slog.String("license_id", licenseID),
			slog.Time("period_end", *req.PeriodEnd))
	}

	return payment, nil
}

// PaymentsForLicense returns all payments recorded for a license.
func (r *Registry) PaymentsForLicense(ctx context.Context, licenseID string) []domain.Payment {
	return r.store.PaymentsForLicense(licenseID)
}

// expiryForType derives the initial expiry for a directly-issued license.
func expiryForType(t domain.LicenseType, issuedAt time.Time) *time.Time {
	var e time.Time
	switch t {
	case domain.LicenseTypeMonthly:
		e = issuedAt.AddDate(0, 1, 0)
	case domain.LicenseTypeYearly:
		e = issuedAt.AddDate(1, 0, 0)
	case domain.LicenseTypeTrial:
		e = issuedAt.Add(trialDuration)
	default:
		return nil // lifetime
	}
	return &e
}
