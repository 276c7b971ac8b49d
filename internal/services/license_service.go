package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apperrors "entitled/internal/errors"
	"entitled/internal/infrastructure"
	"entitled/internal/license"
	"entitled/pkg/contracts/domain"
)

// LicenseService provides the business operations of the entitlement engine.
type LicenseService interface {
	// Issuance
	Issue(ctx context.Context, req *domain.CreateLicenseRequest) (*domain.License, error)
	BulkGenerate(ctx context.Context, req *domain.BulkGenerateRequest) (*domain.BulkGenerateResult, error)
	CreateTemplate(ctx context.Context, tpl *domain.LicenseTemplate) (*domain.LicenseTemplate, error)
	GetTemplate(ctx context.Context, id string) (*domain.LicenseTemplate, error)

	// Lookup
	Get(ctx context.Context, id string) (*domain.License, error)
	GetByKey(ctx context.Context, rawKey string) (*domain.License, error)
	List(ctx context.Context) ([]domain.License, error)
	ActivationHistory(ctx context.Context, licenseID string) ([]domain.Activation, error)

	// Admission
	Activate(ctx context.Context, req *domain.ActivateRequest, ipAddress string) (*domain.ActivateResponse, error)
	Deactivate(ctx context.Context, req *domain.DeactivateRequest) error
	Heartbeat(ctx context.Context, req *domain.HeartbeatRequest) error

	// Verification
	Verify(ctx context.Context, req *domain.VerifyRequest) (*domain.VerificationResult, error)

	// Lifecycle
	UpdateStatus(ctx context.Context, licenseID string, req *domain.UpdateStatusRequest) (*domain.License, error)
	RecordPayment(ctx context.Context, licenseID string, req *domain.RecordPaymentRequest) (*domain.Payment, error)
	Payments(ctx context.Context, licenseID string) ([]domain.Payment, error)
}

// licenseService wires the registry, ledger, scorer, and limiter together.
type licenseService struct {
	registry *license.Registry
	ledger   *license.Ledger
	store    *license.Store
	codec    *license.KeyCodec
	matcher  *license.BindingMatcher
	scorer   *license.Scorer
	cache    *license.ScoreCache
	limiter  *license.AttemptLimiter
	logger   *slog.Logger
	metrics  *infrastructure.BusinessMetrics
}

// LicenseServiceDeps carries the constructor dependencies.
type LicenseServiceDeps struct {
	Registry *license.Registry
	Ledger   *license.Ledger
	Store    *license.Store
	Codec    *license.KeyCodec
	Matcher  *license.BindingMatcher
	Scorer   *license.Scorer
	Cache    *license.ScoreCache
	Limiter  *license.AttemptLimiter
	Logger   *slog.Logger
	Metrics  *infrastructure.BusinessMetrics
}

// NewLicenseService creates the license service.
func NewLicenseService(deps LicenseServiceDeps) LicenseService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		registry: deps.Registry,
		ledger:   deps.Ledger,
		store:    deps.Store,
		codec:    deps.Codec,
		matcher:  deps.Matcher,
		scorer:   deps.Scorer,
		cache:    deps.Cache,
		limiter:  deps.Limiter,
		logger:   logger.With(slog.String("service", "license")),
		metrics:  deps.Metrics,
	}
}

func (s *licenseService) traceID(ctx context.Context) string {
	traceID := middleware.GetReqID(ctx)
	if traceID == "" {
		traceID = infrastructure.TraceIDFromContext(ctx)
	}
	return traceID
}

// Issue creates a single license.
func (s *licenseService) Issue(ctx context.Context, req *domain.CreateLicenseRequest) (*domain.License, error) {
	return s.registry.CreateLicense(ctx, req)
}

// BulkGenerate issues licenses from a template with partial-success semantics.
func (s *licenseService) BulkGenerate(ctx context.Context, req *domain.BulkGenerateRequest) (*domain.BulkGenerateResult, error) {
	return s.registry.BulkGenerate(ctx, req.TemplateID, req.Count, req.ClientName)
}

// CreateTemplate registers a bulk issuance preset.
func (s *licenseService) CreateTemplate(ctx context.Context, tpl *domain.LicenseTemplate) (*domain.LicenseTemplate, error) {
	return s.registry.CreateTemplate(ctx, tpl)
}

// GetTemplate returns a template by ID.
func (s *licenseService) GetTemplate(ctx context.Context, id string) (*domain.LicenseTemplate, error) {
	return s.registry.GetTemplate(ctx, id)
}

// Get returns a license by ID with lazy expiry applied.
func (s *licenseService) Get(ctx context.Context, id string) (*domain.License, error) {
	return s.registry.GetLicense(ctx, id)
}

// GetByKey returns a license by raw key with lazy expiry applied.
func (s *licenseService) GetByKey(ctx context.Context, rawKey string) (*domain.License, error) {
	key, err := s.codec.Parse(rawKey)
	if err != nil {
		return nil, err
	}
	return s.registry.GetLicenseByKey(ctx, key)
}

// List returns all licenses ordered by issue time.
func (s *licenseService) List(ctx context.Context) ([]domain.License, error) {
	return s.registry.ListLicenses(ctx), nil
}

// ActivationHistory returns all activation rows for a license, active and
// released alike.
func (s *licenseService) ActivationHistory(ctx context.Context, licenseID string) ([]domain.Activation, error) {
	if _, err := s.store.GetLicenseByID(licenseID); err != nil {
		return nil, err
	}
	return s.ledger.History(licenseID), nil
}

// Activate admits one environment against a license key. The attempt
// limiter guards the endpoint per source IP; the ledger enforces the
// activation cap and binding rules under the per-license lock.
func (s *licenseService) Activate(ctx context.Context, req *domain.ActivateRequest, ipAddress string) (*domain.ActivateResponse, error) {
	start := time.Now()
	traceID := s.traceID(ctx)

	if s.limiter != nil && ipAddress != "" && s.limiter.IsBlocked(ipAddress) {
		s.logger.WarnContext(ctx, "activation blocked by attempt limiter",
			slog.String("trace_id", traceID),
			slog.String("ip_address", ipAddress))
		return nil, apperrors.ErrTooManyAttempts
	}

	key, err := s.codec.Parse(req.LicenseKey)
	if err != nil {
		s.recordAttemptOutcome(ipAddress, false)
		return nil, err
	}

	lic, err := s.registry.GetLicenseByKey(ctx, key)
	if err != nil {
		s.recordAttemptOutcome(ipAddress, false)
		infrastructure.RecordActivationMetrics(ctx, s.metrics, "license_not_found", time.Since(start))
		return nil, err
	}

	if lic.Status != domain.LicenseStatusActive {
		s.recordAttemptOutcome(ipAddress, false)
		infrastructure.RecordActivationMetrics(ctx, s.metrics, "license_not_active", time.Since(start))
		s.logger.WarnContext(ctx, "activation rejected for inactive license",
			slog.String("trace_id", traceID),
			slog.String("license_id", lic.ID),
			slog.String("status", string(lic.Status)))
		return nil, apperrors.ErrLicenseNotActive
	}

	act, err := s.ledger.Activate(ctx, lic.ID, req.Domain, req.HardwareID, ipAddress)
	if err != nil {
		s.recordAttemptOutcome(ipAddress, false)
		s.cache.Invalidate(lic.ID)
		infrastructure.RecordActivationMetrics(ctx, s.metrics, activationOutcome(err), time.Since(start))
		return nil, err
	}

	s.recordAttemptOutcome(ipAddress, true)
	s.cache.Invalidate(lic.ID)
	infrastructure.RecordActivationMetrics(ctx, s.metrics, "activated", time.Since(start))

	return &domain.ActivateResponse{
		ActivationKey:      act.ActivationKey,
		LicenseID:          lic.ID,
		CurrentActivations: s.ledger.ActiveCount(lic.ID),
		ActivatedAt:        act.ActivatedAt,
	}, nil
}

// Deactivate releases an activation slot. Releasing a slot that is already
// inactive succeeds as a no-op; only unknown activation keys fail.
func (s *licenseService) Deactivate(ctx context.Context, req *domain.DeactivateRequest) error {
	act, err := s.store.GetActivation(req.ActivationKey)
	if err != nil {
		return err
	}

	if err := s.ledger.Deactivate(ctx, req.ActivationKey, req.Reason); err != nil {
		return err
	}

	s.cache.Invalidate(act.LicenseID)
	if s.metrics != nil {
		s.metrics.Deactivations.Add(ctx, 1)
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp of an active activation.
func (s *licenseService) Heartbeat(ctx context.Context, req *domain.HeartbeatRequest) error {
	return s.ledger.Heartbeat(ctx, req.ActivationKey)
}

// Verify computes a verification verdict. The call is side-effect-light:
// beyond refreshing last-verified timestamps it changes nothing, and in
// particular never consumes an activation slot. The active count is
// recomputed from the ledger on every call.
func (s *licenseService) Verify(ctx context.Context, req *domain.VerifyRequest) (*domain.VerificationResult, error) {
	start := time.Now()

	key, err := s.codec.Parse(req.LicenseKey)
	if err != nil {
		return nil, err
	}

	lic, err := s.registry.GetLicenseByKey(ctx, key)
	if err != nil {
		if s.metrics != nil {
			s.metrics.VerificationFailures.Add(ctx, 1)
		}
		return nil, err
	}

	now := time.Now().UTC()
	valid, reason := s.verdict(lic, req)

	// Timestamp refresh is the only persisted side effect.
	if err := s.store.UpdateLicense(lic.ID, func(rec *domain.License) {
		rec.LastVerifiedAt = &now
	}); err != nil {
		return nil, err
	}

	score := s.scoreFor(ctx, lic)

	result := &domain.VerificationResult{
		IsValid: valid,
		Status:  lic.Status,
		Reason:  reason,
		ClientInfo: &domain.ClientInfo{
			Name:  lic.ClientName,
			Email: lic.ClientEmail,
		},
		Restrictions: &domain.Restrictions{
			MaxUsers:       lic.MaxUsers,
			MaxStores:      lic.MaxStores,
			MaxActivations: lic.MaxActivations,
			AllowedDomains: append([]string(nil), lic.AllowedDomains...),
		},
		Features:           append([]string(nil), lic.Features...),
		CurrentActivations: s.ledger.ActiveCount(lic.ID),
		ExpiresAt:          lic.ExpiresAt,
		LastVerified:       now,
		RiskLevel:          score.RiskLevel,
		VerificationScore:  score.Score,
	}

	infrastructure.RecordVerificationMetrics(ctx, s.metrics, valid, score.Score, time.Since(start))

	s.logger.InfoContext(ctx, "license verified",
		slog.String("trace_id", s.traceID(ctx)),
		slog.String("license_id", lic.ID),
		slog.Bool("valid", valid),
		slog.String("reason", reason),
		slog.Int("score", score.Score),
		slog.String("risk_level", string(score.RiskLevel)))

	return result, nil
}

// verdict evaluates status and binding context without touching state.
func (s *licenseService) verdict(lic *domain.License, req *domain.VerifyRequest) (bool, string) {
	switch lic.Status {
	case domain.LicenseStatusExpired:
		return false, "license_expired"
	case domain.LicenseStatusSuspended:
		return false, "license_suspended"
	case domain.LicenseStatusCancelled:
		return false, "license_cancelled"
	}

	if req.Domain != "" && !s.matcher.MatchesAnyDomain(lic.AllowedDomains, req.Domain) {
		return false, "domain_not_allowed"
	}
	if req.HardwareID != "" && !s.matcher.MatchesHardware(lic.HardwareBinding, req.HardwareID) {
		return false, "hardware_mismatch"
	}

	return true, ""
}

// scoreFor returns the trust score for a license, cached with a short TTL.
// Scores are advisory; a stale cached score never blocks an operation.
// History is read back to the scorer's window only, so penalties from old
// attempts decay as the window moves.
func (s *licenseService) scoreFor(ctx context.Context, lic *domain.License) license.ScoreResult {
	if cached, ok := s.cache.Get(lic.ID); ok {
		if s.metrics != nil {
			s.metrics.ScoreCacheHits.Add(ctx, 1)
		}
		return cached
	}
	if s.metrics != nil {
		s.metrics.ScoreCacheMisses.Add(ctx, 1)
	}

	now := time.Now().UTC()
	cutoff := time.Time{}
	if window := s.scorer.Window(); window > 0 {
		cutoff = now.Add(-window)
	}

	result := s.scorer.Score(s.store.AttemptsSince(lic.ID, cutoff), lic.MaxActivations, now)
	s.cache.Set(lic.ID, result)
	return result
}

// UpdateStatus performs an administrative status transition and returns
// the updated license.
func (s *licenseService) UpdateStatus(ctx context.Context, licenseID string, req *domain.UpdateStatusRequest) (*domain.License, error) {
	if err := s.registry.UpdateStatus(ctx, licenseID, req.Status, req.Reason); err != nil {
		return nil, err
	}
	s.cache.Invalidate(licenseID)
	return s.store.GetLicenseByID(licenseID)
}

// RecordPayment records a payment and applies renewal bookkeeping.
func (s *licenseService) RecordPayment(ctx context.Context, licenseID string, req *domain.RecordPaymentRequest) (*domain.Payment, error) {
	return s.registry.RecordPayment(ctx, licenseID, req)
}

// Payments returns all payments recorded against a license.
func (s *licenseService) Payments(ctx context.Context, licenseID string) ([]domain.Payment, error) {
	if _, err := s.store.GetLicenseByID(licenseID); err != nil {
		return nil, err
	}
	return s.registry.PaymentsForLicense(ctx, licenseID), nil
}

func (s *licenseService) recordAttemptOutcome(ipAddress string, success bool) {
	if s.limiter == nil || ipAddress == "" {
		return
	}
	s.limiter.RecordAttempt(ipAddress, success)
}

// activationOutcome labels a ledger rejection for metrics.
func activationOutcome(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrActivationLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, apperrors.ErrBindingMismatch):
		return "binding_mismatch"
	case errors.Is(err, apperrors.ErrBusy):
		return "busy"
	default:
		return "error"
	}
}
