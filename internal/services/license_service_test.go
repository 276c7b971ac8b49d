package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitled/internal/config"
	apperrors "entitled/internal/errors"
	"entitled/internal/infrastructure"
	"entitled/internal/license"
	"entitled/internal/shared/testutil"
	"entitled/pkg/contracts/domain"
)

type serviceFixture struct {
	svc     LicenseService
	store   *license.Store
	ledger  *license.Ledger
	cache   *license.ScoreCache
	limiter *license.AttemptLimiter
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := license.NewStore("", logger)
	require.NoError(t, err)

	codec := license.NewKeyCodec()
	matcher := license.NewBindingMatcher()
	ledger := license.NewLedger(store, matcher, license.DefaultLedgerOptions(), logger, nil)
	registry := license.NewRegistry(store, codec, ledger, 5, logger, nil)

	scorer := license.NewScorer(config.TrustConfig{
		ScoreWindow:          7 * 24 * time.Hour,
		ChurnWindow:          24 * time.Hour,
		ChurnEventThreshold:  3,
		ChurnPenaltyPerEvent: 10,
		ChurnPenaltyCap:      30,
		IPPenaltyPerAddress:  10,
		IPPenaltyCap:         40,
		MismatchPenalty:      5,
		MismatchPenaltyCap:   20,
		LowRiskThreshold:     80,
		MediumRiskThreshold:  50,
	})
	cache := license.NewScoreCache(time.Minute, 100)
	t.Cleanup(cache.Stop)
	limiter := license.NewAttemptLimiter(3, time.Minute, time.Minute)
	t.Cleanup(limiter.Stop)

	svc := NewLicenseService(LicenseServiceDeps{
		Registry: registry,
		Ledger:   ledger,
		Store:    store,
		Codec:    codec,
		Matcher:  matcher,
		Scorer:   scorer,
		Cache:    cache,
		Limiter:  limiter,
		Logger:   logger,
	})

	return &serviceFixture{svc: svc, store: store, ledger: ledger, cache: cache, limiter: limiter}
}

func (f *serviceFixture) issue(t *testing.T, ctx context.Context) *domain.License {
	t.Helper()
	lic, err := f.svc.Issue(ctx, &domain.CreateLicenseRequest{
		Type:           domain.LicenseTypeMonthly,
		ClientName:     "Acme Retail",
		ClientEmail:    "ops@acme.example",
		MaxUsers:       5,
		MaxStores:      2,
		MaxActivations: 3,
	})
	require.NoError(t, err)
	return lic
}

var (
	svcOTelOnce      sync.Once
	svcOTelProviders *infrastructure.OTelProviders
	svcOTelInitErr   error
)

// The prometheus exporter registers against the default registry, so the
// providers are shared across all tests in this package.
func testBusinessMetrics(t *testing.T) *infrastructure.BusinessMetrics {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svcOTelOnce.Do(func() {
		svcOTelProviders, svcOTelInitErr = infrastructure.InitializeOTel(&infrastructure.OTelConfig{
			ServiceName:    "entitled-test",
			ServiceVersion: "v0.0.0-test",
			Environment:    "test",
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			EnableMetrics:  true,
			EnableTracing:  true,
			SampleRatio:    1.0,
		}, logger)
	})
	require.NoError(t, svcOTelInitErr)

	metrics, err := infrastructure.CreateBusinessMetrics(svcOTelProviders.Meter)
	require.NoError(t, err)
	return metrics
}

func TestLicenseService_ActivateAndDeactivate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	resp, err := f.svc.Activate(ctx, &domain.ActivateRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	}, "203.0.113.10")
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ActivationKey)
	assert.Equal(t, lic.ID, resp.LicenseID)
	assert.Equal(t, 1, resp.CurrentActivations)

	err = f.svc.Deactivate(ctx, &domain.DeactivateRequest{
		ActivationKey: resp.ActivationKey,
		Reason:        "machine retired",
	})
	require.NoError(t, err)
	assert.Zero(t, f.ledger.ActiveCount(lic.ID))
}

func TestLicenseService_Activate_NormalizesRawKey(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	// Keys arrive as typed by users: lowercase with stray whitespace.
	raw := " " + lic.LicenseKey[:9] + " " + lic.LicenseKey[9:] + " "
	resp, err := f.svc.Activate(ctx, &domain.ActivateRequest{
		LicenseKey: raw,
		Domain:     "shop.example.com",
	}, "203.0.113.10")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, resp.LicenseID)
}

func TestLicenseService_Activate_Errors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	t.Run("malformed key", func(t *testing.T) {
		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: "nope"}, "198.51.100.1")
		require.ErrorIs(t, err, apperrors.ErrMalformedKey)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"}, "198.51.100.2")
		require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	})

	t.Run("suspended license", func(t *testing.T) {
		lic := testutil.SuspendedLicense()
		require.NoError(t, f.store.InsertLicense(lic))

		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: lic.LicenseKey}, "198.51.100.3")
		require.ErrorIs(t, err, apperrors.ErrLicenseNotActive)
	})

	t.Run("expired license via lazy expiry", func(t *testing.T) {
		lic := testutil.ExpiredLicense()
		require.NoError(t, f.store.InsertLicense(lic))

		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: lic.LicenseKey}, "198.51.100.4")
		require.ErrorIs(t, err, apperrors.ErrLicenseNotActive)

		stored, err := f.store.GetLicenseByID(lic.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.LicenseStatusExpired, stored.Status)
	})
}

func TestLicenseService_Activate_LimiterBlocksAfterRepeatedFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	const attacker = "198.51.100.66"

	// Three failed guesses exhaust the budget configured in the fixture.
	for i := 0; i < 3; i++ {
		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"}, attacker)
		require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	}

	_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"}, attacker)
	require.ErrorIs(t, err, apperrors.ErrTooManyAttempts)

	// Other addresses are unaffected.
	lic := f.issue(t, ctx)
	_, err = f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: lic.LicenseKey, Domain: "shop.example.com"}, "203.0.113.10")
	require.NoError(t, err)
}

func TestLicenseService_Activate_SuccessResetsFailureBudget(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)
	const addr = "203.0.113.20"

	for i := 0; i < 2; i++ {
		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"}, addr)
		require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	}

	_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: lic.LicenseKey, Domain: "shop.example.com"}, addr)
	require.NoError(t, err)

	// The earlier failures were cleared; two more do not block.
	for i := 0; i < 2; i++ {
		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"}, addr)
		require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	}
}

func TestLicenseService_Verify_NeverConsumesSlots(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	resp, err := f.svc.Activate(ctx, &domain.ActivateRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	}, "203.0.113.10")
	require.NoError(t, err)
	require.Equal(t, 1, resp.CurrentActivations)

	for i := 0; i < 5; i++ {
		result, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
		require.NoError(t, err)
		assert.True(t, result.IsValid)
		assert.Equal(t, 1, result.CurrentActivations, "verification must not consume slots")
	}

	assert.Equal(t, 1, f.ledger.ActiveCount(lic.ID))

	stored, err := f.store.GetLicenseByID(lic.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastVerifiedAt, "verification refreshes the timestamp")
}

func TestLicenseService_Verify_Verdicts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	t.Run("valid license", func(t *testing.T) {
		lic := f.issue(t, ctx)
		result, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
		require.NoError(t, err)
		assert.True(t, result.IsValid)
		assert.Empty(t, result.Reason)
		assert.Equal(t, 100, result.VerificationScore)
		assert.Equal(t, domain.RiskLevelLow, result.RiskLevel)
		assert.Equal(t, "Acme Retail", result.ClientInfo.Name)
		assert.Equal(t, 3, result.Restrictions.MaxActivations)
	})

	t.Run("expired", func(t *testing.T) {
		lic := testutil.ExpiredLicense()
		require.NoError(t, f.store.InsertLicense(lic))

		result, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.Equal(t, "license_expired", result.Reason)
		assert.Equal(t, domain.LicenseStatusExpired, result.Status)
	})

	t.Run("suspended", func(t *testing.T) {
		lic := testutil.SuspendedLicense()
		require.NoError(t, f.store.InsertLicense(lic))

		result, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.Equal(t, "license_suspended", result.Reason)
	})

	t.Run("domain not allowed", func(t *testing.T) {
		lic := testutil.DomainRestrictedLicense()
		require.NoError(t, f.store.InsertLicense(lic))

		result, err := f.svc.Verify(ctx, &domain.VerifyRequest{
			LicenseKey: lic.LicenseKey,
			Domain:     "other.com",
		})
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.Equal(t, "domain_not_allowed", result.Reason)

		result, err = f.svc.Verify(ctx, &domain.VerifyRequest{
			LicenseKey: lic.LicenseKey,
			Domain:     "shop.example.com",
		})
		require.NoError(t, err)
		assert.True(t, result.IsValid)
	})

	t.Run("hardware mismatch", func(t *testing.T) {
		bound := "HW-BOUND"
		lic := testutil.ValidLicense()
		lic.LicenseKey = "HWVF-EFGH-JKLM-NPQR"
		lic.HardwareBinding = &bound
		require.NoError(t, f.store.InsertLicense(lic))

		result, err := f.svc.Verify(ctx, &domain.VerifyRequest{
			LicenseKey: lic.LicenseKey,
			HardwareID: "HW-OTHER",
		})
		require.NoError(t, err)
		assert.False(t, result.IsValid)
		assert.Equal(t, "hardware_mismatch", result.Reason)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: "ZZZZ-ZZZZ-ZZZZ-ZZZZ"})
		require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: "nope"})
		require.ErrorIs(t, err, apperrors.ErrMalformedKey)
	})
}

func TestLicenseService_Verify_ScoreReflectsMismatchHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	lic := testutil.DomainRestrictedLicense()
	require.NoError(t, f.store.InsertLicense(lic))

	// Two recorded binding mismatches cost 5 points each.
	for i := 0; i < 2; i++ {
		_, err := f.svc.Activate(ctx, &domain.ActivateRequest{
			LicenseKey: lic.LicenseKey,
			Domain:     "intruder.com",
		}, "198.51.100.9")
		require.ErrorIs(t, err, apperrors.ErrBindingMismatch)
	}

	result, err := f.svc.Verify(ctx, &domain.VerifyRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid, "score is advisory and never blocks")
	assert.Equal(t, 90, result.VerificationScore)
	assert.Equal(t, domain.RiskLevelLow, result.RiskLevel)
}

func TestLicenseService_Verify_OldAttemptsAgeOutOfScore(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	lic := testutil.DomainRestrictedLicense()
	require.NoError(t, f.store.InsertLicense(lic))

	// Mismatches from distinct addresses well outside the scoring window.
	// Scored all-time they would cost both mismatch and IP penalty points.
	stale := time.Now().UTC().AddDate(0, 0, -30)
	for i, ip := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3", "198.51.100.4", "198.51.100.5"} {
		f.store.RecordAttempt(domain.ActivationAttempt{
			LicenseID:  lic.ID,
			Outcome:    domain.AttemptOutcomeBindingMismatch,
			Domain:     "intruder.com",
			IPAddress:  ip,
			OccurredAt: stale.Add(time.Duration(i) * time.Minute),
		})
	}

	result, err := f.svc.Verify(ctx, &domain.VerifyRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, result.VerificationScore, "penalties decay once attempts leave the window")
	assert.Equal(t, domain.RiskLevelLow, result.RiskLevel)

	// The same history inside the window does depress the score.
	f.cache.Invalidate(lic.ID)
	f.store.RecordAttempt(domain.ActivationAttempt{
		LicenseID:  lic.ID,
		Outcome:    domain.AttemptOutcomeBindingMismatch,
		Domain:     "intruder.com",
		IPAddress:  "198.51.100.6",
		OccurredAt: time.Now().UTC(),
	})

	result, err = f.svc.Verify(ctx, &domain.VerifyRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 95, result.VerificationScore)
}

func TestLicenseService_Verify_CountsScoreCacheTraffic(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.(*licenseService).metrics = testBusinessMetrics(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	// First verification computes and caches, the second is served from
	// the cache; both outcomes are recorded against the instruments.
	_, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
	require.NoError(t, err)

	stats := f.cache.GetStats()
	assert.EqualValues(t, 1, stats["hit_count"])
	assert.EqualValues(t, 1, stats["miss_count"])
}

func TestLicenseService_CacheInvalidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	_, err := f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
	require.NoError(t, err)
	_, cached := f.cache.Get(lic.ID)
	require.True(t, cached, "verification caches the score")

	resp, err := f.svc.Activate(ctx, &domain.ActivateRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	}, "203.0.113.10")
	require.NoError(t, err)

	_, cached = f.cache.Get(lic.ID)
	assert.False(t, cached, "ledger mutations drop the cached score")

	_, err = f.svc.Verify(ctx, &domain.VerifyRequest{LicenseKey: lic.LicenseKey})
	require.NoError(t, err)
	_, cached = f.cache.Get(lic.ID)
	require.True(t, cached)

	require.NoError(t, f.svc.Deactivate(ctx, &domain.DeactivateRequest{ActivationKey: resp.ActivationKey}))
	_, cached = f.cache.Get(lic.ID)
	assert.False(t, cached)
}

func TestLicenseService_Heartbeat(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	resp, err := f.svc.Activate(ctx, &domain.ActivateRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	}, "203.0.113.10")
	require.NoError(t, err)

	require.NoError(t, f.svc.Heartbeat(ctx, &domain.HeartbeatRequest{ActivationKey: resp.ActivationKey}))

	err = f.svc.Heartbeat(ctx, &domain.HeartbeatRequest{ActivationKey: "unknown"})
	require.ErrorIs(t, err, apperrors.ErrActivationNotFound)
}

func TestLicenseService_LookupAndHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	got, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.LicenseKey, got.LicenseKey)

	got, err = f.svc.GetByKey(ctx, lic.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	resp, err := f.svc.Activate(ctx, &domain.ActivateRequest{
		LicenseKey: lic.LicenseKey,
		Domain:     "shop.example.com",
	}, "203.0.113.10")
	require.NoError(t, err)
	require.NoError(t, f.svc.Deactivate(ctx, &domain.DeactivateRequest{ActivationKey: resp.ActivationKey}))

	history, err := f.svc.ActivationHistory(ctx, lic.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "released rows stay in the history")

	_, err = f.svc.ActivationHistory(ctx, "missing")
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestLicenseService_UpdateStatusAndPayments(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	lic := f.issue(t, ctx)

	updated, err := f.svc.UpdateStatus(ctx, lic.ID, &domain.UpdateStatusRequest{
		Status: domain.LicenseStatusSuspended,
		Reason: "chargeback",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusSuspended, updated.Status)

	end := time.Now().UTC().AddDate(0, 2, 0)
	payment, err := f.svc.RecordPayment(ctx, lic.ID, &domain.RecordPaymentRequest{
		Amount:        19.99,
		Currency:      "USD",
		PaymentMethod: "card",
		Status:        domain.PaymentStatusCompleted,
		PeriodStart:   time.Now().UTC(),
		PeriodEnd:     &end,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, payment.ID)

	payments, err := f.svc.Payments(ctx, lic.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	_, err = f.svc.Payments(ctx, "missing")
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestLicenseService_BulkGenerate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	tpl, err := f.svc.CreateTemplate(ctx, &domain.LicenseTemplate{
		Name:           "Starter",
		DurationMonths: 1,
		MaxActivations: 2,
		IsActive:       true,
	})
	require.NoError(t, err)

	result, err := f.svc.BulkGenerate(ctx, &domain.BulkGenerateRequest{
		TemplateID: tpl.ID,
		Count:      5,
		ClientName: "Reseller GmbH",
	})
	require.NoError(t, err)
	assert.Len(t, result.Issued, 5)
	assert.Zero(t, result.FailedCount)

	_, err = f.svc.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
}
