package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "entitled/internal/errors"
	"entitled/internal/infrastructure"
	"entitled/pkg/contracts/domain"
)

// LedgerOptions tunes the ledger's lock behavior.
type LedgerOptions struct {
	LockTimeout time.Duration
	BusyRetries int
	RetryDelay  time.Duration
}

// DefaultLedgerOptions returns the ledger defaults used outside of tests.
func DefaultLedgerOptions() LedgerOptions {
	return LedgerOptions{
		LockTimeout: 3 * time.Second,
		BusyRetries: 3,
		RetryDelay:  50 * time.Millisecond,
	}
}

// Ledger is the activation ledger. It admits or rejects activation requests
// under a per-license critical section so that the active-count read and the
// row insert are atomic with respect to concurrent attempts on the same
// license. Unrelated licenses never contend with each other.
type Ledger struct {
	store   *Store
	matcher *BindingMatcher
	opts    LedgerOptions
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

// NewLedger creates an activation ledger over the given store.
func NewLedger(store *Store, matcher *BindingMatcher, opts LedgerOptions, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Ledger {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLedgerOptions().LockTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultLedgerOptions().RetryDelay
	}

	return &Ledger{
		store:   store,
		matcher: matcher,
		opts:    opts,
		logger:  logger.With(slog.String("component", "activation_ledger")),
		metrics: metrics,
		locks:   make(map[string]chan struct{}),
	}
}

// lockFor returns the semaphore channel for a license, creating it on first
// use. Lock channels are never removed; the per-license footprint is one
// empty channel.
func (l *Ledger) lockFor(licenseID string) chan struct{} {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()

	ch, ok := l.locks[licenseID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[licenseID] = ch
	}
	return ch
}

// acquire takes the per-license lock, giving up after the configured
// timeout so contention becomes a retryable Busy instead of a hang.
func (l *Ledger) acquire(ctx context.Context, licenseID string) (release func(), err error) {
	ch := l.lockFor(licenseID)

	timer := time.NewTimer(l.opts.LockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, apperrors.ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withLicenseLock runs fn inside the per-license critical section. Busy is
// retried internally a bounded number of times, since lock timeouts usually
// indicate transient contention rather than a real conflict.
func (l *Ledger) withLicenseLock(ctx context.Context, licenseID string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= l.opts.BusyRetries; attempt++ {
		if attempt > 0 {
			if l.metrics != nil {
				l.metrics.LedgerBusyRetries.Add(ctx, 1)
			}
			select {
			case <-time.After(l.opts.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		release, err := l.acquire(ctx, licenseID)
		if errors.Is(err, apperrors.ErrBusy) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		err = fn()
		release()
		return err
	}

	l.logger.WarnContext(ctx, "ledger lock contention exhausted retries",
		slog.String("license_id", licenseID),
		slog.Int("retries", l.opts.BusyRetries))
	return lastErr
}

// Activate admits a new activation for the license, or rejects it with
// ActivationLimitExceeded or BindingMismatch. The count check and the row
// insert happen atomically under the per-license lock: of two simultaneous
// requests arriving at count == maxActivations-1, exactly one succeeds.
func (l *Ledger) Activate(ctx context.Context, licenseID, reqDomain, hardwareID, ipAddress string) (*domain.Activation, error) {
	var activation *domain.Activation

	err := l.withLicenseLock(ctx, licenseID, func() error {
		lic, err := l.store.GetLicenseByID(licenseID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		count := l.store.CountActive(licenseID)
		if count >= lic.MaxActivations {
			l.recordAttempt(licenseID, domain.AttemptOutcomeLimitExceeded, reqDomain, hardwareID, ipAddress, now)
			l.logger.WarnContext(ctx, "activation rejected, limit reached",
				slog.String("license_id", licenseID),
				slog.Int("active_count", count),
				slog.Int("max_activations", lic.MaxActivations))
			return apperrors.ErrActivationLimitExceeded
		}

		if !l.matcher.MatchesAnyDomain(lic.AllowedDomains, reqDomain) ||
			!l.matcher.MatchesHardware(lic.HardwareBinding, hardwareID) {
			l.recordAttempt(licenseID, domain.AttemptOutcomeBindingMismatch, reqDomain, hardwareID, ipAddress, now)
			l.logger.WarnContext(ctx, "activation rejected, binding mismatch",
				slog.String("license_id", licenseID),
				slog.String("domain", reqDomain),
				slog.Bool("hardware_bound", lic.HardwareBinding != nil))
			return apperrors.ErrBindingMismatch
		}

		// Lock-on-first-use: bind the license to the first-seen hardware id
		// when the template requested it.
		if lic.HardwareLock && lic.HardwareBinding == nil && hardwareID != "" {
			hw := hardwareID
			if err := l.store.UpdateLicense(licenseID, func(rec *domain.License) {
				if rec.HardwareBinding == nil {
					rec.HardwareBinding = &hw
				}
			}); err != nil {
				return err
			}
			l.logger.InfoContext(ctx, "license hardware-locked on first activation",
				slog.String("license_id", licenseID))
		}

		activation = &domain.Activation{
			ID:             uuid.New().String(),
			LicenseID:      licenseID,
			ActivationKey:  uuid.New().String(),
			Domain:         reqDomain,
			HardwareID:     hardwareID,
			IPAddress:      ipAddress,
			IsActive:       true,
			ActivatedAt:    now,
			LastVerifiedAt: now,
		}
		l.store.InsertActivation(activation)

		if err := l.store.UpdateLicense(licenseID, func(rec *domain.License) {
			rec.LastActivatedAt = &now
		}); err != nil {
			return err
		}

		l.recordAttempt(licenseID, domain.AttemptOutcomeActivated, reqDomain, hardwareID, ipAddress, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "activation admitted",
		slog.String("license_id", licenseID),
		slog.String("activation_id", activation.ID))
	return activation, nil
}

// Deactivate releases an activation slot. It is idempotent: deactivating an
// already-inactive activation succeeds as a no-op so retried client calls
// are harmless. An unknown activation key fails with ActivationNotFound.
func (l *Ledger) Deactivate(ctx context.Context, activationKey, reason string) error {
	act, err := l.store.GetActivation(activationKey)
	if err != nil {
		return err
	}

	return l.withLicenseLock(ctx, act.LicenseID, func() error {
		current, err := l.store.GetActivation(activationKey)
		if err != nil {
			return err
		}
		if !current.IsActive {
			return nil
		}

		now := time.Now().UTC()
		if err := l.store.UpdateActivation(activationKey, func(rec *domain.Activation) {
			rec.IsActive = false
			rec.DeactivatedAt = &now
			rec.DeactivationReason = reason
		}); err != nil {
			return err
		}

		l.recordAttempt(current.LicenseID, domain.AttemptOutcomeDeactivated, current.Domain, current.HardwareID, current.IPAddress, now)
		l.logger.InfoContext(ctx, "activation released",
			slog.String("license_id", current.LicenseID),
			slog.String("activation_id", current.ID),
			slog.String("reason", reason))
		return nil
	})
}

// DeactivateAllForLicense releases every active slot of a license with the
// given reason. Used by the registry's cancellation cascade. Returns the
// number of rows deactivated.
func (l *Ledger) DeactivateAllForLicense(ctx context.Context, licenseID, reason string) (int, error) {
	released := 0

	err := l.withLicenseLock(ctx, licenseID, func() error {
		now := time.Now().UTC()
		for _, act := range l.store.ActiveActivationsForLicense(licenseID) {
			if err := l.store.UpdateActivation(act.ActivationKey, func(rec *domain.Activation) {
				rec.IsActive = false
				rec.DeactivatedAt = &now
				rec.DeactivationReason = reason
			}); err != nil {
				return err
			}
			l.recordAttempt(licenseID, domain.AttemptOutcomeDeactivated, act.Domain, act.HardwareID, act.IPAddress, now)
			released++
		}
		return nil
	})
	if err != nil {
		return released, err
	}

	if released > 0 {
		l.logger.InfoContext(ctx, "all activations released",
			slog.String("license_id", licenseID),
			slog.String("reason", reason),
			slog.Int("released", released))
	}
	return released, nil
}

// Heartbeat refreshes lastVerifiedAt on an active activation. A revoked or
// unknown activation fails with ActivationNotFound, signalling the caller
// to re-activate.
func (l *Ledger) Heartbeat(ctx context.Context, activationKey string) error {
	act, err := l.store.GetActivation(activationKey)
	if err != nil {
		return err
	}
	if !act.IsActive {
		return apperrors.ErrActivationNotFound
	}

	now := time.Now().UTC()
	return l.store.UpdateActivation(activationKey, func(rec *domain.Activation) {
		if !rec.IsActive {
			return
		}
		rec.LastVerifiedAt = now
	})
}

// ActiveCount returns the current number of active activations. The store's
// lock guarantees the count never observes a half-committed activation, so
// verification reads do not take the per-license lock and never contend
// with activations.
func (l *Ledger) ActiveCount(licenseID string) int {
	return l.store.CountActive(licenseID)
}

// History returns the full activation history of a license, active and
// deactivated rows alike.
func (l *Ledger) History(licenseID string) []domain.Activation {
	return l.store.ActivationsForLicense(licenseID)
}

func (l *Ledger) recordAttempt(licenseID string, outcome domain.AttemptOutcome, reqDomain, hardwareID, ipAddress string, at time.Time) {
	l.store.RecordAttempt(domain.ActivationAttempt{
		LicenseID:  licenseID,
		Outcome:    outcome,
		Domain:     reqDomain,
		HardwareID: hardwareID,
		IPAddress:  ipAddress,
		OccurredAt: at,
	})
}
