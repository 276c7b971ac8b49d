package license

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "entitled/internal/errors"
	"entitled/pkg/contracts/domain"
)

// Store is the in-memory persistence layer for licenses, templates,
// activations, attempt logs, and payments. All records live in maps guarded
// by a single RWMutex; durability comes from periodic JSON snapshots written
// atomically (temp file + rename), the same way the legacy license.dat file
// worked.
//
// The store's mutex protects map integrity only. The atomicity of the
// activation count-and-insert sequence is the Ledger's job, via its
// per-license locks.
type Store struct {
	mu sync.RWMutex

	licenses    map[string]*domain.License           // by license ID
	keys        map[string]string                    // normalized key -> license ID
	templates   map[string]*domain.LicenseTemplate   // by template ID
	activations map[string]*domain.Activation        // by activation key
	byLicense   map[string][]string                  // license ID -> activation keys, in order
	attempts    map[string][]domain.ActivationAttempt // license ID -> attempt log
	payments    map[string][]domain.Payment          // license ID -> payments

	snapshotPath string
	logger       *slog.Logger
}

// snapshot is the on-disk representation of the store.
type snapshot struct {
	SavedAt     time.Time                             `json:"saved_at"`
	Licenses    []*domain.License                     `json:"licenses"`
	Templates   []*domain.LicenseTemplate             `json:"templates"`
	Activations []*domain.Activation                  `json:"activations"`
	Attempts    map[string][]domain.ActivationAttempt `json:"attempts"`
	Payments    map[string][]domain.Payment           `json:"payments"`
}

// NewStore creates an empty store. If snapshotPath is non-empty and the file
// exists, prior state is loaded from it.
func NewStore(snapshotPath string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		licenses:     make(map[string]*domain.License),
		keys:         make(map[string]string),
		templates:    make(map[string]*domain.LicenseTemplate),
		activations:  make(map[string]*domain.Activation),
		byLicense:    make(map[string][]string),
		attempts:     make(map[string][]domain.ActivationAttempt),
		payments:     make(map[string][]domain.Payment),
		snapshotPath: snapshotPath,
		logger:       logger.With(slog.String("component", "license_store")),
	}

	if snapshotPath != "" {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load store snapshot: %w", err)
		}
	}

	return s, nil
}

// InsertLicense adds a new license. It fails if the key is already taken,
// which the issuance path uses as its collision check.
func (s *Store) InsertLicense(lic *domain.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[lic.LicenseKey]; exists {
		return fmt.Errorf("license key already exists")
	}

	cp := *lic
	s.licenses[cp.ID] = &cp
	s.keys[cp.LicenseKey] = cp.ID
	return nil
}

// GetLicenseByID returns a copy of the license with the given ID.
func (s *Store) GetLicenseByID(id string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.licenses[id]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}
	cp := *lic
	return &cp, nil
}

// GetLicenseByKey returns a copy of the license with the given normalized key.
func (s *Store) GetLicenseByKey(key string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}
	cp := *s.licenses[id]
	return &cp, nil
}

// SnapshotPath returns the configured snapshot file path.
func (s *Store) SnapshotPath() string {
	return s.snapshotPath
}

// KeyExists reports whether a license key is already taken.
func (s *Store) KeyExists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// UpdateLicense applies mutate to the stored license under the store lock
// and stamps UpdatedAt. The callback receives the live record.
func (s *Store) UpdateLicense(id string, mutate func(*domain.License)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[id]
	if !ok {
		return apperrors.ErrLicenseNotFound
	}

	mutate(lic)
	lic.UpdatedAt = time.Now().UTC()
	return nil
}

// ListLicenses returns copies of all licenses, ordered by issue time.
func (s *Store) ListLicenses() []domain.License {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.License, 0, len(s.licenses))
	for _, lic := range s.licenses {
		out = append(out, *lic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// InsertTemplate adds a license template.
func (s *Store) InsertTemplate(tpl *domain.LicenseTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tpl
	s.templates[cp.ID] = &cp
}

// GetTemplate returns a copy of the template with the given ID.
func (s *Store) GetTemplate(id string) (*domain.LicenseTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, apperrors.ErrTemplateNotFound
	}
	cp := *tpl
	return &cp, nil
}

// InsertActivation adds a new activation row.
func (s *Store) InsertActivation(act *domain.Activation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *act
	s.activations[cp.ActivationKey] = &cp
	s.byLicense[cp.LicenseID] = append(s.byLicense[cp.LicenseID], cp.ActivationKey)
}

// GetActivation returns a copy of the activation with the given key.
func (s *Store) GetActivation(activationKey string) (*domain.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	act, ok := s.activations[activationKey]
	if !ok {
		return nil, apperrors.ErrActivationNotFound
	}
	cp := *act
	return &cp, nil
}

// UpdateActivation applies mutate to the stored activation under the store
// lock.
func (s *Store) UpdateActivation(activationKey string, mutate func(*domain.Activation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	act, ok := s.activations[activationKey]
	if !ok {
		return apperrors.ErrActivationNotFound
	}

	mutate(act)
	return nil
}

// CountActive returns the number of isActive rows for a license. Callers
// needing the count to be stable relative to concurrent activations must
// hold the ledger's per-license lock.
func (s *Store) CountActive(licenseID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, key := range s.byLicense[licenseID] {
		if s.activations[key].IsActive {
			n++
		}
	}
	return n
}

// ActivationsForLicense returns copies of all activation rows for a license,
// active and historical, in activation order.
func (s *Store) ActivationsForLicense(licenseID string) []domain.Activation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byLicense[licenseID]
	out := make([]domain.Activation, 0, len(keys))
	for _, key := range keys {
		out = append(out, *s.activations[key])
	}
	return out
}

// ActiveActivationsForLicense returns copies of currently active rows only.
func (s *Store) ActiveActivationsForLicense(licenseID string) []domain.Activation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Activation
	for _, key := range s.byLicense[licenseID] {
		if act := s.activations[key]; act.IsActive {
			out = append(out, *act)
		}
	}
	return out
}

// RecordAttempt appends an entry to the per-license attempt log.
func (s *Store) RecordAttempt(attempt domain.ActivationAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[attempt.LicenseID] = append(s.attempts[attempt.LicenseID], attempt)
}

// AttemptsSince returns attempt log entries for a license at or after the
// cutoff, oldest first.
func (s *Store) AttemptsSince(licenseID string, cutoff time.Time) []domain.ActivationAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ActivationAttempt
	for _, a := range s.attempts[licenseID] {
		if !a.OccurredAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// InsertPayment records a payment against a license.
func (s *Store) InsertPayment(payment domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments[payment.LicenseID] = append(s.payments[payment.LicenseID], payment)
}

// PaymentsForLicense returns copies of all payments recorded for a license.
func (s *Store) PaymentsForLicense(licenseID string) []domain.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.Payment(nil), s.payments[licenseID]...)
}

// Save writes the current state to the snapshot path atomically.
func (s *Store) Save() error {
	if s.snapshotPath == "" {
		return nil
	}

	s.mu.RLock()
	snap := snapshot{
		SavedAt:  time.Now().UTC(),
		Attempts: make(map[string][]domain.ActivationAttempt, len(s.attempts)),
		Payments: make(map[string][]domain.Payment, len(s.payments)),
	}
	for _, lic := range s.licenses {
		cp := *lic
		snap.Licenses = append(snap.Licenses, &cp)
	}
	for _, tpl := range s.templates {
		cp := *tpl
		snap.Templates = append(snap.Templates, &cp)
	}
	for _, act := range s.activations {
		cp := *act
		snap.Activations = append(snap.Activations, &cp)
	}
	for id, list := range s.attempts {
		snap.Attempts[id] = append([]domain.ActivationAttempt(nil), list...)
	}
	for id, list := range s.payments {
		snap.Payments[id] = append([]domain.Payment(nil), list...)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return nil
}

// load restores state from the snapshot file if it exists.
func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	for _, lic := range snap.Licenses {
		s.licenses[lic.ID] = lic
		s.keys[lic.LicenseKey] = lic.ID
	}
	for _, tpl := range snap.Templates {
		s.templates[tpl.ID] = tpl
	}
	for _, act := range snap.Activations {
		s.activations[act.ActivationKey] = act
		s.byLicense[act.LicenseID] = append(s.byLicense[act.LicenseID], act.ActivationKey)
	}
	// Restore activation ordering by timestamp, map iteration is unordered
	for id := range s.byLicense {
		keys := s.byLicense[id]
		sort.Slice(keys, func(i, j int) bool {
			return s.activations[keys[i]].ActivatedAt.Before(s.activations[keys[j]].ActivatedAt)
		})
	}
	if snap.Attempts != nil {
		s.attempts = snap.Attempts
	}
	if snap.Payments != nil {
		s.payments = snap.Payments
	}

	s.logger.Info("store snapshot loaded",
		slog.String("path", s.snapshotPath),
		slog.Int("licenses", len(s.licenses)),
		slog.Int("activations", len(s.activations)))

	return nil
}
