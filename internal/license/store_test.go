package license

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "entitled/internal/errors"
	"entitled/internal/shared/testutil"
	"entitled/pkg/contracts/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("", discardLogger())
	require.NoError(t, err)
	return store
}

func TestStore_InsertAndGetLicense(t *testing.T) {
	store := newTestStore(t)
	lic := testutil.ValidLicense()

	require.NoError(t, store.InsertLicense(lic))

	byID, err := store.GetLicenseByID(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.LicenseKey, byID.LicenseKey)

	byKey, err := store.GetLicenseByKey(lic.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, byKey.ID)

	assert.True(t, store.KeyExists(lic.LicenseKey))
	assert.False(t, store.KeyExists("ZZZZ-ZZZZ-ZZZZ-ZZZZ"))
}

func TestStore_InsertLicense_RejectsDuplicateKey(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.InsertLicense(testutil.ValidLicense()))

	dup := testutil.ValidLicense() // fresh ID, same fixture key
	err := store.InsertLicense(dup)
	require.Error(t, err, "key collisions must be rejected so issuance can retry")
}

func TestStore_GetLicense_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLicenseByID("missing")
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)

	_, err = store.GetLicenseByKey("ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := newTestStore(t)
	lic := testutil.ValidLicense()
	require.NoError(t, store.InsertLicense(lic))

	got, err := store.GetLicenseByID(lic.ID)
	require.NoError(t, err)
	got.ClientName = "mutated by caller"

	again, err := store.GetLicenseByID(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fixture Client", again.ClientName, "callers must not reach the live record")
}

func TestStore_UpdateLicense(t *testing.T) {
	store := newTestStore(t)
	lic := testutil.ValidLicense()
	require.NoError(t, store.InsertLicense(lic))

	err := store.UpdateLicense(lic.ID, func(rec *domain.License) {
		rec.Status = domain.LicenseStatusSuspended
		rec.SuspendReason = "chargeback"
	})
	require.NoError(t, err)

	got, err := store.GetLicenseByID(lic.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusSuspended, got.Status)
	assert.Equal(t, "chargeback", got.SuspendReason)
	assert.False(t, got.UpdatedAt.IsZero(), "updates stamp UpdatedAt")

	err = store.UpdateLicense("missing", func(*domain.License) {})
	require.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestStore_ListLicenses_OrderedByIssueTime(t *testing.T) {
	store := newTestStore(t)

	older := testutil.ValidLicense()
	older.LicenseKey = "AAAA-BBBB-CCCC-DDDD"
	older.IssuedAt = time.Now().UTC().AddDate(0, 0, -30)
	newer := testutil.ValidLicense()
	newer.LicenseKey = "EEEE-FFFF-GGGG-HHHH"
	newer.IssuedAt = time.Now().UTC()

	require.NoError(t, store.InsertLicense(newer))
	require.NoError(t, store.InsertLicense(older))

	list := store.ListLicenses()
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
}

func TestStore_Templates(t *testing.T) {
	store := newTestStore(t)
	tpl := testutil.Template()

	store.InsertTemplate(tpl)

	got, err := store.GetTemplate(tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.Name, got.Name)

	_, err = store.GetTemplate("missing")
	require.ErrorIs(t, err, apperrors.ErrTemplateNotFound)
}

func TestStore_ActivationLifecycle(t *testing.T) {
	store := newTestStore(t)
	lic := testutil.ValidLicense()
	require.NoError(t, store.InsertLicense(lic))

	first := testutil.Activation(lic.ID)
	second := testutil.Activation(lic.ID)
	store.InsertActivation(first)
	store.InsertActivation(second)

	assert.Equal(t, 2, store.CountActive(lic.ID))

	err := store.UpdateActivation(first.ActivationKey, func(rec *domain.Activation) {
		rec.IsActive = false
	})
	require.NoError(t, err)

	assert.Equal(t, 1, store.CountActive(lic.ID))
	assert.Len(t, store.ActivationsForLicense(lic.ID), 2)

	active := store.ActiveActivationsForLicense(lic.ID)
	require.Len(t, active, 1)
	assert.Equal(t, second.ActivationKey, active[0].ActivationKey)

	_, err = store.GetActivation("missing")
	require.ErrorIs(t, err, apperrors.ErrActivationNotFound)
	err = store.UpdateActivation("missing", func(*domain.Activation) {})
	require.ErrorIs(t, err, apperrors.ErrActivationNotFound)
}

func TestStore_AttemptsSince(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	store.RecordAttempt(testutil.Attempt("lic-1", domain.AttemptOutcomeActivated, "10.0.0.1", now.Add(-48*time.Hour)))
	store.RecordAttempt(testutil.Attempt("lic-1", domain.AttemptOutcomeDeactivated, "10.0.0.1", now.Add(-time.Hour)))
	store.RecordAttempt(testutil.Attempt("lic-1", domain.AttemptOutcomeActivated, "10.0.0.2", now))
	store.RecordAttempt(testutil.Attempt("lic-2", domain.AttemptOutcomeActivated, "10.0.0.3", now))

	recent := store.AttemptsSince("lic-1", now.Add(-24*time.Hour))
	require.Len(t, recent, 2)
	assert.Equal(t, domain.AttemptOutcomeDeactivated, recent[0].Outcome)
	assert.Equal(t, domain.AttemptOutcomeActivated, recent[1].Outcome)

	all := store.AttemptsSince("lic-1", time.Time{})
	assert.Len(t, all, 3)

	assert.Empty(t, store.AttemptsSince("lic-unknown", time.Time{}))
}

func TestStore_Payments(t *testing.T) {
	store := newTestStore(t)

	payment := testutil.CompletedPayment("lic-1")
	store.InsertPayment(payment)

	got := store.PaymentsForLicense("lic-1")
	require.Len(t, got, 1)
	assert.Equal(t, payment.ID, got[0].ID)

	assert.Empty(t, store.PaymentsForLicense("lic-other"))
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "entitled.json")

	store, err := NewStore(path, discardLogger())
	require.NoError(t, err)

	lic := testutil.ValidLicense()
	require.NoError(t, store.InsertLicense(lic))
	store.InsertTemplate(testutil.Template())

	act := testutil.Activation(lic.ID)
	store.InsertActivation(act)
	store.RecordAttempt(testutil.Attempt(lic.ID, domain.AttemptOutcomeActivated, "10.0.0.1", time.Now().UTC()))
	store.InsertPayment(testutil.CompletedPayment(lic.ID))

	require.NoError(t, store.Save())

	restored, err := NewStore(path, discardLogger())
	require.NoError(t, err)

	gotLic, err := restored.GetLicenseByKey(lic.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, gotLic.ID)

	gotAct, err := restored.GetActivation(act.ActivationKey)
	require.NoError(t, err)
	assert.True(t, gotAct.IsActive)
	assert.Equal(t, 1, restored.CountActive(lic.ID))

	assert.Len(t, restored.AttemptsSince(lic.ID, time.Time{}), 1)
	assert.Len(t, restored.PaymentsForLicense(lic.ID), 1)
}

func TestStore_SnapshotRestoresActivationOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitled.json")

	store, err := NewStore(path, discardLogger())
	require.NoError(t, err)

	lic := testutil.ValidLicense()
	require.NoError(t, store.InsertLicense(lic))

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		act := testutil.Activation(lic.ID)
		act.ActivatedAt = base.Add(time.Duration(i) * time.Minute)
		store.InsertActivation(act)
	}
	require.NoError(t, store.Save())

	restored, err := NewStore(path, discardLogger())
	require.NoError(t, err)

	history := restored.ActivationsForLicense(lic.ID)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].ActivatedAt.Before(history[i-1].ActivatedAt),
			"restored history must be in activation order")
	}
}

func TestStore_SaveWithoutPathIsNoOp(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertLicense(testutil.ValidLicense()))
	require.NoError(t, store.Save())
}

func TestStore_LoadRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entitled.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewStore(path, discardLogger())
	require.Error(t, err)
}

func TestStore_MissingSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")

	store, err := NewStore(path, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, store.ListLicenses())
}
