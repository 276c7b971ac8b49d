package services

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitled/internal/license"
	"entitled/internal/shared/testutil"
)

func newHealthFixture(t *testing.T) (*HealthService, *license.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "entitled.json")

	store, err := license.NewStore(path, logger)
	require.NoError(t, err)

	cache := license.NewScoreCache(time.Minute, 100)
	t.Cleanup(cache.Stop)
	limiter := license.NewAttemptLimiter(3, time.Minute, time.Minute)
	t.Cleanup(limiter.Stop)

	return NewHealthService("1.0.0-test", "2026-01-01", "abc123def456", store, cache, limiter, logger), store
}

func TestHealthService_HealthCheck(t *testing.T) {
	hs, _ := newHealthFixture(t)

	status := hs.HealthCheck(context.Background())
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "1.0.0-test", status.Version)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthService_ReadinessCheck(t *testing.T) {
	hs, _ := newHealthFixture(t)

	status := hs.ReadinessCheck(context.Background())
	assert.Equal(t, "ready", status.Status)

	storeHealth, ok := status.Services["store"].(ServiceHealth)
	require.True(t, ok)
	assert.Equal(t, "ready", storeHealth.Status)

	cacheHealth, ok := status.Services["score_cache"].(ServiceHealth)
	require.True(t, ok)
	assert.Equal(t, "ready", cacheHealth.Status)
}

func TestHealthService_LivenessCheck(t *testing.T) {
	hs, _ := newHealthFixture(t)

	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	require.NotNil(t, status.Runtime)
	assert.Contains(t, status.Runtime, "go_version")
	assert.Contains(t, status.Runtime, "goroutines")
}

func TestHealthService_Version(t *testing.T) {
	hs, _ := newHealthFixture(t)

	info := hs.Version()
	assert.Equal(t, "1.0.0-test", info["version"])
	assert.Equal(t, "2026-01-01", info["build_time"])
	assert.Equal(t, "abc123def456", info["build_id"])
	assert.Contains(t, info, "go_version")
}

func TestHealthService_SystemStats(t *testing.T) {
	hs, store := newHealthFixture(t)
	ctx := context.Background()

	stats, err := hs.SystemStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.LicenseCount)
	assert.False(t, stats.SnapshotExists, "no snapshot written yet")

	require.NoError(t, store.InsertLicense(testutil.ValidLicense()))
	require.NoError(t, store.Save())

	stats, err = hs.SystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LicenseCount)
	assert.True(t, stats.SnapshotExists)
	assert.Positive(t, stats.SnapshotBytes)
}

func TestHealthService_GetDetailedHealth(t *testing.T) {
	hs, _ := newHealthFixture(t)

	detail := hs.GetDetailedHealth(context.Background())
	assert.Contains(t, detail, "health")
	assert.Contains(t, detail, "readiness")
	assert.Contains(t, detail, "liveness")
	assert.Contains(t, detail, "stats")
}
