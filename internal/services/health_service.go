package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"entitled/internal/license"
)

// HealthService provides health check functionality.
type HealthService struct {
	version   string
	buildTime string
	buildID   string
	store     *license.Store
	cache     *license.ScoreCache
	limiter   *license.AttemptLimiter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health.
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// SystemStats represents system statistics.
type SystemStats struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	LicenseCount    int     `json:"license_count"`
	SnapshotPath    string  `json:"snapshot_path"`
	SnapshotExists  bool    `json:"snapshot_exists"`
	SnapshotBytes   int64   `json:"snapshot_bytes"`
	ScoreCacheSize  int     `json:"score_cache_size"`
	BlockedClients  int     `json:"blocked_clients"`
	GoVersion       string  `json:"go_version"`
	OS              string  `json:"os"`
	Arch            string  `json:"arch"`
}

// NewHealthService creates a health service with injected dependencies.
func NewHealthService(version, buildTime, buildID string, store *license.Store, cache *license.ScoreCache, limiter *license.AttemptLimiter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("HealthService initialized",
		slog.String("version", version),
		slog.String("build_time", buildTime),
		slog.String("build_id", buildID))

	return &HealthService{
		version:   version,
		buildTime: buildTime,
		buildID:   buildID,
		store:     store,
		cache:     cache,
		limiter:   limiter,
		startTime: time.Now(),
		logger:    logger,
	}
}

// HealthCheck returns overall health status.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	hs.logger.Debug("HealthCheck: performing health check",
		slog.String("version", hs.version),
		slog.String("uptime", time.Since(hs.startTime).String()))

	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck returns readiness status.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	status.Services["store"] = hs.checkStoreHealth()
	status.Services["score_cache"] = hs.checkCacheHealth()

	allReady := true
	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			allReady = false
			break
		}
	}

	if !allReady {
		status.Status = "not_ready"
	}

	return status
}

// LivenessCheck returns liveness status.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information.
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":      hs.version,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}

	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	if hs.buildID != "" {
		result["build_id"] = hs.buildID
	}

	return result
}

// SystemStats returns system statistics.
func (hs *HealthService) SystemStats(ctx context.Context) (SystemStats, error) {
	stats := SystemStats{
		UptimeSeconds: time.Since(hs.startTime).Seconds(),
		LicenseCount:  len(hs.store.ListLicenses()),
		SnapshotPath:  hs.store.SnapshotPath(),
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}

	if info, err := os.Stat(stats.SnapshotPath); err == nil {
		stats.SnapshotExists = true
		stats.SnapshotBytes = info.Size()
	}

	if hs.cache != nil {
		if entries, ok := hs.cache.GetStats()["entries"].(int); ok {
			stats.ScoreCacheSize = entries
		}
	}
	if hs.limiter != nil {
		if blocked, ok := hs.limiter.GetStats()["blocked"].(int); ok {
			stats.BlockedClients = blocked
		}
	}

	return stats, nil
}

// checkStoreHealth checks that the snapshot directory is writable.
func (hs *HealthService) checkStoreHealth() ServiceHealth {
	dir := filepath.Dir(hs.store.SnapshotPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("snapshot directory not writable: %v", err),
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: "store is healthy",
	}
}

// checkCacheHealth checks the score cache.
func (hs *HealthService) checkCacheHealth() ServiceHealth {
	if hs.cache == nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: "score cache not initialized",
		}
	}

	return ServiceHealth{
		Status:  "ready",
		Message: "score cache is healthy",
		Uptime:  time.Since(hs.startTime).String(),
	}
}

// GetDetailedHealth returns comprehensive health information.
func (hs *HealthService) GetDetailedHealth(ctx context.Context) map[string]interface{} {
	stats, _ := hs.SystemStats(ctx)

	return map[string]interface{}{
		"health":    hs.HealthCheck(ctx),
		"readiness": hs.ReadinessCheck(ctx),
		"liveness":  hs.LivenessCheck(ctx),
		"stats":     stats,
	}
}
