package license

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"entitled/internal/config"
	"entitled/internal/shared/testutil"
	"entitled/pkg/contracts/domain"
)

func testTrustConfig() config.TrustConfig {
	return config.TrustConfig{
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
	}
}

func TestScorer_Window(t *testing.T) {
	s := NewScorer(testTrustConfig())
	assert.Equal(t, 7*24*time.Hour, s.Window())
}

func TestScorer_CleanHistory(t *testing.T) {
	s := NewScorer(testTrustConfig())
	now := time.Now().UTC()

	result := s.Score(nil, 3, now)

	assert.Equal(t, 100, result.Score)
	assert.Equal(t, domain.RiskLevelLow, result.RiskLevel)
	assert.Zero(t, result.ChurnPenalty)
	assert.Zero(t, result.IPPenalty)
	assert.Zero(t, result.MismatchPenalty)
}

func TestScorer_ChurnPenalty(t *testing.T) {
	s := NewScorer(testTrustConfig())
	now := time.Now().UTC()

	churn := func(n int, at time.Time) []domain.ActivationAttempt {
		var attempts []domain.ActivationAttempt
		for i := 0; i < n; i++ {
			outcome := domain.AttemptOutcomeActivated
			if i%2 == 1 {
				outcome = domain.AttemptOutcomeDeactivated
			}
			attempts = append(attempts, testutil.Attempt("lic-1", outcome, "203.0.113.10", at))
		}
		return attempts
	}

	t.Run("at threshold costs nothing", func(t *testing.T) {
		result := s.Score(churn(3, now.Add(-time.Hour)), 3, now)
		assert.Zero(t, result.ChurnPenalty)
		assert.Equal(t, 100, result.Score)
	})

	t.Run("events beyond threshold are charged per event", func(t *testing.T) {
		result := s.Score(churn(5, now.Add(-time.Hour)), 3, now)
		assert.Equal(t, 20, result.ChurnPenalty)
		assert.Equal(t, 80, result.Score)
		assert.Equal(t, domain.RiskLevelLow, result.RiskLevel)
	})

	t.Run("penalty is capped", func(t *testing.T) {
		result := s.Score(churn(20, now.Add(-time.Hour)), 3, now)
		assert.Equal(t, 30, result.ChurnPenalty)
		assert.Equal(t, 70, result.Score)
		assert.Equal(t, domain.RiskLevelMedium, result.RiskLevel)
	})

	t.Run("events outside the window do not count", func(t *testing.T) {
		result := s.Score(churn(20, now.Add(-48*time.Hour)), 3, now)
		assert.Zero(t, result.ChurnPenalty)
		assert.Equal(t, 100, result.Score)
	})

	t.Run("non-churn outcomes do not count", func(t *testing.T) {
		attempts := []domain.ActivationAttempt{
			testutil.Attempt("lic-1", domain.AttemptOutcomeLimitExceeded, "203.0.113.10", now),
			testutil.Attempt("lic-1", domain.AttemptOutcomeLimitExceeded, "203.0.113.10", now),
			testutil.Attempt("lic-1", domain.AttemptOutcomeLimitExceeded, "203.0.113.10", now),
			testutil.Attempt("lic-1", domain.AttemptOutcomeLimitExceeded, "203.0.113.10", now),
		}
		result := s.Score(attempts, 3, now)
		assert.Zero(t, result.ChurnPenalty)
	})
}

func TestScorer_IPPenalty(t *testing.T) {
	s := NewScorer(testTrustConfig())
	now := time.Now().UTC()

	fromIPs := func(ips ...string) []domain.ActivationAttempt {
		var attempts []domain.ActivationAttempt
		for _, ip := range ips {
			attempts = append(attempts, testutil.Attempt("lic-1", domain.AttemptOutcomeActivated, ip, now.Add(-48*time.Hour)))
		}
		return attempts
	}

	t.Run("distinct IPs within the cap are free", func(t *testing.T) {
		result := s.Score(fromIPs("10.0.0.1", "10.0.0.2", "10.0.0.3"), 3, now)
		assert.Zero(t, result.IPPenalty)
	})

	t.Run("each excess address is charged", func(t *testing.T) {
		result := s.Score(fromIPs("10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"), 3, now)
		assert.Equal(t, 20, result.IPPenalty)
		assert.Equal(t, 80, result.Score)
	})

	t.Run("repeated addresses count once", func(t *testing.T) {
		result := s.Score(fromIPs("10.0.0.1", "10.0.0.1", "10.0.0.1", "10.0.0.2"), 1, now)
		assert.Equal(t, 10, result.IPPenalty)
	})

	t.Run("empty addresses are ignored", func(t *testing.T) {
		result := s.Score(fromIPs("", "", "10.0.0.1"), 1, now)
		assert.Zero(t, result.IPPenalty)
	})

	t.Run("penalty is capped", func(t *testing.T) {
		var ips []string
		for i := 0; i < 20; i++ {
			ips = append(ips, fmt.Sprintf("10.0.0.%d", i+1))
		}
		result := s.Score(fromIPs(ips...), 1, now)
		assert.Equal(t, 40, result.IPPenalty)
	})
}

func TestScorer_MismatchPenalty(t *testing.T) {
	s := NewScorer(testTrustConfig())
	now := time.Now().UTC()

	mismatches := func(n int) []domain.ActivationAttempt {
		var attempts []domain.ActivationAttempt
		for i := 0; i < n; i++ {
			attempts = append(attempts, testutil.Attempt("lic-1", domain.AttemptOutcomeBindingMismatch, "203.0.113.10", now.Add(-48*time.Hour)))
		}
		return attempts
	}

	t.Run("charged per mismatch", func(t *testing.T) {
		result := s.Score(mismatches(2), 3, now)
		assert.Equal(t, 10, result.MismatchPenalty)
		assert.Equal(t, 90, result.Score)
	})

	t.Run("capped", func(t *testing.T) {
		result := s.Score(mismatches(10), 3, now)
		assert.Equal(t, 20, result.MismatchPenalty)
		assert.Equal(t, 80, result.Score)
	})
}

func TestScorer_ScoreFloorsAtZero(t *testing.T) {
	now := time.Now().UTC()

	// The default caps sum to 90, which cannot reach the floor on their
	// own; raise two of them so the combined penalty overshoots 100.
	cfg := testTrustConfig()
	cfg.ChurnPenaltyCap = 60
	cfg.IPPenaltyCap = 60
	aggressive := NewScorer(cfg)

	var attempts []domain.ActivationAttempt
	for i := 0; i < 15; i++ {
		attempts = append(attempts, testutil.Attempt("lic-1", domain.AttemptOutcomeActivated, fmt.Sprintf("10.1.0.%d", i), now.Add(-time.Hour)))
		attempts = append(attempts, testutil.Attempt("lic-1", domain.AttemptOutcomeBindingMismatch, fmt.Sprintf("10.2.0.%d", i), now.Add(-time.Hour)))
	}

	result := aggressive.Score(attempts, 1, now)
	assert.Equal(t, 0, result.Score)
	assert.Equal(t, domain.RiskLevelHigh, result.RiskLevel)
}

func TestScorer_RiskLevelBuckets(t *testing.T) {
	s := NewScorer(testTrustConfig())

	tests := []struct {
		score int
		want  domain.RiskLevel
	}{
		{100, domain.RiskLevelLow},
		{80, domain.RiskLevelLow},
		{79, domain.RiskLevelMedium},
		{50, domain.RiskLevelMedium},
		{49, domain.RiskLevelHigh},
		{0, domain.RiskLevelHigh},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.riskLevel(tt.score), "score %d", tt.score)
	}
}
