package license

import (
	"time"

	"entitled/internal/config"
	"entitled/pkg/contracts/domain"
)

// Scorer computes a trust score in [0,100] from the activation history of a
// license and maps it to a risk level. It is read-only with respect to the
// ledger: re-running a verification never changes history, only the
// reported score, which drifts as the rolling window moves.
type Scorer struct {
	cfg config.TrustConfig
}

// NewScorer creates a trust scorer with the given weights and thresholds.
func NewScorer(cfg config.TrustConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Window is how far back attempt history participates in scoring. Callers
// fetching history for Score restrict their query to this window so IP and
// mismatch penalties decay as attempts age out of it.
func (s *Scorer) Window() time.Duration {
	return s.cfg.ScoreWindow
}

// ScoreResult carries the computed score, its risk bucket, and the signal
// breakdown for logging.
type ScoreResult struct {
	Score           int
	RiskLevel       domain.RiskLevel
	ChurnPenalty    int
	IPPenalty       int
	MismatchPenalty int
}

// Score derives the trust score for a license from its attempt log. The
// attempts slice is expected to already be restricted to the scoring window
// (see Ledger and Store.AttemptsSince); maxActivations is the license's cap,
// which sets the baseline for how many distinct IPs are unsuspicious.
func (s *Scorer) Score(attempts []domain.ActivationAttempt, maxActivations int, now time.Time) ScoreResult {
	score := 100

	churn := s.churnPenalty(attempts, now)
	ip := s.ipPenalty(attempts, maxActivations)
	mismatch := s.mismatchPenalty(attempts)

	score -= churn + ip + mismatch
	if score < 0 {
		score = 0
	}

	return ScoreResult{
		Score:           score,
		RiskLevel:       s.riskLevel(score),
		ChurnPenalty:    churn,
		IPPenalty:       ip,
		MismatchPenalty: mismatch,
	}
}

// churnPenalty penalizes rapid activate/deactivate cycling. Events beyond
// the threshold within the rolling window each cost ChurnPenaltyPerEvent,
// up to the cap.
func (s *Scorer) churnPenalty(attempts []domain.ActivationAttempt, now time.Time) int {
	cutoff := now.Add(-s.cfg.ChurnWindow)

	events := 0
	for _, a := range attempts {
		if a.OccurredAt.Before(cutoff) {
			continue
		}
		if a.Outcome == domain.AttemptOutcomeActivated || a.Outcome == domain.AttemptOutcomeDeactivated {
			events++
		}
	}

	if events <= s.cfg.ChurnEventThreshold {
		return 0
	}

	penalty := (events - s.cfg.ChurnEventThreshold) * s.cfg.ChurnPenaltyPerEvent
	return minInt(penalty, s.cfg.ChurnPenaltyCap)
}

// ipPenalty penalizes attempts from more distinct addresses than the
// activation cap justifies.
func (s *Scorer) ipPenalty(attempts []domain.ActivationAttempt, maxActivations int) int {
	distinct := make(map[string]struct{})
	for _, a := range attempts {
		if a.IPAddress != "" {
			distinct[a.IPAddress] = struct{}{}
		}
	}

	excess := len(distinct) - maxActivations
	if excess <= 0 {
		return 0
	}

	return minInt(excess*s.cfg.IPPenaltyPerAddress, s.cfg.IPPenaltyCap)
}

// mismatchPenalty penalizes recorded binding mismatches.
func (s *Scorer) mismatchPenalty(attempts []domain.ActivationAttempt) int {
	mismatches := 0
	for _, a := range attempts {
		if a.Outcome == domain.AttemptOutcomeBindingMismatch {
			mismatches++
		}
	}

	return minInt(mismatches*s.cfg.MismatchPenalty, s.cfg.MismatchPenaltyCap)
}

// riskLevel buckets a score using the configured thresholds.
func (s *Scorer) riskLevel(score int) domain.RiskLevel {
	switch {
	case score >= s.cfg.LowRiskThreshold:
		return domain.RiskLevelLow
	case score >= s.cfg.MediumRiskThreshold:
		return domain.RiskLevelMedium
	default:
		return domain.RiskLevelHigh
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
