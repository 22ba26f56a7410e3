// Package store implements the tiered finding context store: a single
// writer goroutine applies mutations from a bounded command channel,
// deduplicates findings by stable ID, scores them for relevance, assigns
// tiers, and persists each tier atomically under <state_dir>/context/.
package store

import (
	"math"
	"time"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Scoring weights. Severity dominates, then breadth of impact, then how
// recent the finding is, then whether the user is actively touching the
// file it lives in.
const (
	weightSeverity    = 0.40
	weightScope       = 0.25
	weightFreshness   = 0.20
	weightUserContext = 0.15
)

// User-context weight levels: a finding in a file the user just touched gets
// full weight, one outside the touched set a reduced weight, and when no
// activity has been observed yet every finding sits in the middle.
const (
	userWeightTouched   = 1.0
	userWeightUntouched = 0.3
	userWeightNoSignal  = 0.5
)

// tierThresholds are the immediate/relevant score cutoffs per mode. Flow
// interrupts least; quality surfaces the most.
var tierThresholds = map[config.StoreMode][2]float64{
	config.StoreModeFlow:     {0.85, 0.55},
	config.StoreModeBalanced: {0.75, 0.40},
	config.StoreModeQuality:  {0.65, 0.30},
}

// score computes the relevance score in [0, 1]. userWeight is one of the
// userWeight* levels, resolved by the store against its activity window.
func score(f *models.Finding, now time.Time, tau time.Duration, userWeight float64) float64 {
	age := now.Sub(f.Timestamp)
	if age < 0 {
		age = 0
	}
	freshness := math.Exp(-float64(age) / float64(tau))

	return weightSeverity*f.Severity.Weight() +
		weightScope*f.Scope.Weight() +
		weightFreshness*freshness +
		weightUserContext*userWeight
}

// assignTier is the pure tier function. Auto-fixed findings always land in
// the auto_fixed tier. Blocking and critical findings always surface
// immediately; errors close to the code (file or module scope) surface
// immediately once their score crosses the mode's upper threshold. The
// relevant tier takes warnings and up above the lower threshold; everything
// else is background.
func assignTier(f *models.Finding, relevance float64, mode config.StoreMode) models.Tier {
	if f.AutoFixed {
		return models.TierAutoFixed
	}

	thresholds, ok := tierThresholds[mode]
	if !ok {
		thresholds = tierThresholds[config.StoreModeBalanced]
	}

	switch {
	case f.Blocking || f.Severity == models.SeverityCritical:
		return models.TierImmediate
	case f.Severity == models.SeverityError &&
		(f.Scope == models.ScopeFile || f.Scope == models.ScopeModule) &&
		relevance >= thresholds[0]:
		return models.TierImmediate
	}

	if relevance >= thresholds[1] && f.Severity.Weight() >= models.SeverityWarning.Weight() {
		return models.TierRelevant
	}
	return models.TierBackground
}
