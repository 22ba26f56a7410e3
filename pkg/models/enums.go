package models

// Priority orders events in the ingress queue and breaks ties when the
// global agent concurrency ceiling is saturated.
type Priority string

// Priority levels, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of the priority (higher = more urgent).
// Unknown values rank below low so a typo never outranks real work.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// IsValid checks if the priority is a known level
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// Severity classifies how serious a finding is.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric ordering of the severity (higher = more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 0
	default:
		return -1
	}
}

// IsValid checks if the severity is a known level
func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// Weight returns the severity contribution to the relevance score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityError:
		return 0.8
	case SeverityWarning:
		return 0.5
	default:
		return 0.2
	}
}

// Scope describes the blast radius of a finding.
type Scope string

// Scope values.
const (
	ScopeFile       Scope = "file"
	ScopeModule     Scope = "module"
	ScopeProject    Scope = "project"
	ScopeDependency Scope = "dependency"
)

// IsValid checks if the scope is a known value
func (s Scope) IsValid() bool {
	switch s {
	case ScopeFile, ScopeModule, ScopeProject, ScopeDependency:
		return true
	default:
		return false
	}
}

// Weight returns the scope contribution to the relevance score.
func (s Scope) Weight() float64 {
	switch s {
	case ScopeProject:
		return 1.0
	case ScopeModule:
		return 0.8
	case ScopeFile:
		return 0.6
	default:
		return 0.4
	}
}

// Tier is the storage tier a finding is surfaced from.
type Tier string

// Storage tiers.
const (
	TierImmediate  Tier = "immediate"
	TierRelevant   Tier = "relevant"
	TierBackground Tier = "background"
	TierAutoFixed  Tier = "auto_fixed"
)

// IsValid checks if the tier is a known value
func (t Tier) IsValid() bool {
	switch t {
	case TierImmediate, TierRelevant, TierBackground, TierAutoFixed:
		return true
	default:
		return false
	}
}

// AllTiers lists every tier in surfacing order.
func AllTiers() []Tier {
	return []Tier{TierImmediate, TierRelevant, TierBackground, TierAutoFixed}
}
