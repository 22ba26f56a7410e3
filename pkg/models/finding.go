package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Finding is a structured, deduplicable report about code produced by an
// agent. Two reports of the same condition collapse to the same ID.
type Finding struct {
	ID           string    `json:"id"`
	Agent        string    `json:"agent"`
	Timestamp    time.Time `json:"timestamp"`
	File         string    `json:"file,omitempty"`
	Line         int       `json:"line,omitempty"`
	Column       int       `json:"column,omitempty"`
	Severity     Severity  `json:"severity"`
	Blocking     bool      `json:"blocking,omitempty"`
	Category     string    `json:"category"`
	Message      string    `json:"message"`
	Detail       string    `json:"detail,omitempty"`
	SuggestedFix string    `json:"suggested_fix,omitempty"`
	AutoFixable  bool      `json:"auto_fixable,omitempty"`
	AutoFixed    bool      `json:"auto_fixed,omitempty"`
	Scope        Scope     `json:"scope"`

	// RelevanceScore and Tier are derived by the context store on insert
	// and on refresh; agent-supplied values are overwritten.
	RelevanceScore float64 `json:"relevance_score"`
	Tier           Tier    `json:"tier"`

	Tags []string `json:"tags,omitempty"`

	// Occurrences counts how many times this finding has been re-reported.
	// Maintained by the store; starts at 1.
	Occurrences int `json:"occurrences,omitempty"`
}

// ComputeID derives the stable finding identity from agent, location,
// category, and the normalized message. Re-reported identical findings
// hash to the same ID and are deduplicated on insert.
func (f *Finding) ComputeID() string {
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%s|%s|%d|%s|%s",
		f.Agent, f.File, f.Line, f.Category, normalizeMessage(f.Message))
	return fmt.Sprintf("%016x", h.Sum64())
}

// EnsureID fills in the ID if the agent left it empty.
func (f *Finding) EnsureID() {
	if f.ID == "" {
		f.ID = f.ComputeID()
	}
}

// Validate checks the fields an agent must set before the store accepts
// the finding.
func (f *Finding) Validate() error {
	if f.Agent == "" {
		return fmt.Errorf("finding missing agent name")
	}
	if f.Message == "" {
		return fmt.Errorf("finding missing message")
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("finding has invalid severity %q", f.Severity)
	}
	if !f.Scope.IsValid() {
		return fmt.Errorf("finding has invalid scope %q", f.Scope)
	}
	return nil
}

// normalizeMessage collapses whitespace and case so cosmetic rewording by
// a tool does not change finding identity.
func normalizeMessage(msg string) string {
	return strings.Join(strings.Fields(strings.ToLower(msg)), " ")
}
