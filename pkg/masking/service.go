package masking

import (
	"log/slog"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Service applies the configured pattern group to finding text. Created
// once at startup; thread-safe and stateless aside from compiled patterns.
type Service struct {
	cfg         *config.MaskingSettings
	patterns    map[string]*CompiledPattern
	codeMaskers map[string]Masker

	// resolved is the active set in application order: code-based maskers
	// first (structural awareness), then the regex sweep.
	maskers []Masker
	regexes []*CompiledPattern
}

// NewService compiles the built-in patterns and resolves the configured
// group. Unknown group names resolve to an empty set and are logged.
func NewService(cfg *config.MaskingSettings) *Service {
	s := &Service{
		cfg:         cfg,
		patterns:    compileBuiltinPatterns(),
		codeMaskers: map[string]Masker{envFileMaskerName: &EnvFileMasker{}},
	}

	names, ok := patternGroups[cfg.PatternGroup]
	if !ok && cfg.Enabled {
		slog.Error("Unknown masking pattern group, masking nothing",
			"group", cfg.PatternGroup)
	}
	for _, name := range names {
		if m, isCode := s.codeMaskers[name]; isCode {
			s.maskers = append(s.maskers, m)
			continue
		}
		if cp, isRegex := s.patterns[name]; isRegex {
			s.regexes = append(s.regexes, cp)
		}
	}

	slog.Info("Masking service initialized",
		"enabled", cfg.Enabled,
		"group", cfg.PatternGroup,
		"patterns", len(s.regexes),
		"code_maskers", len(s.maskers))
	return s
}

// MaskText redacts secrets from one string.
func (s *Service) MaskText(text string) string {
	if !s.cfg.Enabled || text == "" {
		return text
	}
	masked := text
	for _, m := range s.maskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, cp := range s.regexes {
		masked = cp.Regex.ReplaceAllString(masked, cp.Replacement)
	}
	return masked
}

// MaskFinding redacts the free-text fields of a finding in place. Called by
// the agent runtime before a finding is committed, so secrets never reach
// the tier files.
func (s *Service) MaskFinding(finding *models.Finding) {
	if !s.cfg.Enabled || finding == nil {
		return
	}
	finding.Message = s.MaskText(finding.Message)
	finding.Detail = s.MaskText(finding.Detail)
	finding.SuggestedFix = s.MaskText(finding.SuggestedFix)
}
