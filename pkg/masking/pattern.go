package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern is one ready-to-apply regex redaction.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPattern is the source form of a built-in pattern.
type builtinPattern struct {
	pattern     string
	replacement string
}

// builtinPatterns are the regexes every installation carries. Replacements
// keep the key name visible so a finding still reads sensibly.
var builtinPatterns = map[string]builtinPattern{
	"api_key": {
		pattern:     `(?i)(api[_-]?key|apikey)(["'\s:=]+)[A-Za-z0-9_\-]{16,}`,
		replacement: `${1}${2}***MASKED_API_KEY***`,
	},
	"bearer_token": {
		pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.=]{16,}`,
		replacement: `Bearer ***MASKED_TOKEN***`,
	},
	"password": {
		pattern:     `(?i)(password|passwd|pwd)(["'\s:=]+)\S+`,
		replacement: `${1}${2}***MASKED_PASSWORD***`,
	},
	"secret": {
		pattern:     `(?i)(secret|token|credential)([_-]?key)?(["'\s:=]+)[A-Za-z0-9_\-\.=]{8,}`,
		replacement: `${1}${2}${3}***MASKED_SECRET***`,
	},
	"aws_access_key": {
		pattern:     `\bAKIA[0-9A-Z]{16}\b`,
		replacement: `***MASKED_AWS_KEY***`,
	},
	"github_token": {
		pattern:     `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		replacement: `***MASKED_GITHUB_TOKEN***`,
	},
	"private_key": {
		pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: `***MASKED_PRIVATE_KEY***`,
	},
	"connection_string": {
		pattern:     `(?i)\b(postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s:@]+:[^\s@]+@`,
		replacement: `${1}://***MASKED_CREDENTIALS***@`,
	},
}

// patternGroups maps a group name to the pattern and masker names it
// expands to. Configuration selects a group, not individual patterns.
var patternGroups = map[string][]string{
	"security": {
		"api_key", "bearer_token", "password", "secret",
		"aws_access_key", "github_token", "private_key",
		"connection_string", envFileMaskerName,
	},
	"basic": {"api_key", "password", "secret"},
}

// compileBuiltinPatterns compiles the built-in set. An invalid pattern is a
// programming error but is logged and skipped rather than failing startup.
func compileBuiltinPatterns() map[string]*CompiledPattern {
	out := make(map[string]*CompiledPattern, len(builtinPatterns))
	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		out[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.replacement,
		}
	}
	return out
}
