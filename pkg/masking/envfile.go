package masking

import (
	"regexp"
	"strings"
)

const envFileMaskerName = "env_file"

// secretishKey matches KEY=VALUE lines whose key name suggests a secret.
var secretishKey = regexp.MustCompile(
	`(?im)^(\s*(?:export\s+)?[A-Z0-9_]*(?:SECRET|TOKEN|PASSWORD|PASSWD|API_?KEY|PRIVATE_?KEY|CREDENTIALS?)[A-Z0-9_]*\s*=\s*)(\S.*)$`)

// EnvFileMasker redacts values of secret-named variables in dotenv-style
// content. Structural rather than value-based: a weak password in a .env
// line still gets masked even though no value pattern would catch it.
type EnvFileMasker struct{}

// Name implements Masker.
func (m *EnvFileMasker) Name() string { return envFileMaskerName }

// AppliesTo implements Masker with a cheap substring check.
func (m *EnvFileMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "=") {
		return false
	}
	upper := strings.ToUpper(data)
	for _, marker := range []string{"SECRET", "TOKEN", "PASSWORD", "API_KEY", "APIKEY", "CREDENTIAL", "PRIVATE_KEY"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// Mask implements Masker.
func (m *EnvFileMasker) Mask(data string) string {
	return secretishKey.ReplaceAllString(data, `${1}***MASKED_VALUE***`)
}
