package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables into vigil.yaml before it is
// parsed, using Go template syntax: {{.VIGIL_STATE_DIR}}, {{.SLACK_WEBHOOK}}.
// Plain $VAR expansion is deliberately not supported: the config is full of
// literal dollar signs that must survive untouched, like the masking
// patterns under masking.custom_patterns (^-----BEGIN.*$) and shell
// fragments in process collector commands ($PATH, ${GOPATH}).
//
// A variable that is not set expands to the empty string; required fields
// left empty that way are rejected by validation afterwards. Content that
// fails to parse or execute as a template is returned unchanged, so a config
// with no template syntax always passes through as-is.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("vigil.yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		// Values may themselves contain '='.
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
