package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "state_dir from environment",
			input: "state_dir: {{.VIGIL_STATE_DIR}}",
			env:   map[string]string{"VIGIL_STATE_DIR": "/home/dev/.vigil"},
			want:  "state_dir: /home/dev/.vigil",
		},
		{
			name: "agent config with webhook secret",
			input: `agents:
  notifier:
    enabled: true
    config:
      webhook_url: {{.SLACK_WEBHOOK}}`,
			env: map[string]string{"SLACK_WEBHOOK": "https://hooks.example.com/T00/B00/xyz"},
			want: `agents:
  notifier:
    enabled: true
    config:
      webhook_url: https://hooks.example.com/T00/B00/xyz`,
		},
		{
			name: "watch_paths list entries",
			input: `watch_paths:
  - {{.PROJECT_ROOT}}/src
  - {{.PROJECT_ROOT}}/internal`,
			env: map[string]string{"PROJECT_ROOT": "/work/app"},
			want: `watch_paths:
  - /work/app/src
  - /work/app/internal`,
		},
		{
			name:  "listen address from two variables",
			input: "listen_addr: {{.VIGIL_HOST}}:{{.VIGIL_PORT}}",
			env:   map[string]string{"VIGIL_HOST": "127.0.0.1", "VIGIL_PORT": "7487"},
			want:  "listen_addr: 127.0.0.1:7487",
		},
		{
			name:  "masking regex with trailing dollar untouched",
			input: `- pattern: "^-----BEGIN [A-Z ]+ KEY-----$"`,
			env:   map[string]string{},
			want:  `- pattern: "^-----BEGIN [A-Z ]+ KEY-----$"`,
		},
		{
			name:  "shell-style ${VAR} in a process command untouched",
			input: `command: "go test ${GOFLAGS} ./..."`,
			env:   map[string]string{"GOFLAGS": "-race"},
			want:  `command: "go test ${GOFLAGS} ./..."`,
		},
		{
			name:  "bare $PATH untouched",
			input: "command: echo $PATH",
			env:   map[string]string{},
			want:  "command: echo $PATH",
		},
		{
			name:  "unset variable expands to empty",
			input: "token: {{.VIGIL_UNSET_TOKEN}}",
			env:   map[string]string{},
			want:  "token: ",
		},
		{
			name:  "set and unset mixed",
			input: "addr: {{.VIGIL_HOST}}:{{.VIGIL_UNSET_PORT}}",
			env:   map[string]string{"VIGIL_HOST": "localhost"},
			want:  "addr: localhost:",
		},
		{
			name:  "value containing equals sign",
			input: "query: {{.FILTER}}",
			env:   map[string]string{"FILTER": "severity=error"},
			want:  "query: severity=error",
		},
		{
			name:  "no template syntax passes through",
			input: "enabled: true",
			env:   map[string]string{"UNUSED": "x"},
			want:  "enabled: true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

func TestExpandEnvMalformedReturnsOriginal(t *testing.T) {
	// Parse or execution failures hand the bytes back unchanged; the YAML
	// parser then produces the actionable error, and no secret leaks into a
	// half-expanded document.
	tests := []struct {
		name  string
		input string
	}{
		{"unclosed action", "state_dir: {{.VIGIL_STATE_DIR"},
		{"empty action", "state_dir: {{}}"},
		{"missing dot", "state_dir: {{VIGIL_STATE_DIR}}"},
		{"unknown function", "state_dir: {{.VIGIL_STATE_DIR | upper}}"},
		{"field access on a string", "state_dir: {{.VIGIL_STATE_DIR.Sub}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VIGIL_STATE_DIR", "must-not-leak")
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.input, string(got))
			assert.NotContains(t, string(got), "must-not-leak")
		})
	}
}

func TestExpandEnvThenParse(t *testing.T) {
	t.Setenv("VIGIL_STATE_DIR", "/tmp/vigil-state")
	t.Setenv("PROJECT_ROOT", "/work/app")

	input := `
state_dir: {{.VIGIL_STATE_DIR}}
event_system:
  collectors:
    filesystem:
      watch_paths:
        - {{.PROJECT_ROOT}}
      ignore_paths:
        - "**/.git/**"
agents:
  linter:
    enabled: true
    triggers: ["file.modified"]
`

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(ExpandEnv([]byte(input)), &doc))
	assert.Equal(t, "/tmp/vigil-state", doc["state_dir"])

	es := doc["event_system"].(map[string]any)
	fs := es["collectors"].(map[string]any)["filesystem"].(map[string]any)
	assert.Equal(t, []any{"/work/app"}, fs["watch_paths"])
}

func TestExpandEnvEmptyInput(t *testing.T) {
	assert.Empty(t, ExpandEnv(nil))
}
