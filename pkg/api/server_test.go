package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-dev/vigil/pkg/agent"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/manager"
	"github.com/vigil-dev/vigil/pkg/models"
)

// noopAgent satisfies agent.Agent for control-surface tests.
type noopAgent struct{ name string }

func (a *noopAgent) Name() string                      { return a.name }
func (a *noopAgent) OnStart(ctx context.Context) error { return nil }
func (a *noopAgent) OnStop(ctx context.Context) error  { return nil }
func (a *noopAgent) NeedsWork(models.Event) bool       { return false }
func (a *noopAgent) Handle(ctx context.Context, event models.Event) *models.AgentResult {
	return &models.AgentResult{AgentName: a.name, Success: true}
}

func testManagerConfig(t *testing.T) *config.Config {
	t.Helper()
	linter := config.DefaultAgentSettings("linter")
	linter.Triggers = []string{models.EventFileModified}
	return &config.Config{
		Enabled:  true,
		StateDir: t.TempDir(),
		Global:   config.DefaultGlobalSettings(),
		Agents:   map[string]*config.AgentSettings{"linter": linter},
		EventSystem: &config.EventSystemSettings{
			Collectors: &config.CollectorSettings{
				// No watch paths: the control surface is under test, not
				// the collectors.
				Filesystem: &config.FilesystemSettings{},
				Git:        &config.GitSettings{Enabled: true},
				Process:    &config.ProcessSettings{},
			},
			Queue: config.DefaultQueueSettings(),
		},
		ContextStore: config.DefaultStoreSettings(),
		EventStore:   config.DefaultEventStoreSettings(),
		Logging:      config.DefaultLoggingSettings(),
		Masking:      config.DefaultMaskingSettings(),
		API:          &config.APISettings{ListenAddr: "127.0.0.1:0"},
	}
}

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	cfg := testManagerConfig(t)
	mgr, err := manager.New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Runtime().Register(&noopAgent{name: "linter"}))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { mgr.Stop(context.Background()) })
	return New(cfg.API, mgr), mgr
}

func (s *Server) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "vigil", body["app"])
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status manager.Status
	decode(t, rec, &status)
	require.Len(t, status.Agents, 1)
	assert.Equal(t, "linter", status.Agents[0].Name)
	assert.True(t, status.Agents[0].Enabled)
	assert.False(t, status.StoreDegraded)
}

func TestFindingsEndpoint(t *testing.T) {
	s, mgr := newTestServer(t)

	require.NoError(t, mgr.Store().Add(context.Background(), models.Finding{
		ID:       "f-1",
		Agent:    "linter",
		File:     "a.go",
		Message:  "tests failing",
		Severity: models.SeverityError,
		Scope:    models.ScopeModule,
		Blocking: true,
	}))
	require.NoError(t, mgr.Store().Flush(context.Background()))

	rec := s.do(t, http.MethodGet, "/api/v1/findings/immediate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tier     string           `json:"tier"`
		Count    int              `json:"count"`
		Findings []models.Finding `json:"findings"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "immediate", body.Tier)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "f-1", body.Findings[0].ID)
}

func TestFindingsEndpointRejectsUnknownTier(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/findings/urgent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexEndpoint(t *testing.T) {
	s, mgr := newTestServer(t)

	require.NoError(t, mgr.Store().Add(context.Background(), models.Finding{
		Agent:    "linter",
		Message:  "broken build",
		Severity: models.SeverityCritical,
		Scope:    models.ScopeProject,
		Blocking: true,
	}))
	require.NoError(t, mgr.Store().Flush(context.Background()))

	rec := s.do(t, http.MethodGet, "/api/v1/index", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var idx struct {
		CheckNow struct {
			Count   int      `json:"count"`
			Preview []string `json:"preview"`
		} `json:"check_now"`
	}
	decode(t, rec, &idx)
	assert.Equal(t, 1, idx.CheckNow.Count)
	assert.Equal(t, []string{"broken build"}, idx.CheckNow.Preview)
}

func TestPauseAndResume(t *testing.T) {
	s, mgr := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/pause", `{"agents":["linter"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mgr.Status().Agents[0].Paused)

	rec = s.do(t, http.MethodPost, "/api/v1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, mgr.Status().Agents[0].Paused)
}

func TestPauseUnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/pause", `{"agents":["ghost"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableDisableAgent(t *testing.T) {
	s, mgr := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/agents/linter/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, mgr.Status().Agents[0].Enabled)

	rec = s.do(t, http.MethodPost, "/api/v1/agents/linter/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mgr.Status().Agents[0].Enabled)

	rec = s.do(t, http.MethodPost, "/api/v1/agents/ghost/enable", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGitHookEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/hooks/git",
		`{"hook":"pre-commit","branch":"main","files":["a.go"]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/hooks/git", `{"hook":"post-rewrite"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/hooks/git", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsEndpointDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerStartStop(t *testing.T) {
	cfg := testManagerConfig(t)
	mgr, err := manager.New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop(context.Background())

	cfg.API.ListenAddr = "127.0.0.1:17317"
	s := New(cfg.API, mgr)
	require.NoError(t, s.Start(context.Background()))

	resp, err := http.Get("http://127.0.0.1:17317/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A second instance on the same address fails fast.
	dup := New(cfg.API, mgr)
	assert.Error(t, dup.Start(context.Background()))
	dup.hub.stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

var _ agent.Agent = (*noopAgent)(nil)
