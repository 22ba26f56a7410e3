package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

// HookDescriptor is what a git hook shim reports to the daemon, typically
// over the control API.
type HookDescriptor struct {
	// Hook is the hook name: pre-commit, post-commit, pre-push, post-merge.
	Hook    string   `json:"hook"`
	Branch  string   `json:"branch,omitempty"`
	Commit  string   `json:"commit,omitempty"`
	Remote  string   `json:"remote,omitempty"`
	Files   []string `json:"files,omitempty"`
	RepoDir string   `json:"repo_dir,omitempty"`
}

var hookEventTypes = map[string]string{
	"pre-commit":  models.EventGitPreCommit,
	"post-commit": models.EventGitPostCommit,
	"pre-push":    models.EventGitPrePush,
	"post-merge":  models.EventGitPostMerge,
}

// Git translates hook shim deliveries into git.* events. Unlike the other
// collectors it is push-fed: hook processes report through the control API
// and Deliver publishes on their behalf. Pre-* hooks are someone actively
// waiting at a terminal, so their events carry high priority and skip
// debounce.
type Git struct {
	cfg  *config.GitSettings
	sink Sink
	log  *slog.Logger
}

// NewGit creates the git hook collector.
func NewGit(cfg *config.GitSettings, sink Sink) *Git {
	return &Git{cfg: cfg, sink: sink, log: slog.Default().With("collector", "git")}
}

// Name implements Collector.
func (g *Git) Name() string { return "git" }

// Run implements Collector; the git collector has no polling loop, it only
// parks until shutdown.
func (g *Git) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Deliver validates and publishes one hook report.
func (g *Git) Deliver(desc HookDescriptor) error {
	if !g.cfg.Enabled {
		return fmt.Errorf("git collector disabled")
	}
	eventType, ok := hookEventTypes[desc.Hook]
	if !ok {
		return fmt.Errorf("unknown git hook %q", desc.Hook)
	}

	payload := map[string]any{"hook": desc.Hook}
	if desc.Branch != "" {
		payload["branch"] = desc.Branch
	}
	if desc.Commit != "" {
		payload["commit"] = desc.Commit
	}
	if desc.Remote != "" {
		payload["remote"] = desc.Remote
	}
	if desc.RepoDir != "" {
		payload["repo_dir"] = desc.RepoDir
	}
	if len(desc.Files) > 0 {
		payload["files"] = desc.Files
	}

	event := models.NewEvent(eventType, "git", payload)
	if desc.Hook == "pre-commit" || desc.Hook == "pre-push" {
		event.Meta.Priority = models.PriorityHigh
	}
	g.log.Debug("Git hook delivered", "hook", desc.Hook, "branch", desc.Branch)
	g.sink.Publish(event)
	return nil
}
