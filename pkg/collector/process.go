package collector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Process runs the configured wrapped commands on their intervals and
// publishes process.started / process.exit events. Output is never carried
// in the event — only content digests, so agents can detect change without
// the bus hauling build logs around.
type Process struct {
	cfg  *config.ProcessSettings
	sink Sink
	log  *slog.Logger
}

// NewProcess creates the process collector.
func NewProcess(cfg *config.ProcessSettings, sink Sink) *Process {
	return &Process{cfg: cfg, sink: sink, log: slog.Default().With("collector", "process")}
}

// Name implements Collector.
func (p *Process) Name() string { return "process" }

// Run implements Collector: one goroutine per configured command.
func (p *Process) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range p.cfg.Commands {
		cmd := p.cfg.Commands[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, cmd)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Process) loop(ctx context.Context, cmd config.ProcessCommand) {
	ticker := time.NewTicker(cmd.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx, cmd)
		}
	}
}

func (p *Process) runOnce(ctx context.Context, cmd config.ProcessCommand) {
	p.sink.Publish(models.NewEvent(models.EventProcessStarted, "process", map[string]any{
		"name":    cmd.Name,
		"command": cmd.Command,
	}))

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Command, cmd.Args...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			p.log.Warn("Command failed to run", "name", cmd.Name, "error", err)
			exitCode = -1
		}
	}

	p.sink.Publish(models.NewEvent(models.EventProcessExit, "process", map[string]any{
		"name":          cmd.Name,
		"command":       cmd.Command,
		"exit_code":     exitCode,
		"duration_ms":   duration.Milliseconds(),
		"stdout_sha256": digest(stdout.Bytes()),
		"stderr_sha256": digest(stderr.Bytes()),
	}))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
