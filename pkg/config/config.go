// Package config loads, validates, and exposes the daemon configuration.
// A single vigil.yaml describes global policy, per-agent settings,
// collectors, the ingress queue, the context store, and logging. Parsing is
// strict: unknown keys are rejected unless they live under "experimental".
package config

import (
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Enabled is the global kill switch. When false the daemon exits
	// immediately after validating configuration.
	Enabled bool

	// StateDir is where the daemon keeps its on-disk state: context/,
	// logs/, audit.log, and the optional events.db.
	StateDir string

	Global       *GlobalSettings
	Agents       map[string]*AgentSettings
	EventSystem  *EventSystemSettings
	ContextStore *StoreSettings
	EventStore   *EventStoreSettings
	Logging      *LoggingSettings
	Masking      *MaskingSettings
	API          *APISettings

	// Experimental holds namespaced opt-in settings that bypass strict
	// key validation. Passed through opaquely.
	Experimental map[string]any
}

// GlobalSettings holds daemon-wide policy.
type GlobalSettings struct {
	// MaxConcurrentAgents caps agent handlers running simultaneously.
	MaxConcurrentAgents int
	// MaxChainDepth bounds agent→agent derived event chains.
	MaxChainDepth int
	// ShutdownGrace is how long Stop waits for in-flight handlers before
	// forcing cancellation.
	ShutdownGrace time.Duration
	// ResourceLimits are advisory per-process caps used by the adaptive
	// scheduler; the runtime measures and reacts, it does not kill.
	ResourceLimits ResourceLimits
}

// ResourceLimits are advisory caps.
type ResourceLimits struct {
	// MaxCPU is the fraction of one CPU an agent may sustain (0 disables).
	MaxCPU float64
	// MaxMemoryMB is the advisory memory ceiling in MiB (0 disables).
	MaxMemoryMB int
}

// AgentSettings is the resolved per-agent descriptor (§ agent runtime).
type AgentSettings struct {
	Name        string
	Description string
	Enabled     bool
	Triggers    []string
	Config      map[string]any
	Timeout     time.Duration
	Retries     int
	Concurrency int
	Priority    models.Priority
	QueueSize   int
	LoopGuard   LoopGuardSettings
}

// LoopGuardSettings bounds how often an agent may act on the same key,
// breaking modify/notify cycles.
type LoopGuardSettings struct {
	Window       time.Duration
	MaxOpsPerKey int
}

// EventSystemSettings groups collector and ingress queue configuration.
type EventSystemSettings struct {
	Collectors *CollectorSettings
	Queue      *QueueSettings
}

// CollectorSettings configures the event collectors.
type CollectorSettings struct {
	Filesystem *FilesystemSettings
	Git        *GitSettings
	Process    *ProcessSettings
	// Timers maps a tag to its cron schedule; each fires "timer.<tag>".
	Timers map[string]string
}

// FilesystemSettings configures the filesystem collector.
type FilesystemSettings struct {
	WatchPaths  []string
	IgnorePaths []string
	Debounce    time.Duration
}

// GitSettings configures the git hook collector.
type GitSettings struct {
	Enabled bool
}

// ProcessSettings configures the process collector.
type ProcessSettings struct {
	Commands []ProcessCommand
}

// ProcessCommand is one wrapped command run on an interval.
type ProcessCommand struct {
	Name     string
	Command  string
	Args     []string
	Interval time.Duration
}

// QueueSettings configures the ingress priority queue.
type QueueSettings struct {
	Size           int
	OverflowPolicy string // "drop_oldest" or "block"
}

// StoreMode adjusts tier thresholds: flow interrupts least, quality most.
type StoreMode string

// Store modes.
const (
	StoreModeFlow     StoreMode = "flow"
	StoreModeBalanced StoreMode = "balanced"
	StoreModeQuality  StoreMode = "quality"
)

// IsValid checks if the store mode is a known value
func (m StoreMode) IsValid() bool {
	return m == StoreModeFlow || m == StoreModeBalanced || m == StoreModeQuality
}

// StoreSettings configures the tiered context store.
type StoreSettings struct {
	Mode StoreMode
	// PerTierMax is the per-tier finding count ceiling.
	PerTierMax map[models.Tier]int
	// MaxAge is the per-tier retention age.
	MaxAge map[models.Tier]time.Duration
	// FreshnessTau is the decay constant for the freshness weight.
	FreshnessTau time.Duration
	// UserContextSize is the sliding window of recently touched files.
	UserContextSize int
	// CommandBuffer bounds the writer's mutation channel.
	CommandBuffer int
}

// EventStoreSettings configures the optional SQLite event persistence.
type EventStoreSettings struct {
	Enabled bool
	TTL     time.Duration
}

// LoggingSettings configures slog level and file rotation.
type LoggingSettings struct {
	Level    string
	Rotation RotationSettings
}

// RotationSettings mirrors lumberjack's knobs.
type RotationSettings struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// MaskingSettings configures secret masking of finding text.
type MaskingSettings struct {
	Enabled      bool
	PatternGroup string
}

// APISettings configures the local control/read API.
type APISettings struct {
	ListenAddr string
}

// Stats summarizes a loaded configuration for the startup log line.
type Stats struct {
	Agents        int
	EnabledAgents int
	Timers        int
	WatchPaths    int
}

// Stats computes summary counts.
func (c *Config) Stats() Stats {
	s := Stats{Agents: len(c.Agents)}
	for _, a := range c.Agents {
		if a.Enabled {
			s.EnabledAgents++
		}
	}
	if c.EventSystem != nil && c.EventSystem.Collectors != nil {
		s.Timers = len(c.EventSystem.Collectors.Timers)
		if c.EventSystem.Collectors.Filesystem != nil {
			s.WatchPaths = len(c.EventSystem.Collectors.Filesystem.WatchPaths)
		}
	}
	return s
}
