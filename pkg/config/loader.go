package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/vigil-dev/vigil/pkg/models"
)

// ConfigFileName is the single configuration file the daemon reads.
const ConfigFileName = "vigil.yaml"

// yamlConfig mirrors vigil.yaml. Durations are expressed in milliseconds
// (suffix _ms) matching the recognized-options table. Unknown keys anywhere
// below are rejected by the strict decoder.
type yamlConfig struct {
	Enabled      *bool                      `yaml:"enabled"`
	StateDir     string                     `yaml:"state_dir"`
	Global       *yamlGlobal                `yaml:"global"`
	Agents       map[string]*yamlAgent      `yaml:"agents"`
	EventSystem  *yamlEventSystem           `yaml:"event_system"`
	ContextStore *yamlContextStore          `yaml:"context_store"`
	EventStore   *yamlEventStore            `yaml:"event_store"`
	Logging      *yamlLogging               `yaml:"logging"`
	Masking      *yamlMasking               `yaml:"masking"`
	API          *yamlAPI                   `yaml:"api"`
	Experimental map[string]any             `yaml:"experimental"`
}

type yamlGlobal struct {
	MaxConcurrentAgents int                 `yaml:"max_concurrent_agents"`
	MaxChainDepth       int                 `yaml:"max_chain_depth"`
	ShutdownGraceMS     int                 `yaml:"shutdown_grace_ms"`
	ResourceLimits      *yamlResourceLimits `yaml:"resource_limits"`
}

type yamlResourceLimits struct {
	MaxCPU      float64 `yaml:"max_cpu"`
	MaxMemoryMB int     `yaml:"max_memory_mb"`
}

type yamlAgent struct {
	Description string          `yaml:"description"`
	Enabled     *bool           `yaml:"enabled"`
	Triggers    []string        `yaml:"triggers"`
	Config      map[string]any  `yaml:"config"`
	TimeoutMS   int             `yaml:"timeout_ms"`
	Retries     *int            `yaml:"retries"`
	Concurrency int             `yaml:"concurrency"`
	Priority    string          `yaml:"priority"`
	QueueSize   int             `yaml:"queue_size"`
	LoopGuard   *yamlLoopGuard  `yaml:"loop_guard"`
}

type yamlLoopGuard struct {
	WindowMS     int `yaml:"window_ms"`
	MaxOpsPerKey int `yaml:"max_ops_per_key"`
}

type yamlEventSystem struct {
	Collectors *yamlCollectors `yaml:"collectors"`
	Queue      *yamlQueue      `yaml:"queue"`
}

type yamlCollectors struct {
	Filesystem *yamlFilesystem    `yaml:"filesystem"`
	Git        *yamlGit           `yaml:"git"`
	Process    *yamlProcess       `yaml:"process"`
	Timers     map[string]string  `yaml:"timers"`
}

type yamlFilesystem struct {
	WatchPaths  []string `yaml:"watch_paths"`
	IgnorePaths []string `yaml:"ignore_paths"`
	DebounceMS  *int     `yaml:"debounce_ms"`
}

type yamlGit struct {
	Enabled bool `yaml:"enabled"`
}

type yamlProcess struct {
	Commands []yamlProcessCommand `yaml:"commands"`
}

type yamlProcessCommand struct {
	Name       string   `yaml:"name"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	IntervalMS int      `yaml:"interval_ms"`
}

type yamlQueue struct {
	Size           int    `yaml:"size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

type yamlContextStore struct {
	RetentionDays int                 `yaml:"retention_days"`
	PerTierMax    map[string]int      `yaml:"per_tier_max"`
	Mode          string              `yaml:"mode"`
}

type yamlEventStore struct {
	Enabled bool `yaml:"enabled"`
	TTLDays int  `yaml:"ttl_days"`
}

type yamlLogging struct {
	Level    string        `yaml:"level"`
	Rotation *yamlRotation `yaml:"rotation"`
}

type yamlRotation struct {
	MaxSize    int   `yaml:"max_size"`
	MaxBackups int   `yaml:"max_backups"`
	MaxAgeDays int   `yaml:"max_age_days"`
	Compress   *bool `yaml:"compress"`
}

type yamlMasking struct {
	Enabled      *bool  `yaml:"enabled"`
	PatternGroup string `yaml:"pattern_group"`
}

type yamlAPI struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Initialize loads, resolves, and validates the configuration under
// configDir. This is the primary entry point.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"enabled_agents", stats.EnabledAgents,
		"timers", stats.Timers,
		"watch_paths", stats.WatchPaths)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, NewLoadError(ConfigFileName, err)
	}

	// Expand {{.VAR}} environment references before parsing.
	data = ExpandEnv(data)

	// Strict decode: unknown keys fail, except under experimental which is
	// declared as an open map.
	var raw yamlConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return resolve(&raw)
}

// resolve applies defaults and converts the raw YAML shape into the typed
// Config.
func resolve(raw *yamlConfig) (*Config, error) {
	cfg := &Config{
		Enabled:      true,
		StateDir:     ".vigil",
		Global:       DefaultGlobalSettings(),
		Agents:       make(map[string]*AgentSettings),
		EventSystem: &EventSystemSettings{
			Collectors: &CollectorSettings{
				Filesystem: DefaultFilesystemSettings(),
				Git:        &GitSettings{},
				Process:    &ProcessSettings{},
			},
			Queue: DefaultQueueSettings(),
		},
		ContextStore: DefaultStoreSettings(),
		EventStore:   DefaultEventStoreSettings(),
		Logging:      DefaultLoggingSettings(),
		Masking:      DefaultMaskingSettings(),
		API:          DefaultAPISettings(),
		Experimental: raw.Experimental,
	}

	if raw.Enabled != nil {
		cfg.Enabled = *raw.Enabled
	}
	if raw.StateDir != "" {
		cfg.StateDir = raw.StateDir
	}

	if g := raw.Global; g != nil {
		if g.MaxConcurrentAgents > 0 {
			cfg.Global.MaxConcurrentAgents = g.MaxConcurrentAgents
		}
		if g.MaxChainDepth > 0 {
			cfg.Global.MaxChainDepth = g.MaxChainDepth
		}
		if g.ShutdownGraceMS > 0 {
			cfg.Global.ShutdownGrace = time.Duration(g.ShutdownGraceMS) * time.Millisecond
		}
		if rl := g.ResourceLimits; rl != nil {
			if rl.MaxCPU > 0 {
				cfg.Global.ResourceLimits.MaxCPU = rl.MaxCPU
			}
			if rl.MaxMemoryMB > 0 {
				cfg.Global.ResourceLimits.MaxMemoryMB = rl.MaxMemoryMB
			}
		}
	}

	for name, ya := range raw.Agents {
		agent, err := resolveAgent(name, ya)
		if err != nil {
			return nil, err
		}
		cfg.Agents[name] = agent
	}

	if es := raw.EventSystem; es != nil {
		if c := es.Collectors; c != nil {
			if fs := c.Filesystem; fs != nil {
				if len(fs.WatchPaths) > 0 {
					cfg.EventSystem.Collectors.Filesystem.WatchPaths = fs.WatchPaths
				}
				if len(fs.IgnorePaths) > 0 {
					// User globs extend the built-in ignore set.
					cfg.EventSystem.Collectors.Filesystem.IgnorePaths = append(
						cfg.EventSystem.Collectors.Filesystem.IgnorePaths, fs.IgnorePaths...)
				}
				if fs.DebounceMS != nil {
					cfg.EventSystem.Collectors.Filesystem.Debounce = time.Duration(*fs.DebounceMS) * time.Millisecond
				}
			}
			if c.Git != nil {
				cfg.EventSystem.Collectors.Git.Enabled = c.Git.Enabled
			}
			if c.Process != nil {
				for _, pc := range c.Process.Commands {
					cfg.EventSystem.Collectors.Process.Commands = append(
						cfg.EventSystem.Collectors.Process.Commands, ProcessCommand{
							Name:     pc.Name,
							Command:  pc.Command,
							Args:     pc.Args,
							Interval: time.Duration(pc.IntervalMS) * time.Millisecond,
						})
				}
			}
			cfg.EventSystem.Collectors.Timers = c.Timers
		}
		if q := es.Queue; q != nil {
			userQueue := &QueueSettings{Size: q.Size, OverflowPolicy: q.OverflowPolicy}
			if err := mergo.Merge(cfg.EventSystem.Queue, userQueue, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge queue config: %w", err)
			}
		}
	}

	// The daemon's own state directory is never watched: agents and the
	// store write under it, and watching it would feed those writes back
	// into the event pipeline.
	cfg.EventSystem.Collectors.Filesystem.IgnorePaths = append(
		cfg.EventSystem.Collectors.Filesystem.IgnorePaths,
		filepath.Base(cfg.StateDir))

	if cs := raw.ContextStore; cs != nil {
		if cs.Mode != "" {
			cfg.ContextStore.Mode = StoreMode(cs.Mode)
		}
		if cs.RetentionDays > 0 {
			// retention_days governs the actively surfaced tiers; the
			// background and auto_fixed windows keep their built-ins.
			age := time.Duration(cs.RetentionDays) * 24 * time.Hour
			cfg.ContextStore.MaxAge[models.TierImmediate] = age
			cfg.ContextStore.MaxAge[models.TierRelevant] = age
		}
		for tier, max := range cs.PerTierMax {
			t := models.Tier(tier)
			if !t.IsValid() {
				return nil, NewValidationError("context_store", "per_tier_max", tier, ErrInvalidValue)
			}
			cfg.ContextStore.PerTierMax[t] = max
		}
	}

	if es := raw.EventStore; es != nil {
		cfg.EventStore.Enabled = es.Enabled
		if es.TTLDays > 0 {
			cfg.EventStore.TTL = time.Duration(es.TTLDays) * 24 * time.Hour
		}
	}

	if l := raw.Logging; l != nil {
		if l.Level != "" {
			cfg.Logging.Level = l.Level
		}
		if r := l.Rotation; r != nil {
			if r.MaxSize > 0 {
				cfg.Logging.Rotation.MaxSizeMB = r.MaxSize
			}
			if r.MaxBackups > 0 {
				cfg.Logging.Rotation.MaxBackups = r.MaxBackups
			}
			if r.MaxAgeDays > 0 {
				cfg.Logging.Rotation.MaxAgeDays = r.MaxAgeDays
			}
			if r.Compress != nil {
				cfg.Logging.Rotation.Compress = *r.Compress
			}
		}
	}

	if m := raw.Masking; m != nil {
		if m.Enabled != nil {
			cfg.Masking.Enabled = *m.Enabled
		}
		if m.PatternGroup != "" {
			cfg.Masking.PatternGroup = m.PatternGroup
		}
	}

	if a := raw.API; a != nil && a.ListenAddr != "" {
		cfg.API.ListenAddr = a.ListenAddr
	}

	return cfg, nil
}

func resolveAgent(name string, ya *yamlAgent) (*AgentSettings, error) {
	agent := DefaultAgentSettings(name)
	if ya == nil {
		return agent, nil
	}

	agent.Description = ya.Description
	if ya.Enabled != nil {
		agent.Enabled = *ya.Enabled
	}
	agent.Triggers = ya.Triggers
	agent.Config = ya.Config
	if ya.TimeoutMS > 0 {
		agent.Timeout = time.Duration(ya.TimeoutMS) * time.Millisecond
	}
	if ya.Retries != nil {
		agent.Retries = *ya.Retries
	}
	if ya.Concurrency > 0 {
		agent.Concurrency = ya.Concurrency
	}
	if ya.Priority != "" {
		p := models.Priority(ya.Priority)
		if !p.IsValid() {
			return nil, NewValidationError("agent", name, "priority", ErrInvalidValue)
		}
		agent.Priority = p
	}
	if ya.QueueSize > 0 {
		agent.QueueSize = ya.QueueSize
	}
	if lg := ya.LoopGuard; lg != nil {
		if lg.WindowMS > 0 {
			agent.LoopGuard.Window = time.Duration(lg.WindowMS) * time.Millisecond
		}
		if lg.MaxOpsPerKey > 0 {
			agent.LoopGuard.MaxOpsPerKey = lg.MaxOpsPerKey
		}
	}
	return agent, nil
}
