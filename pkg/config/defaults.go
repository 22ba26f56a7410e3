package config

import (
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Built-in defaults. User YAML overrides these field by field.

// DefaultGlobalSettings returns the built-in global policy.
func DefaultGlobalSettings() *GlobalSettings {
	return &GlobalSettings{
		MaxConcurrentAgents: 4,
		MaxChainDepth:       5,
		ShutdownGrace:       5 * time.Second,
		ResourceLimits: ResourceLimits{
			MaxCPU:      0.5,
			MaxMemoryMB: 512,
		},
	}
}

// DefaultAgentSettings returns the per-agent defaults applied before the
// agent's own YAML section.
func DefaultAgentSettings(name string) *AgentSettings {
	return &AgentSettings{
		Name:        name,
		Enabled:     true,
		Timeout:     60 * time.Second,
		Retries:     1,
		Concurrency: 1,
		Priority:    models.PriorityNormal,
		QueueSize:   128,
		LoopGuard: LoopGuardSettings{
			Window:       10 * time.Second,
			MaxOpsPerKey: 3,
		},
	}
}

// DefaultFilesystemSettings returns the filesystem collector defaults.
func DefaultFilesystemSettings() *FilesystemSettings {
	return &FilesystemSettings{
		WatchPaths: []string{"."},
		IgnorePaths: []string{
			"**/.git/**",
			"**/node_modules/**",
			"**/__pycache__/**",
			"**/.venv/**",
			"**/dist/**",
			"**/build/**",
			"**/target/**",
		},
		Debounce: 500 * time.Millisecond,
	}
}

// DefaultQueueSettings returns the ingress queue defaults.
func DefaultQueueSettings() *QueueSettings {
	return &QueueSettings{
		Size:           1024,
		OverflowPolicy: "drop_oldest",
	}
}

// DefaultStoreSettings returns the context store defaults (balanced mode).
func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		Mode: StoreModeBalanced,
		PerTierMax: map[models.Tier]int{
			models.TierImmediate:  500,
			models.TierRelevant:   500,
			models.TierBackground: 250,
			models.TierAutoFixed:  250,
		},
		MaxAge: map[models.Tier]time.Duration{
			models.TierImmediate:  7 * 24 * time.Hour,
			models.TierRelevant:   7 * 24 * time.Hour,
			models.TierBackground: 3 * 24 * time.Hour,
			models.TierAutoFixed:  30 * 24 * time.Hour,
		},
		FreshnessTau:    time.Hour,
		UserContextSize: 10,
		CommandBuffer:   256,
	}
}

// DefaultEventStoreSettings returns the event persistence defaults
// (disabled; events.db is opt-in).
func DefaultEventStoreSettings() *EventStoreSettings {
	return &EventStoreSettings{
		Enabled: false,
		TTL:     7 * 24 * time.Hour,
	}
}

// DefaultLoggingSettings returns the logging defaults.
func DefaultLoggingSettings() *LoggingSettings {
	return &LoggingSettings{
		Level: "info",
		Rotation: RotationSettings{
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// DefaultMaskingSettings returns the secret masking defaults.
func DefaultMaskingSettings() *MaskingSettings {
	return &MaskingSettings{
		Enabled:      true,
		PatternGroup: "security",
	}
}

// DefaultAPISettings returns the local API defaults. The daemon only ever
// binds loopback.
func DefaultAPISettings() *APISettings {
	return &APISettings{
		ListenAddr: "127.0.0.1:7317",
	}
}
