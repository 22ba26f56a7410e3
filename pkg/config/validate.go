package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// validate performs cross-field validation on a resolved configuration.
// A failure here is fatal at startup (ConfigInvalid).
func validate(cfg *Config) error {
	if cfg.Global.MaxConcurrentAgents < 1 {
		return NewValidationError("global", "max_concurrent_agents", "", ErrInvalidValue)
	}

	for name, agent := range cfg.Agents {
		if err := validateAgent(name, agent); err != nil {
			return err
		}
	}

	if q := cfg.EventSystem.Queue; q != nil {
		if q.Size < 1 {
			return NewValidationError("event_system", "queue", "size", ErrInvalidValue)
		}
		switch q.OverflowPolicy {
		case "drop_oldest", "block":
		default:
			return NewValidationError("event_system", "queue", "overflow_policy", ErrInvalidValue)
		}
	}

	if !cfg.ContextStore.Mode.IsValid() {
		return NewValidationError("context_store", "mode", "", ErrInvalidValue)
	}
	for tier, max := range cfg.ContextStore.PerTierMax {
		if max < 1 {
			return NewValidationError("context_store", "per_tier_max", string(tier), ErrInvalidValue)
		}
	}

	if c := cfg.EventSystem.Collectors; c != nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		for tag, schedule := range c.Timers {
			if tag == "" {
				return NewValidationError("timers", tag, "", ErrMissingRequiredField)
			}
			if _, err := parser.Parse(schedule); err != nil {
				return NewValidationError("timers", tag, "schedule",
					fmt.Errorf("%w: %v", ErrInvalidValue, err))
			}
		}
		for i, pc := range c.Process.Commands {
			if pc.Command == "" {
				return NewValidationError("process", fmt.Sprintf("commands[%d]", i), "command", ErrMissingRequiredField)
			}
			if pc.Interval <= 0 {
				return NewValidationError("process", pc.Name, "interval_ms", ErrInvalidValue)
			}
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("logging", "level", "", ErrInvalidValue)
	}

	return nil
}

func validateAgent(name string, agent *AgentSettings) error {
	if name == "" {
		return NewValidationError("agent", name, "name", ErrMissingRequiredField)
	}
	if len(agent.Triggers) == 0 {
		return NewValidationError("agent", name, "triggers", ErrMissingRequiredField)
	}
	for _, trigger := range agent.Triggers {
		if trigger == "" {
			return NewValidationError("agent", name, "triggers", ErrInvalidValue)
		}
	}
	if agent.Timeout < 0 {
		return NewValidationError("agent", name, "timeout_ms", ErrInvalidValue)
	}
	if agent.Retries < 0 {
		return NewValidationError("agent", name, "retries", ErrInvalidValue)
	}
	if agent.Concurrency < 1 {
		return NewValidationError("agent", name, "concurrency", ErrInvalidValue)
	}
	if agent.LoopGuard.MaxOpsPerKey < 1 || agent.LoopGuard.Window <= 0 {
		return NewValidationError("agent", name, "loop_guard", ErrInvalidValue)
	}
	return nil
}
