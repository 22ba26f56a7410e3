package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Timer publishes timer.{tag} events on cron schedules. Schedules are the
// standard five-field cron form, validated at configuration load.
type Timer struct {
	schedules map[string]string // tag → cron expression
	sink      Sink
	log       *slog.Logger
}

// NewTimer creates the timer collector.
func NewTimer(schedules map[string]string, sink Sink) *Timer {
	return &Timer{schedules: schedules, sink: sink, log: slog.Default().With("collector", "timer")}
}

// Name implements Collector.
func (t *Timer) Name() string { return "timer" }

// Run implements Collector.
func (t *Timer) Run(ctx context.Context) error {
	c := cron.New()
	for tag, schedule := range t.schedules {
		tag := tag
		if _, err := c.AddFunc(schedule, func() {
			t.sink.Publish(models.NewEvent(models.TimerType(tag), "timer", map[string]any{
				"tag": tag,
			}))
		}); err != nil {
			return fmt.Errorf("scheduling timer %s: %w", tag, err)
		}
	}

	c.Start()
	t.log.Info("Timer collector started", "timers", len(t.schedules))
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
