package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/metrics"
	"github.com/vigil-dev/vigil/pkg/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	// healthyAfter resets the backoff once a collector has run this long.
	healthyAfter = 5 * time.Minute
	// maxFastFailures is how many consecutive short-lived runs are tolerated
	// before the collector is declared down.
	maxFastFailures = 5
)

// Supervisor runs collectors, restarting failed ones with exponential
// backoff. A collector that keeps dying fast is declared down: a
// collector.down event is published and the collector is abandoned until
// the next daemon start.
type Supervisor struct {
	sink Sink

	mu         sync.Mutex
	collectors []Collector
	started    bool

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor publishing lifecycle events to sink.
func NewSupervisor(sink Sink) *Supervisor {
	return &Supervisor{sink: sink}
}

// Add registers a collector. Must be called before Start.
func (s *Supervisor) Add(c Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectors = append(s.collectors, c)
}

// Start launches every registered collector under supervision.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		slog.Warn("Collector supervisor already started, ignoring duplicate Start call")
		return nil
	}
	s.started = true
	collectors := s.collectors
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, c := range collectors {
		s.wg.Add(1)
		go s.supervise(runCtx, c)
	}
	slog.Info("Collector supervisor started", "collectors", len(collectors))
	return nil
}

// Stop cancels all collectors and waits for them to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		slog.Info("Collector supervisor stopped")
	})
}

func (s *Supervisor) supervise(ctx context.Context, c Collector) {
	defer s.wg.Done()

	backoff := initialBackoff
	fastFailures := 0
	log := slog.Default().With("collector", c.Name())

	for {
		started := time.Now()
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		uptime := time.Since(started)
		log.Warn("Collector exited, scheduling restart", "error", err, "uptime", uptime)

		if uptime >= healthyAfter {
			backoff = initialBackoff
			fastFailures = 0
		} else {
			fastFailures++
			if fastFailures >= maxFastFailures {
				log.Error("Collector failing repeatedly, giving up",
					"failures", fastFailures)
				s.sink.Publish(models.NewEvent(models.EventCollectorDown, "supervisor", map[string]any{
					"collector": c.Name(),
					"failures":  fastFailures,
					"error":     errString(err),
				}))
				return
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		metrics.CollectorRestarts.WithLabelValues(c.Name()).Inc()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
