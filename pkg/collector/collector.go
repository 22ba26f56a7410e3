// Package collector turns external happenings — filesystem changes, git
// hooks, wrapped process runs, timers — into events published to the ingress
// queue. Collectors run under a supervisor that restarts them with backoff
// when they fail.
package collector

import (
	"context"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Sink receives the events a collector produces. The ingress queue
// satisfies it.
type Sink interface {
	Publish(event models.Event)
}

// Collector is a supervised event source. Run blocks until the context ends
// or the collector fails; a non-nil error triggers a supervised restart.
type Collector interface {
	Name() string
	Run(ctx context.Context) error
}
