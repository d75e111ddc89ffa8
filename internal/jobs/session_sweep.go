// Package jobs runs the service's periodic background work on a gocron
// scheduler.
package jobs

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rreusch2/parleyapp-sub005/internal/services"
)

// StartSessionSweep schedules a minute-interval job that reports registry
// state and flags running sessions with no activity for well past the
// inactivity window (usually a turn stuck inside an agent tool call).
// Sessions are never removed here; the registry keeps terminated entries
// so a later message can replace them in place.
func StartSessionSweep(registry *services.SessionRegistry, idleTimeout time.Duration) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	// A running loop waits at most idleTimeout for a message before
	// terminating itself, so anything idle for twice that is wedged.
	stuckCutoff := 2 * idleTimeout

	_, err = scheduler.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			sweep(registry, stuckCutoff)
		}),
		gocron.WithName("session-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register session sweep job: %w", err)
	}

	scheduler.Start()
	log.Printf("⏰ [JOBS] Session sweep scheduled (every 1m, stuck cutoff %v)", stuckCutoff)
	return scheduler, nil
}

func sweep(registry *services.SessionRegistry, stuckCutoff time.Duration) {
	running := registry.CountByState(services.StateRunning)
	terminated := registry.CountByState(services.StateTerminated)
	log.Printf("🧹 [SWEEP] Sessions: %d running, %d terminated, %d total", running, terminated, registry.Count())

	for _, id := range registry.IdleRunning(stuckCutoff) {
		log.Printf("⚠️  [SWEEP] Session %s has been running with no activity for over %v, agent turn likely wedged", id, stuckCutoff)
	}
}
