package workers

import (
	"context"
	"log"
	"time"

	"github.com/opspulse/oncall/services"
)

// EscalationWorker is the sweeper: it resumes executions left in
// Scheduled state, either because their trigger lost the policy-lock
// race or because the engine instance running them crashed.
type EscalationWorker struct {
	ExecutionService *services.ExecutionService
	Engine           *services.EscalationEngine

	Interval time.Duration
	Grace    time.Duration
}

func NewEscalationWorker(executionService *services.ExecutionService, engine *services.EscalationEngine, interval, grace time.Duration) *EscalationWorker {
	return &EscalationWorker{
		ExecutionService: executionService,
		Engine:           engine,
		Interval:         interval,
		Grace:            grace,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (w *EscalationWorker) Start(ctx context.Context) {
	log.Printf("Escalation worker started, sweeping every %s (grace %s)", w.Interval, w.Grace)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Escalation worker stopping")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *EscalationWorker) sweep(ctx context.Context) {
	executions, err := w.ExecutionService.ListResumable(w.Grace, 20)
	if err != nil {
		log.Printf("Worker: failed to list resumable executions: %v", err)
		return
	}
	if len(executions) == 0 {
		return
	}

	log.Printf("Worker: resuming %d stalled executions", len(executions))
	for _, execution := range executions {
		// Resume takes the policy lock itself, so a concurrent sweeper
		// or engine instance cannot double-run the policy.
		if err := w.Engine.Resume(ctx, execution); err != nil {
			log.Printf("Worker: failed to resume execution %s: %v", execution.ID, err)
		}
	}
}
