// Package orchestrator runs ETL jobs. A Supervisor creates runs, hands them
// to a TaskQueue and advances each run's state machine from the queue's
// completion callbacks; a Scheduler decides when jobs are due. Checkpoints
// and runs are written only by this package.
package orchestrator

import (
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// ErrInvalidTransition is returned for a state change the run state machine
// does not allow.
var ErrInvalidTransition = errors.New(errors.ErrorTypeOrchestration, "invalid run status transition")

var transitions = map[models.RunStatus][]models.RunStatus{
	models.RunQueued:   {models.RunRunning, models.RunCancelled, models.RunFailed},
	models.RunRunning:  {models.RunSuccess, models.RunFailed, models.RunCancelled, models.RunRetrying},
	models.RunRetrying: {models.RunRunning, models.RunCancelled, models.RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to models.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves run to status to at the given instant. Entering running
// stamps StartedAt the first time; entering retrying counts an attempt;
// terminal states stamp CompletedAt and the duration since the first start.
func Transition(run *models.ETLRun, to models.RunStatus, at time.Time) error {
	if !CanTransition(run.Status, to) {
		return errors.Wrap(ErrInvalidTransition, errors.ErrorTypeOrchestration,
			string(run.Status)+" -> "+string(to)).WithDetail("run_id", run.ID)
	}
	at = at.UTC()
	switch to {
	case models.RunRunning:
		if run.StartedAt == nil {
			run.StartedAt = &at
		}
		run.NextRetryAt = nil
	case models.RunRetrying:
		run.Attempt++
	}
	if to.IsTerminal() {
		run.CompletedAt = &at
		run.NextRetryAt = nil
		start := run.QueuedAt
		if run.StartedAt != nil {
			start = *run.StartedAt
		}
		run.DurationMs = at.Sub(start).Milliseconds()
	}
	run.Status = to
	return nil
}
