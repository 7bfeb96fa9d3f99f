package orchestrator

import (
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.RunStatus
		want     bool
	}{
		{models.RunQueued, models.RunRunning, true},
		{models.RunQueued, models.RunCancelled, true},
		{models.RunQueued, models.RunSuccess, false},
		{models.RunRunning, models.RunRetrying, true},
		{models.RunRunning, models.RunSuccess, true},
		{models.RunRetrying, models.RunRunning, true},
		{models.RunRetrying, models.RunSuccess, false},
		{models.RunSuccess, models.RunRunning, false},
		{models.RunFailed, models.RunRetrying, false},
		{models.RunCancelled, models.RunQueued, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionStamps(t *testing.T) {
	queued := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	run := &models.ETLRun{ID: "r1", Status: models.RunQueued, QueuedAt: queued}

	started := queued.Add(time.Minute)
	require.NoError(t, Transition(run, models.RunRunning, started))
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, started, *run.StartedAt)

	next := started.Add(time.Hour)
	run.NextRetryAt = &next
	require.NoError(t, Transition(run, models.RunRetrying, started.Add(10*time.Second)))
	assert.Equal(t, 1, run.Attempt)

	require.NoError(t, Transition(run, models.RunRunning, started.Add(time.Minute)))
	assert.Equal(t, started, *run.StartedAt, "first start is kept")
	assert.Nil(t, run.NextRetryAt)

	done := started.Add(2 * time.Minute)
	require.NoError(t, Transition(run, models.RunSuccess, done))
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, done, *run.CompletedAt)
	assert.Equal(t, int64(120000), run.DurationMs)
	assert.Equal(t, 2*time.Minute, run.Duration())

	err := Transition(run, models.RunRunning, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, models.RunSuccess, run.Status)
}

func TestTransitionCancelQueuedUsesQueuedAt(t *testing.T) {
	queued := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	run := &models.ETLRun{ID: "r1", Status: models.RunQueued, QueuedAt: queued}
	require.NoError(t, Transition(run, models.RunCancelled, queued.Add(3*time.Second)))
	assert.Nil(t, run.StartedAt)
	assert.Equal(t, int64(3000), run.DurationMs)
}
