package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/model"
)

type failingStore struct{ *MemoryStore }

func (failingStore) Append(context.Context, Record) error {
	return errors.New("disk full")
}

func TestNewRecord(t *testing.T) {
	step := 1
	event := formsave.SaveEvent{
		SaveID:             "save-1",
		SubjectID:          "designer-1",
		CorrelationID:      "corr-1",
		FormUUID:           "form-1",
		FormURL:            "https://api/forms/form-1",
		Outcome:            formsave.OutcomeInvalid,
		StartedAt:          t0,
		Duration:           1500 * time.Millisecond,
		StepCount:          2,
		CreatedDefinitions: 1,
		ValidationErrors: []*model.ValidationErrors{
			{Context: model.ContextSteps, Step: &step, Message: "Invalid input."},
			{Context: model.ContextVariables, Message: "Invalid input."},
		},
	}

	rec := NewRecord(event)

	assert.Equal(t, "save-1", rec.ID)
	assert.Equal(t, "designer-1", rec.SubjectID)
	assert.Equal(t, formsave.OutcomeInvalid, rec.Outcome)
	assert.Equal(t, int64(1500), rec.DurationMs)
	assert.Equal(t, []model.ErrorContext{model.ContextSteps, model.ContextVariables}, rec.ErrorContexts)
	assert.Len(t, rec.ValidationErrors, 2)
	assert.Empty(t, rec.Error)
}

func TestNewRecord_failedWithoutSaveID(t *testing.T) {
	rec := NewRecord(formsave.SaveEvent{
		Outcome:   formsave.OutcomeFailed,
		StartedAt: t0,
		Err:       errors.New("backend unavailable"),
	})

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "backend unavailable", rec.Error)
	assert.Empty(t, rec.ErrorContexts)
}

func TestRecorder_appends(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, zap.NewNop(), nil)

	err := r.SaveCompleted(context.Background(), formsave.SaveEvent{
		SaveID:    "save-1",
		FormURL:   "https://api/forms/a",
		Outcome:   formsave.OutcomeSaved,
		StartedAt: t0,
	})
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "save-1")
	require.NoError(t, err)
	assert.Equal(t, formsave.OutcomeSaved, rec.Outcome)
}

func TestRecorder_writeFailureCounted(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	r := NewRecorder(failingStore{NewMemoryStore()}, nil, metrics)

	err := r.SaveCompleted(context.Background(), formsave.SaveEvent{SaveID: "save-1", StartedAt: t0})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JournalWriteFailures))
}

func TestRunPruner(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Append(ctx, testRecord("old", "f", time.Now().Add(-2*time.Hour))))
	require.NoError(t, store.Append(ctx, testRecord("new", "f", time.Now())))

	done := make(chan struct{})
	go func() {
		RunPruner(ctx, store, time.Hour, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "old")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	_, err := store.Get(context.Background(), "new")
	assert.NoError(t, err)

	cancel()
	<-done
}

func TestRunPruner_disabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		RunPruner(context.Background(), NewMemoryStore(), 0, time.Millisecond, zap.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPruner with zero retention should return immediately")
	}
}
