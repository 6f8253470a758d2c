package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/observability"
)

// Recorder writes a journal record for every finished save. It implements
// formsave.SaveObserver.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a Recorder writing to store. metrics may be nil.
func NewRecorder(store Store, logger *zap.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, metrics: metrics}
}

// SaveCompleted appends the record of event.
func (r *Recorder) SaveCompleted(ctx context.Context, event formsave.SaveEvent) error {
	rec := NewRecord(event)
	if err := r.store.Append(ctx, rec); err != nil {
		r.metrics.RecordJournalWriteFailure()
		return fmt.Errorf("journal: record save %s: %w", rec.ID, err)
	}
	observability.LoggerFrom(ctx, r.logger).Debug("journal: save recorded",
		zap.String("save_id", rec.ID),
		zap.String("outcome", rec.Outcome),
	)
	return nil
}

// NewRecord converts a save event into a journal record. Events without a
// save id get a fresh one.
func NewRecord(event formsave.SaveEvent) Record {
	rec := Record{
		ID:                 event.SaveID,
		SubjectID:          event.SubjectID,
		CorrelationID:      event.CorrelationID,
		FormUUID:           event.FormUUID,
		FormURL:            event.FormURL,
		Outcome:            event.Outcome,
		Created:            event.Created,
		StepCount:          event.StepCount,
		DeletedSteps:       event.DeletedSteps,
		CreatedDefinitions: event.CreatedDefinitions,
		VersionCreated:     event.VersionCreated,
		ValidationErrors:   event.ValidationErrors,
		StartedAt:          event.StartedAt.UTC(),
		DurationMs:         event.Duration.Milliseconds(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if event.Err != nil {
		rec.Error = event.Err.Error()
	}
	for _, verr := range event.ValidationErrors {
		rec.ErrorContexts = append(rec.ErrorContexts, verr.Context)
	}
	return rec
}

// RunPruner deletes records older than retention every interval until ctx
// is done. A zero retention disables pruning.
func RunPruner(ctx context.Context, store Store, retention, interval time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	if interval == 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Prune(ctx, now.Add(-retention))
			if err != nil {
				logger.Error("journal pruning failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("journal pruned", zap.Int64("records", n))
			}
		}
	}
}
