package formsave

import (
	"context"
	"time"

	"github.com/pitabwire/formsync/model"
)

// Save outcomes.
const (
	OutcomeSaved   = "saved"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// SaveEvent describes one finished save.
type SaveEvent struct {
	// SaveID identifies the save when the caller assigned one with
	// WithSaveID.
	SaveID        string
	SubjectID     string
	CorrelationID string
	FormUUID      string
	FormURL       string
	// Created is true when the save created the form.
	Created   bool
	Outcome   string
	StartedAt time.Time
	Duration  time.Duration

	StepCount          int
	DeletedSteps       int
	CreatedDefinitions int
	VersionCreated     bool

	ValidationErrors []*model.ValidationErrors
	// Err is the infrastructure failure of a failed save.
	Err error
}

// SaveObserver is notified after every save, whatever its outcome.
type SaveObserver interface {
	SaveCompleted(ctx context.Context, event SaveEvent) error
}

// SaveObserverFunc adapts a function to SaveObserver.
type SaveObserverFunc func(ctx context.Context, event SaveEvent) error

// SaveCompleted calls f(ctx, event).
func (f SaveObserverFunc) SaveCompleted(ctx context.Context, event SaveEvent) error {
	return f(ctx, event)
}

type saveIDKey struct{}

// WithSaveID attaches the id of the save about to run to ctx. Observers
// receive it in SaveEvent.SaveID.
func WithSaveID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, saveIDKey{}, id)
}

// SaveIDFrom returns the save id attached to ctx, or "".
func SaveIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(saveIDKey{}).(string)
	return id
}
