// Package journal keeps an audit trail of complete-form saves: who saved
// which form, how the save ended and which sections reported errors.
package journal

import (
	"context"
	"time"

	"github.com/pitabwire/formsync/model"
)

// Record is one journal entry.
type Record struct {
	ID            string `json:"id"`
	SubjectID     string `json:"subjectId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	FormUUID      string `json:"formUuid,omitempty"`
	FormURL       string `json:"formUrl,omitempty"`
	Outcome       string `json:"outcome"`
	Created       bool   `json:"created"`

	StepCount          int  `json:"stepCount"`
	DeletedSteps       int  `json:"deletedSteps"`
	CreatedDefinitions int  `json:"createdDefinitions"`
	VersionCreated     bool `json:"versionCreated"`

	// ErrorContexts lists the designer sections that reported validation
	// errors, in report order.
	ErrorContexts    []model.ErrorContext      `json:"errorContexts"`
	ValidationErrors []*model.ValidationErrors `json:"validationErrors,omitempty"`
	// Error is the infrastructure failure of a failed save.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// Store persists journal records.
type Store interface {
	// Append adds a record. Returns CONFLICT if the id is taken.
	Append(ctx context.Context, rec Record) error

	// Get retrieves a record by id. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (Record, error)

	// ListByForm returns the records of a form, newest first.
	ListByForm(ctx context.Context, formURL string, filters Filters) ([]Record, error)

	// Prune deletes records started before cutoff and returns how many were
	// removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Filters are optional filters for listing records.
type Filters struct {
	Outcome string
	Limit   int
	Offset  int
}
