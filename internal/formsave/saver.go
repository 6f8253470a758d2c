// Package formsave persists a form under design to the Open Forms API. It
// saves the form record, its steps and form definitions, its variables,
// logic rules and price rules, and finally a version snapshot, resolving
// temporary step ids to server URLs along the way.
package formsave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/model"
)

// Backend executes Open Forms API requests. *client.Client implements it.
type Backend interface {
	Do(ctx context.Context, req client.Request) (client.Response, error)
}

// Saver runs complete-form saves. It is safe for concurrent use.
type Saver struct {
	backend Backend

	stepConcurrency   int
	deleteConcurrency int
	skipVersion       bool

	logger    *zap.Logger
	metrics   *observability.Metrics
	observers []SaveObserver
	now       func() time.Time
}

// Option configures a Saver.
type Option func(*Saver)

// WithConfig applies the save section of the configuration.
func WithConfig(cfg config.SaveConfig) Option {
	return func(s *Saver) {
		s.stepConcurrency = cfg.StepConcurrency
		s.deleteConcurrency = cfg.DeleteConcurrency
		s.skipVersion = cfg.SkipVersion
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(s *Saver) { s.logger = l }
}

// WithMetrics records save metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Saver) { s.metrics = m }
}

// WithObserver adds an observer notified after every save.
func WithObserver(o SaveObserver) Option {
	return func(s *Saver) { s.observers = append(s.observers, o) }
}

// New creates a Saver sending its requests to backend.
func New(backend Backend, opts ...Option) *Saver {
	s := &Saver{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists the complete form described by state and returns the
// resulting snapshot. Validation errors reported by the backend are returned
// as data, each tagged with the designer section it belongs to; any other
// failure is returned as err. The input snapshot is never modified.
//
// A form-level validation error stops the save before anything else is
// written, as does a validation error on any step. Variables and logic rules
// are both attempted and their errors combined; the version snapshot is only
// written when neither reported errors.
func (s *Saver) Save(ctx context.Context, state model.SaveState) (model.SaveState, []*model.ValidationErrors, error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "formsave.Save",
		observability.AttrNewForm.Bool(state.NewForm),
		observability.AttrStepCount.Int(len(state.FormSteps)),
	)
	logger := observability.LoggerFrom(ctx, s.logger).With(zap.Bool("new_form", state.NewForm))
	ctx = observability.WithLogger(ctx, logger)

	event := SaveEvent{
		SaveID:       SaveIDFrom(ctx),
		FormUUID:     state.Form.UUID,
		FormURL:      state.Form.URL,
		StartedAt:    start,
		StepCount:    len(state.FormSteps),
		DeletedSteps: len(state.StepsToDelete),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		event.SubjectID = rctx.SubjectID
		event.CorrelationID = rctx.CorrelationID
	}

	logger.Info("formsave: save started",
		zap.String("form_url", state.Form.URL),
		zap.Int("steps", len(state.FormSteps)),
		zap.Int("steps_to_delete", len(state.StepsToDelete)),
	)

	out, errs, err := s.save(ctx, state, &event)

	event.Duration = s.now().Sub(start)
	event.ValidationErrors = errs
	event.Err = err
	event.FormUUID = out.Form.UUID
	event.FormURL = out.Form.URL
	event.Created = state.Form.URL == "" && out.Form.URL != ""
	switch {
	case err != nil:
		event.Outcome = OutcomeFailed
		logger.Error("formsave: save failed", zap.Error(err), zap.Duration("duration", event.Duration))
	case len(errs) > 0:
		event.Outcome = OutcomeInvalid
		for _, verr := range errs {
			s.metrics.RecordValidationErrors(string(verr.Context))
			logger.Warn("formsave: validation errors",
				zap.String("context", string(verr.Context)),
				zap.String("message", verr.Message),
				zap.Int("fields", len(verr.Errors)),
			)
		}
	default:
		event.Outcome = OutcomeSaved
		logger.Info("formsave: save completed",
			zap.String("form_url", out.Form.URL),
			zap.Duration("duration", event.Duration),
		)
	}
	s.metrics.RecordSave(event.Outcome, event.Duration)
	span.SetAttributes(observability.AttrFormURL.String(out.Form.URL))
	if len(errs) > 0 {
		span.SetAttributes(observability.AttrErrorContext.String(string(errs[0].Context)))
	}
	observability.EndSpanWithError(span, err)

	s.notify(ctx, event)
	return out, errs, err
}

func (s *Saver) save(ctx context.Context, state model.SaveState, event *SaveEvent) (model.SaveState, []*model.ValidationErrors, error) {
	// 1. Reset error tracking so repeated saves do not accumulate errors.
	state = state.ResetErrors()

	// 2. The form itself. Nothing else may be written against an invalid
	// form.
	var verr *model.ValidationErrors
	err := s.phase(ctx, "form", func(ctx context.Context) error {
		var err error
		state, verr, err = s.saveForm(ctx, state)
		return err
	})
	if err != nil {
		return state, nil, err
	}
	if verr != nil {
		return state, []*model.ValidationErrors{verr}, nil
	}

	// 3. Steps and their definitions. Variables and logic refer to step
	// URLs, so any step error stops the save.
	var (
		mu      sync.Mutex
		created []model.FormDefinition
		errs    []*model.ValidationErrors
	)
	onCreate := func(def model.FormDefinition) {
		mu.Lock()
		created = append(created, def)
		mu.Unlock()
	}
	err = s.phase(ctx, "steps", func(ctx context.Context) error {
		var err error
		state, errs, err = s.saveSteps(ctx, state, onCreate)
		return err
	})
	if err != nil {
		return state, nil, err
	}
	if len(created) > 0 {
		state = mergeDefinitions(state, created)
		event.CreatedDefinitions = len(created)
	}
	if len(errs) > 0 {
		return state, errs, nil
	}

	// The table is built only now that the steps have URLs.
	table := NewStepTable(state.FormSteps)

	// 4. Variables before logic rules: the backend checks that variables
	// referenced by rules exist.
	err = s.phase(ctx, "variables", func(ctx context.Context) error {
		var err error
		state, verr, err = s.saveVariables(ctx, state, table)
		return err
	})
	if err != nil {
		return state, nil, err
	}
	if verr != nil {
		errs = append(errs, verr)
	}

	// 5. Logic rules, then price rules.
	err = s.phase(ctx, "logic", func(ctx context.Context) error {
		var err error
		state, verr, err = s.saveLogicRules(ctx, state, table)
		return err
	})
	if err != nil {
		return state, nil, err
	}
	if verr != nil {
		errs = append(errs, verr)
	}

	err = s.phase(ctx, "price_rules", func(ctx context.Context) error {
		var err error
		state, verr, err = s.savePriceRules(ctx, state)
		return err
	})
	if err != nil {
		return state, nil, err
	}
	if verr != nil {
		errs = append(errs, verr)
	}

	// 6. The version snapshot, only for an error-free save.
	if len(errs) == 0 && !s.skipVersion {
		err = s.phase(ctx, "version", func(ctx context.Context) error {
			return s.createVersion(ctx, state)
		})
		if err != nil {
			return state, nil, err
		}
		event.VersionCreated = true
	}

	return state, errs, nil
}

// phase runs fn in its own span and records its duration.
func (s *Saver) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "formsave."+name, observability.AttrPhase.String(name))
	start := s.now()
	err := fn(ctx)
	s.metrics.RecordSavePhase(name, s.now().Sub(start))
	observability.EndSpanWithError(span, err)
	return err
}

func (s *Saver) notify(ctx context.Context, event SaveEvent) {
	for _, o := range s.observers {
		if err := o.SaveCompleted(ctx, event); err != nil {
			observability.LoggerFrom(ctx, s.logger).Warn("formsave: save observer failed", zap.Error(err))
		}
	}
}

// mergeDefinitions adds newly created definitions to the shared collection,
// replacing entries with the same URL.
func mergeDefinitions(state model.SaveState, created []model.FormDefinition) model.SaveState {
	out := state.Clone()
	for _, def := range created {
		replaced := false
		for i := range out.FormDefinitions {
			if out.FormDefinitions[i].URL == def.URL {
				out.FormDefinitions[i] = def
				replaced = true
				break
			}
		}
		if !replaced {
			out.FormDefinitions = append(out.FormDefinitions, def)
		}
	}
	return out
}
