package formsave

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/model"
)

const definitionsEndpoint = "form-definitions"

type definitionPayload struct {
	Name          string                       `json:"name"`
	InternalName  string                       `json:"internalName,omitempty"`
	Slug          string                       `json:"slug"`
	Configuration map[string]any               `json:"configuration"`
	LoginRequired bool                         `json:"loginRequired"`
	IsReusable    bool                         `json:"isReusable"`
	Translations  map[string]map[string]string `json:"translations,omitempty"`
}

type stepTranslationPayload struct {
	PreviousText string `json:"previousText"`
	SaveText     string `json:"saveText"`
	NextText     string `json:"nextText"`
}

type stepPayload struct {
	Index          int                               `json:"index"`
	FormDefinition string                            `json:"formDefinition"`
	Literals       model.StepLiterals                `json:"literals"`
	Translations   map[string]stepTranslationPayload `json:"translations,omitempty"`
}

type resourceCreated struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// DefinitionCallback receives every form definition created while saving
// steps. It may be called concurrently.
type DefinitionCallback func(model.FormDefinition)

// saveSteps deletes the queued steps, then creates or updates every
// remaining step together with its form definition. Steps are saved
// concurrently and fail independently: the returned list holds the
// validation errors of failed steps, tagged with their index. Steps that
// saved successfully carry their new UUID, URL and definition URL in the
// returned state.
func (s *Saver) saveSteps(ctx context.Context, state model.SaveState, onCreate DefinitionCallback) (model.SaveState, []*model.ValidationErrors, error) {
	out := state.Clone()

	// 1. Deletions happen before any create or update.
	if err := s.deleteSteps(ctx, out.StepsToDelete); err != nil {
		return state, nil, err
	}
	out.StepsToDelete = []string{}

	if len(out.FormSteps) == 0 {
		return out, nil, nil
	}
	if out.Form.URL == "" {
		return state, nil, errors.New("formsave: save steps: form has no URL")
	}

	// 2. Every step independently. Results are written by index, so no
	// lock is needed.
	saved := make([]model.FormStep, len(out.FormSteps))
	failed := make([]*model.ValidationErrors, len(out.FormSteps))

	g, gctx := errgroup.WithContext(ctx)
	if s.stepConcurrency > 0 {
		g.SetLimit(s.stepConcurrency)
	}
	for i, step := range out.FormSteps {
		g.Go(func() error {
			result, verr, err := s.saveStep(gctx, out.Form.URL, i, step, onCreate)
			if err != nil {
				return err
			}
			saved[i], failed[i] = result, verr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state, nil, err
	}

	var errs []*model.ValidationErrors
	for i := range out.FormSteps {
		if failed[i] != nil {
			errs = append(errs, failed[i])
			continue
		}
		out.FormSteps[i] = saved[i]
	}
	return out, errs, nil
}

// saveStep persists one step. Its form definition is saved first since the
// step cannot exist without it.
func (s *Saver) saveStep(
	ctx context.Context,
	formURL string,
	index int,
	step model.FormStep,
	onCreate DefinitionCallback,
) (model.FormStep, *model.ValidationErrors, error) {
	ctx, span := observability.StartSpan(ctx, "formsave.step",
		observability.AttrStepIndex.Int(index),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	// a. The form definition.
	isNewDefinition := !model.IsAbsoluteURL(step.FormDefinition)
	defReq := client.Request{
		Method:  http.MethodPut,
		URL:     step.FormDefinition,
		Body:    newDefinitionPayload(step),
		Partial: true,
	}
	if isNewDefinition {
		defReq.Method = http.MethodPost
		defReq.URL = definitionsEndpoint
	}
	defResp, err := s.backend.Do(ctx, defReq)
	if err != nil {
		spanErr = err
		return step, nil, fmt.Errorf("formsave: save definition of step %d: %w", index, err)
	}
	// b. Without a valid definition the step itself is not attempted.
	if !defResp.OK {
		return step, defResp.ValidationErrors().ForStep(index), nil
	}
	var definition model.FormDefinition
	if err := defResp.Decode(&definition); err != nil {
		spanErr = err
		return step, nil, fmt.Errorf("formsave: save definition of step %d: %w", index, err)
	}
	if definition.URL == "" {
		definition.URL = step.FormDefinition
	}

	// c. The step, referencing the definition just saved.
	stepReq := client.Request{
		Method:  http.MethodPut,
		URL:     step.URL,
		Body:    newStepPayload(index, definition.URL, step),
		Partial: true,
	}
	if step.URL == "" {
		stepReq.Method = http.MethodPost
		stepReq.URL = strings.TrimSuffix(formURL, "/") + "/steps"
	}
	stepResp, err := s.backend.Do(ctx, stepReq)
	if err != nil {
		spanErr = err
		return step, nil, fmt.Errorf("formsave: save step %d: %w", index, err)
	}
	if !stepResp.OK {
		return step, stepResp.ValidationErrors().ForStep(index), nil
	}
	var created resourceCreated
	if err := stepResp.Decode(&created); err != nil {
		spanErr = err
		return step, nil, fmt.Errorf("formsave: save step %d: %w", index, err)
	}

	// d. Report new definitions so later steps can reuse them.
	if isNewDefinition && onCreate != nil {
		onCreate(definition)
	}

	step.Index = index
	step.FormDefinition = definition.URL
	if created.UUID != "" {
		step.UUID = created.UUID
	}
	if created.URL != "" {
		step.URL = created.URL
	}
	return step, nil, nil
}

// deleteSteps removes the queued step URLs concurrently. A step the backend
// refuses to delete is logged and skipped; only failures to reach the
// backend abort the save.
func (s *Saver) deleteSteps(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	logger := observability.LoggerFrom(ctx, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	if s.deleteConcurrency > 0 {
		g.SetLimit(s.deleteConcurrency)
	}
	for _, u := range urls {
		g.Go(func() error {
			_, err := s.backend.Do(gctx, client.Request{Method: http.MethodDelete, URL: u})
			if err == nil {
				s.metrics.RecordStepDeletion("deleted")
				return nil
			}
			if !backendAnswered(err) {
				return fmt.Errorf("formsave: delete step %s: %w", u, err)
			}
			s.metrics.RecordStepDeletion("ignored")
			logger.Warn("formsave: step deletion rejected",
				zap.String("url", u),
				zap.Error(err),
			)
			return nil
		})
	}
	return g.Wait()
}

// backendAnswered reports whether err is a refusal sent by the backend
// rather than a failure to reach it.
func backendAnswered(err error) bool {
	if _, ok := model.AsValidationErrors(err); ok {
		return true
	}
	var env *model.ErrorEnvelope
	return errors.As(err, &env) && env.Status > 0
}

func newDefinitionPayload(step model.FormStep) definitionPayload {
	p := definitionPayload{
		Name:          step.Name,
		InternalName:  step.InternalName,
		Slug:          step.Slug,
		Configuration: step.Configuration,
		LoginRequired: step.LoginRequired,
		IsReusable:    step.IsReusable,
	}
	if p.Configuration == nil {
		p.Configuration = map[string]any{"components": []any{}}
	}
	if len(step.Translations) > 0 {
		p.Translations = make(map[string]map[string]string, len(step.Translations))
		for lang, tr := range step.Translations {
			p.Translations[lang] = map[string]string{"name": tr.Name}
		}
	}
	return p
}

func newStepPayload(index int, definitionURL string, step model.FormStep) stepPayload {
	p := stepPayload{
		Index:          index,
		FormDefinition: definitionURL,
		Literals:       step.Literals,
	}
	if len(step.Translations) > 0 {
		p.Translations = make(map[string]stepTranslationPayload, len(step.Translations))
		for lang, tr := range step.Translations {
			p.Translations[lang] = stepTranslationPayload{
				PreviousText: tr.PreviousText,
				SaveText:     tr.SaveText,
				NextText:     tr.NextText,
			}
		}
	}
	return p
}
