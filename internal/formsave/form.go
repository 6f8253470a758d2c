package formsave

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/model"
)

const formsEndpoint = "forms"

// NormalizeForm prepares the form record for submission. Free-text fields
// the designer leaves empty become null, empty registration options are
// dropped, and an appointment form loses everything appointments do not
// support. The existing steps of an appointment form are queued for
// deletion.
func NormalizeForm(state model.SaveState) model.SaveState {
	out := state.Clone()
	form := &out.Form

	if len(form.SubmissionsRemovalOptions) > 0 {
		opts := maps.Clone(form.SubmissionsRemovalOptions)
		for _, field := range model.RemovalLimitFields {
			if v, ok := opts[field]; ok && v == "" {
				opts[field] = nil
			}
		}
		form.SubmissionsRemovalOptions = opts
	}

	form.ActivateOn = nullIfEmpty(form.ActivateOn)
	form.DeactivateOn = nullIfEmpty(form.DeactivateOn)

	for i, backend := range form.RegistrationBackends {
		if len(backend.Options) == 0 {
			continue
		}
		opts := make(map[string]any, len(backend.Options))
		for k, v := range backend.Options {
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			opts[k] = v
		}
		form.RegistrationBackends[i].Options = opts
	}

	if form.IsAppointment() {
		form.RegistrationBackends = []model.RegistrationBackend{}
		form.Product = nil
		form.PaymentBackend = ""
		form.PaymentBackendOptions = nil

		for _, step := range out.FormSteps {
			if step.URL != "" {
				out.StepsToDelete = append(out.StepsToDelete, step.URL)
			}
		}
		out.FormSteps = []model.FormStep{}
		out.FormVariables = []model.FormVariable{}
		out.LogicRules = []model.LogicRule{}
		out.PriceRules = []model.PriceRule{}
	}

	return out
}

func nullIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

type formCreated struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// saveForm creates or updates the form record. On a validation failure the
// state is returned unchanged together with the errors tagged as form
// errors.
func (s *Saver) saveForm(ctx context.Context, state model.SaveState) (model.SaveState, *model.ValidationErrors, error) {
	out := NormalizeForm(state)

	req := client.Request{
		Method:  http.MethodPost,
		URL:     formsEndpoint,
		Body:    out.Form,
		Partial: true,
	}
	if out.Form.URL != "" {
		req.Method = http.MethodPut
		req.URL = formEndpoint(out.Form)
	}

	resp, err := s.backend.Do(ctx, req)
	if err != nil {
		return state, nil, fmt.Errorf("formsave: save form: %w", err)
	}
	if !resp.OK {
		return state, resp.ValidationErrors().Tagged(model.ContextForm), nil
	}

	var created formCreated
	if err := resp.Decode(&created); err != nil {
		return state, nil, fmt.Errorf("formsave: save form: %w", err)
	}
	if created.UUID != "" {
		out.Form.UUID = created.UUID
	}
	if created.URL != "" {
		out.Form.URL = created.URL
	}
	out.NewForm = false
	return out, nil, nil
}

// formEndpoint is the update endpoint of a persisted form.
func formEndpoint(form model.Form) string {
	if form.UUID != "" {
		return formsEndpoint + "/" + url.PathEscape(form.UUID)
	}
	return form.URL
}
