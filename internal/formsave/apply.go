package formsave

import (
	"slices"

	"github.com/pitabwire/formsync/model"
)

// ApplyValidationErrors records errs on a copy of state so the designer can
// highlight them: every context is listed in TabsWithErrors, step errors are
// attached to their step and all other field errors are collected in
// ValidationErrors with their field name prefixed by the context.
func ApplyValidationErrors(state model.SaveState, errs []*model.ValidationErrors) model.SaveState {
	out := state.Clone()
	if out.ValidationErrors == nil {
		out.ValidationErrors = []model.FieldError{}
	}
	if out.TabsWithErrors == nil {
		out.TabsWithErrors = []model.ErrorContext{}
	}

	for _, verr := range errs {
		if verr == nil {
			continue
		}
		if verr.Context.Valid() && !slices.Contains(out.TabsWithErrors, verr.Context) {
			out.TabsWithErrors = append(out.TabsWithErrors, verr.Context)
		}

		if verr.Context == model.ContextSteps && verr.Step != nil {
			if i := *verr.Step; i >= 0 && i < len(out.FormSteps) {
				fields := verr.Errors
				if len(fields) == 0 {
					fields = []model.FieldError{{Code: "invalid", Message: verr.Message}}
				}
				out.FormSteps[i].ValidationErrors = append(out.FormSteps[i].ValidationErrors, fields...)
				continue
			}
		}

		for _, fe := range verr.Errors {
			if verr.Context != model.ContextNone {
				if fe.Field == "" {
					fe.Field = string(verr.Context)
				} else {
					fe.Field = string(verr.Context) + "." + fe.Field
				}
			}
			out.ValidationErrors = append(out.ValidationErrors, fe)
		}
		if len(verr.Errors) == 0 && verr.Message != "" {
			out.ValidationErrors = append(out.ValidationErrors, model.FieldError{
				Field:   string(verr.Context),
				Code:    "invalid",
				Message: verr.Message,
			})
		}
	}
	return out
}
