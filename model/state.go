package model

import "slices"

// SaveState is the denormalized snapshot of a form under design. Save
// phases never mutate a snapshot they receive; they Clone it and return the
// copy. Map-valued payloads (configuration, options) are shared between
// snapshots and must be replaced, not modified.
type SaveState struct {
	NewForm         bool             `json:"newForm"`
	Form            Form             `json:"form"`
	FormSteps       []FormStep       `json:"formSteps"`
	FormDefinitions []FormDefinition `json:"formDefinitions"`
	FormVariables   []FormVariable   `json:"formVariables"`
	LogicRules      []LogicRule      `json:"logicRules"`
	PriceRules      []PriceRule      `json:"priceRules"`
	StepsToDelete   []string         `json:"stepsToDelete"`

	ValidationErrors []FieldError   `json:"validationErrors"`
	TabsWithErrors   []ErrorContext `json:"tabsWithErrors"`
}

// Clone returns a copy of s whose slices can be modified independently.
func (s SaveState) Clone() SaveState {
	out := s
	out.Form.RegistrationBackends = slices.Clone(s.Form.RegistrationBackends)
	out.Form.AuthBackends = slices.Clone(s.Form.AuthBackends)
	if s.Form.AppointmentOptions != nil {
		opts := *s.Form.AppointmentOptions
		out.Form.AppointmentOptions = &opts
	}

	out.FormSteps = make([]FormStep, len(s.FormSteps))
	for i, step := range s.FormSteps {
		step.ValidationErrors = slices.Clone(step.ValidationErrors)
		out.FormSteps[i] = step
	}

	out.FormDefinitions = slices.Clone(s.FormDefinitions)
	out.FormVariables = slices.Clone(s.FormVariables)

	out.LogicRules = make([]LogicRule, len(s.LogicRules))
	for i, rule := range s.LogicRules {
		rule.Actions = slices.Clone(rule.Actions)
		out.LogicRules[i] = rule
	}

	out.PriceRules = slices.Clone(s.PriceRules)
	out.StepsToDelete = slices.Clone(s.StepsToDelete)
	out.ValidationErrors = slices.Clone(s.ValidationErrors)
	out.TabsWithErrors = slices.Clone(s.TabsWithErrors)
	return out
}

// ResetErrors returns a copy of s with every error-tracking field cleared.
func (s SaveState) ResetErrors() SaveState {
	out := s.Clone()
	out.ValidationErrors = []FieldError{}
	out.TabsWithErrors = []ErrorContext{}
	for i := range out.FormSteps {
		out.FormSteps[i].ValidationErrors = nil
	}
	return out
}

// HasTabError reports whether ctx is listed in TabsWithErrors.
func (s SaveState) HasTabError(ctx ErrorContext) bool {
	return slices.Contains(s.TabsWithErrors, ctx)
}
