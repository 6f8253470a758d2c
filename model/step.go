package model

// FormStep is one page of a multi-step form. Index is its zero-based
// position; URL is empty until the step is persisted and GeneratedID is the
// client-only identifier used until then.
type FormStep struct {
	UUID        string `json:"uuid,omitempty"`
	URL         string `json:"url,omitempty"`
	Index       int    `json:"index"`
	GeneratedID string `json:"_generatedId,omitempty"`

	// FormDefinition is the URL of the (possibly shared) definition, empty
	// for a step whose definition has not been created yet.
	FormDefinition string `json:"formDefinition"`

	Name          string         `json:"name"`
	InternalName  string         `json:"internalName,omitempty"`
	Slug          string         `json:"slug"`
	Configuration map[string]any `json:"configuration"`
	LoginRequired bool           `json:"loginRequired"`
	IsReusable    bool           `json:"isReusable"`

	Literals     StepLiterals               `json:"literals"`
	Translations map[string]StepTranslation `json:"translations,omitempty"`

	ValidationErrors []FieldError `json:"validationErrors,omitempty"`
}

// StepLiterals are the navigation button label overrides of a step.
type StepLiterals struct {
	PreviousText Literal `json:"previousText"`
	SaveText     Literal `json:"saveText"`
	NextText     Literal `json:"nextText"`
}

// StepTranslation holds the translatable texts of a step for one language.
// Name belongs to the form definition, the rest to the step itself.
type StepTranslation struct {
	Name         string `json:"name,omitempty"`
	PreviousText string `json:"previousText,omitempty"`
	SaveText     string `json:"saveText,omitempty"`
	NextText     string `json:"nextText,omitempty"`
}

// FormDefinition is a reusable component tree describing the fields of a
// step. It may be shared between forms.
type FormDefinition struct {
	UUID          string                       `json:"uuid,omitempty"`
	URL           string                       `json:"url"`
	Name          string                       `json:"name"`
	InternalName  string                       `json:"internalName,omitempty"`
	Slug          string                       `json:"slug"`
	Configuration map[string]any               `json:"configuration"`
	LoginRequired bool                         `json:"loginRequired"`
	IsReusable    bool                         `json:"isReusable"`
	Translations  map[string]map[string]string `json:"translations,omitempty"`
}
