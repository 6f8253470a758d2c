package model

// Submission allowed modes of a form.
const (
	SubmissionAllowedYes               = "yes"
	SubmissionAllowedNoWithOverview    = "no_with_overview"
	SubmissionAllowedNoWithoutOverview = "no_without_overview"
)

// RemovalLimitFields are the keys of SubmissionsRemovalOptions that hold a
// number of days, entered as free text in the designer.
var RemovalLimitFields = []string{
	"successfulSubmissionsRemovalLimit",
	"incompleteSubmissionsRemovalLimit",
	"erroredSubmissionsRemovalLimit",
	"allSubmissionsRemovalLimit",
}

// Form is the top-level aggregate. URL is set if and only if the form was
// persisted at least once.
type Form struct {
	UUID              string  `json:"uuid,omitempty"`
	URL               string  `json:"url,omitempty"`
	Name              string  `json:"name"`
	InternalName      string  `json:"internalName,omitempty"`
	Slug              string  `json:"slug"`
	Active            bool    `json:"active"`
	MaintenanceMode   bool    `json:"maintenanceMode"`
	SubmissionAllowed string  `json:"submissionAllowed,omitempty"`
	ActivateOn        *string `json:"activateOn"`
	DeactivateOn      *string `json:"deactivateOn"`
	Category          *string `json:"category,omitempty"`
	Theme             *string `json:"theme,omitempty"`
	Product           *string `json:"product"`

	ShowProgressIndicator bool `json:"showProgressIndicator"`

	PaymentBackend        string         `json:"paymentBackend"`
	PaymentBackendOptions map[string]any `json:"paymentBackendOptions,omitempty"`

	RegistrationBackends []RegistrationBackend `json:"registrationBackends"`
	AuthBackends         []AuthBackend         `json:"authBackends"`

	AppointmentOptions        *AppointmentOptions `json:"appointmentOptions,omitempty"`
	SubmissionsRemovalOptions map[string]any      `json:"submissionsRemovalOptions,omitempty"`
	ConfirmationEmailTemplate map[string]any      `json:"confirmationEmailTemplate,omitempty"`

	Literals     FormLiterals                 `json:"literals"`
	Translations map[string]map[string]string `json:"translations,omitempty"`
}

// IsAppointment reports whether the form is flagged as an appointment form.
func (f Form) IsAppointment() bool {
	return f.AppointmentOptions != nil && f.AppointmentOptions.IsAppointment
}

// RegistrationBackend is one configured registration plugin.
type RegistrationBackend struct {
	Key     string         `json:"key"`
	Name    string         `json:"name"`
	Backend string         `json:"backend"`
	Options map[string]any `json:"options"`
}

// AuthBackend is one configured authentication plugin.
type AuthBackend struct {
	Backend string         `json:"backend"`
	Options map[string]any `json:"options"`
}

// AppointmentOptions configures appointment-type forms.
type AppointmentOptions struct {
	IsAppointment            bool  `json:"isAppointment"`
	SupportsMultipleProducts *bool `json:"supportsMultipleProducts,omitempty"`
}

// Literal is an overridable piece of UI text.
type Literal struct {
	Value string `json:"value"`
}

// FormLiterals are the form-wide button label overrides.
type FormLiterals struct {
	BeginText    Literal `json:"beginText"`
	PreviousText Literal `json:"previousText"`
	ChangeText   Literal `json:"changeText"`
	ConfirmText  Literal `json:"confirmText"`
}
