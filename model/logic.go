package model

// Logic types, mirroring the simple/advanced toggle of the rule editor.
const (
	LogicTypeSimple   = "simple"
	LogicTypeAdvanced = "advanced"
)

// LogicRule is a conditional rule evaluated against form variables.
type LogicRule struct {
	UUID             string        `json:"uuid,omitempty"`
	Form             string        `json:"form"`
	Description      string        `json:"description"`
	Order            int           `json:"order"`
	JSONLogicTrigger any           `json:"jsonLogicTrigger"`
	TriggerFromStep  StepRef       `json:"triggerFromStep"`
	IsAdvanced       bool          `json:"isAdvanced"`
	Actions          []LogicAction `json:"actions"`
	LogicType        string        `json:"_logicType,omitempty"`
}

// LogicAction is one effect of a rule. FormStep and FormStepUUID refer to
// the step the action targets, by generated id until it has been saved.
type LogicAction struct {
	UUID         string         `json:"uuid,omitempty"`
	Component    string         `json:"component,omitempty"`
	Variable     string         `json:"variable,omitempty"`
	FormStep     StepRef        `json:"formStep"`
	FormStepUUID StepRef        `json:"formStepUuid"`
	Action       map[string]any `json:"action"`
}

// PriceRule sets the form price when its trigger matches.
type PriceRule struct {
	UUID             string `json:"uuid,omitempty"`
	Form             string `json:"form"`
	JSONLogicTrigger any    `json:"jsonLogicTrigger"`
	Price            string `json:"price"`
}
