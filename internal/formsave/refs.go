package formsave

import "github.com/pitabwire/formsync/model"

// Attr selects the attribute of a step a reference resolves to.
type Attr int

const (
	// AttrURL resolves to the step URL.
	AttrURL Attr = iota
	// AttrUUID resolves to the step UUID.
	AttrUUID
	// AttrFormDefinition resolves to the URL of the step's form definition.
	AttrFormDefinition
)

// StepTable maps generated step ids to steps. It is built from one snapshot
// and must be rebuilt once the step phase has assigned URLs.
type StepTable struct {
	byGeneratedID map[string]model.FormStep
}

// NewStepTable indexes steps by generated id. Steps without one are skipped.
func NewStepTable(steps []model.FormStep) StepTable {
	t := StepTable{byGeneratedID: make(map[string]model.FormStep, len(steps))}
	for _, s := range steps {
		if s.GeneratedID != "" {
			t.byGeneratedID[s.GeneratedID] = s
		}
	}
	return t
}

// Resolve translates ref into the requested attribute of the step it
// designates. Empty and persisted references are returned unchanged. A
// generated id with no matching step is assumed to be an identifier from an
// earlier save and is returned unchanged as well, as is a match whose
// requested attribute is still empty.
func (t StepTable) Resolve(ref model.StepRef, attr Attr) model.StepRef {
	switch ref.Kind() {
	case model.RefEmpty, model.RefPersisted:
		return ref
	}

	step, ok := t.byGeneratedID[ref.String()]
	if !ok {
		return ref
	}

	var value string
	switch attr {
	case AttrUUID:
		// UUIDs are not URLs, so the result stays a generated-kind ref.
		if step.UUID == "" {
			return ref
		}
		return model.GeneratedRef(step.UUID)
	case AttrFormDefinition:
		value = step.FormDefinition
	default:
		value = step.URL
	}
	if value == "" {
		return ref
	}
	return model.ParseStepRef(value)
}

// Len returns the number of indexed steps.
func (t StepTable) Len() int { return len(t.byGeneratedID) }
