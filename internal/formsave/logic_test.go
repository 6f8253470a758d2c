package formsave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/formsync/model"
)

func TestResolveLogicRules(t *testing.T) {
	table := NewStepTable([]model.FormStep{
		{GeneratedID: "tmp-1", UUID: "uuid-1", URL: "https://api/steps/42"},
		{GeneratedID: "tmp-2", UUID: "uuid-2", URL: "https://api/steps/43"},
	})
	in := []model.LogicRule{{
		TriggerFromStep: model.GeneratedRef("tmp-1"),
		LogicType:       model.LogicTypeSimple,
		Actions: []model.LogicAction{
			{FormStep: model.GeneratedRef("tmp-2"), FormStepUUID: model.GeneratedRef("tmp-2")},
			{Variable: "total"},
		},
	}}

	out := ResolveLogicRules(in, "https://api/forms/f", table)

	require.Len(t, out, 1)
	assert.Equal(t, "https://api/forms/f", out[0].Form)
	assert.Equal(t, model.PersistedRef("https://api/steps/42"), out[0].TriggerFromStep)
	assert.Equal(t, model.PersistedRef("https://api/steps/43"), out[0].Actions[0].FormStep)
	assert.Equal(t, model.GeneratedRef("uuid-2"), out[0].Actions[0].FormStepUUID)
	assert.True(t, out[0].Actions[1].FormStep.IsZero())
	assert.Empty(t, out[0].LogicType, "editor state is not submitted")

	assert.Equal(t, model.GeneratedRef("tmp-1"), in[0].TriggerFromStep, "input untouched")
	assert.Equal(t, model.GeneratedRef("tmp-2"), in[0].Actions[0].FormStep)
}

func TestLogicType(t *testing.T) {
	assert.Equal(t, model.LogicTypeSimple, logicType(model.LogicRule{IsAdvanced: true}))
	assert.Equal(t, model.LogicTypeAdvanced, logicType(model.LogicRule{IsAdvanced: false}))
}
