package formsave

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/model"
)

// ResolveLogicRules returns the rules as they are submitted: stamped with
// the form URL and with every step reference resolved.
func ResolveLogicRules(rules []model.LogicRule, formURL string, table StepTable) []model.LogicRule {
	out := make([]model.LogicRule, len(rules))
	for i, rule := range rules {
		rule.Form = formURL
		rule.TriggerFromStep = table.Resolve(rule.TriggerFromStep, AttrURL)
		rule.LogicType = ""

		actions := slices.Clone(rule.Actions)
		for j, action := range actions {
			action.FormStep = table.Resolve(action.FormStep, AttrURL)
			action.FormStepUUID = table.Resolve(action.FormStepUUID, AttrUUID)
			actions[j] = action
		}
		rule.Actions = actions
		out[i] = rule
	}
	return out
}

// logicType derives the editor toggle shown for a rule.
func logicType(rule model.LogicRule) string {
	if rule.IsAdvanced {
		return model.LogicTypeSimple
	}
	return model.LogicTypeAdvanced
}

// saveLogicRules replaces the logic rules in one bulk request. The rules
// returned by the backend replace the submitted ones. On a validation
// failure nothing in the state changes.
func (s *Saver) saveLogicRules(ctx context.Context, state model.SaveState, table StepTable) (model.SaveState, *model.ValidationErrors, error) {
	rules := ResolveLogicRules(state.LogicRules, state.Form.URL, table)

	resp, err := s.backend.Do(ctx, client.Request{
		Method:  http.MethodPut,
		URL:     strings.TrimSuffix(state.Form.URL, "/") + "/logic-rules",
		Body:    rules,
		Partial: true,
	})
	if err != nil {
		return state, nil, fmt.Errorf("formsave: save logic rules: %w", err)
	}
	if !resp.OK {
		return state, resp.ValidationErrors().Tagged(model.ContextLogicRules), nil
	}

	var saved []model.LogicRule
	if err := resp.Decode(&saved); err != nil {
		return state, nil, fmt.Errorf("formsave: save logic rules: %w", err)
	}
	if saved == nil {
		saved = rules
	}
	for i := range saved {
		saved[i].LogicType = logicType(saved[i])
	}

	out := state.Clone()
	out.LogicRules = saved
	return out, nil, nil
}

// savePriceRules replaces the price rules in one bulk request. Price rules
// share the logic tab, so their validation errors are tagged as logic rule
// errors.
func (s *Saver) savePriceRules(ctx context.Context, state model.SaveState) (model.SaveState, *model.ValidationErrors, error) {
	rules := make([]model.PriceRule, len(state.PriceRules))
	for i, rule := range state.PriceRules {
		rule.Form = state.Form.URL
		rules[i] = rule
	}

	resp, err := s.backend.Do(ctx, client.Request{
		Method:  http.MethodPut,
		URL:     strings.TrimSuffix(state.Form.URL, "/") + "/price-logic-rules",
		Body:    rules,
		Partial: true,
	})
	if err != nil {
		return state, nil, fmt.Errorf("formsave: save price rules: %w", err)
	}
	if !resp.OK {
		return state, resp.ValidationErrors().Tagged(model.ContextLogicRules), nil
	}

	var saved []model.PriceRule
	if err := resp.Decode(&saved); err != nil {
		return state, nil, fmt.Errorf("formsave: save price rules: %w", err)
	}
	if saved == nil {
		saved = rules
	}

	out := state.Clone()
	out.PriceRules = saved
	return out, nil, nil
}
