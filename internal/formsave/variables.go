package formsave

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/model"
)

// serviceFetchField marks validation errors raised by a service fetch
// configuration, which the designer edits from the logic tab.
const serviceFetchField = "serviceFetchConfiguration"

type serviceFetchPayload struct {
	ID                int            `json:"id,omitempty"`
	Name              string         `json:"name,omitempty"`
	Service           string         `json:"service"`
	Path              string         `json:"path"`
	Method            string         `json:"method"`
	Headers           map[string]any `json:"headers"`
	QueryParams       map[string]any `json:"queryParams"`
	Body              any            `json:"body"`
	DataMappingType   string         `json:"dataMappingType"`
	MappingExpression any            `json:"mappingExpression"`
	CacheTimeout      any            `json:"cacheTimeout"`
}

// variablePayload shadows the pair-list configuration of the embedded
// variable with its plain-mapping wire form.
type variablePayload struct {
	model.FormVariable
	ServiceFetchConfiguration *serviceFetchPayload `json:"serviceFetchConfiguration,omitempty"`
}

// NormalizeVariables returns the variables as they are submitted: form URL
// stamped, owning step resolved to its definition URL and boolean initial
// values coerced.
func NormalizeVariables(vars []model.FormVariable, formURL string, table StepTable) []model.FormVariable {
	out := make([]model.FormVariable, len(vars))
	for i, v := range vars {
		v.Form = formURL
		v.FormDefinition = table.Resolve(v.FormDefinition, AttrFormDefinition)
		if v.DataType == model.DataTypeBoolean {
			if _, ok := v.InitialValue.(bool); !ok {
				v.InitialValue = coerceBool(v.InitialValue)
			}
		}
		out[i] = v
	}
	return out
}

// coerceBool converts a designer-entered value into a boolean. Strings are
// parsed ("true", "1", "false", ...); unparsable strings count as true when
// non-empty.
func coerceBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		s := strings.TrimSpace(val)
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		return s != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

func newVariablePayload(v model.FormVariable) variablePayload {
	p := variablePayload{FormVariable: v}
	if sfc := v.ServiceFetchConfiguration; sfc != nil {
		cacheTimeout := sfc.CacheTimeout
		if s, ok := cacheTimeout.(string); ok && s == "" {
			cacheTimeout = nil
		}
		p.ServiceFetchConfiguration = &serviceFetchPayload{
			ID:                sfc.ID,
			Name:              sfc.Name,
			Service:           sfc.Service,
			Path:              sfc.Path,
			Method:            sfc.Method,
			Headers:           sfc.Headers.ToMap(),
			QueryParams:       sfc.QueryParams.ToMap(),
			Body:              sfc.Body,
			DataMappingType:   sfc.DataMappingType,
			MappingExpression: sfc.MappingExpression,
			CacheTimeout:      cacheTimeout,
		}
	}
	return p
}

// saveVariables replaces the form variables in one bulk request.
func (s *Saver) saveVariables(ctx context.Context, state model.SaveState, table StepTable) (model.SaveState, *model.ValidationErrors, error) {
	out := state.Clone()
	out.FormVariables = NormalizeVariables(out.FormVariables, out.Form.URL, table)

	body := make([]variablePayload, len(out.FormVariables))
	for i, v := range out.FormVariables {
		body[i] = newVariablePayload(v)
	}

	resp, err := s.backend.Do(ctx, client.Request{
		Method:  http.MethodPut,
		URL:     strings.TrimSuffix(out.Form.URL, "/") + "/variables",
		Body:    body,
		Partial: true,
	})
	if err != nil {
		return state, nil, fmt.Errorf("formsave: save variables: %w", err)
	}
	if !resp.OK {
		verr := resp.ValidationErrors()
		if verr.HasFieldContaining(serviceFetchField) {
			return state, verr.Tagged(model.ContextLogicRules), nil
		}
		return state, verr.Tagged(model.ContextVariables), nil
	}
	return out, nil, nil
}
