package model

import (
	"encoding/json"
	"fmt"
)

// Variable data types.
const (
	DataTypeString   = "string"
	DataTypeBoolean  = "boolean"
	DataTypeObject   = "object"
	DataTypeArray    = "array"
	DataTypeInt      = "int"
	DataTypeFloat    = "float"
	DataTypeDatetime = "datetime"
	DataTypeTime     = "time"
	DataTypeDate     = "date"
)

// Variable sources.
const (
	SourceComponent   = "component"
	SourceUserDefined = "user_defined"
)

// FormVariable is a named, typed value scoped to a form. FormDefinition
// refers to the step that owns the variable, by generated id until that
// step has been saved.
type FormVariable struct {
	Form                      string                     `json:"form"`
	FormDefinition            StepRef                    `json:"formDefinition"`
	Name                      string                     `json:"name"`
	Key                       string                     `json:"key"`
	Source                    string                     `json:"source"`
	PrefillPlugin             string                     `json:"prefillPlugin"`
	PrefillAttribute          string                     `json:"prefillAttribute"`
	PrefillIdentifierRole     string                     `json:"prefillIdentifierRole,omitempty"`
	DataType                  string                     `json:"dataType"`
	DataFormat                string                     `json:"dataFormat,omitempty"`
	IsSensitiveData           bool                       `json:"isSensitiveData"`
	InitialValue              any                        `json:"initialValue"`
	ServiceFetchConfiguration *ServiceFetchConfiguration `json:"serviceFetchConfiguration,omitempty"`
}

// ServiceFetchConfiguration describes how a variable is fetched from an
// external service. Headers and QueryParams are edited as ordered pairs.
type ServiceFetchConfiguration struct {
	ID                int           `json:"id,omitempty"`
	Name              string        `json:"name,omitempty"`
	Service           string        `json:"service"`
	Path              string        `json:"path"`
	Method            string        `json:"method"`
	Headers           KeyValuePairs `json:"headers"`
	QueryParams       KeyValuePairs `json:"queryParams"`
	Body              any           `json:"body"`
	DataMappingType   string        `json:"dataMappingType"`
	MappingExpression any           `json:"mappingExpression"`
	CacheTimeout      any           `json:"cacheTimeout"`
}

// KeyValuePair is one ordered entry of a header or query parameter list.
type KeyValuePair struct {
	Key   string
	Value any
}

// KeyValuePairs is an ordered mapping, encoded as [[key, value], ...].
type KeyValuePairs []KeyValuePair

// ToMap converts the pairs into a plain mapping. Later duplicates win.
func (p KeyValuePairs) ToMap() map[string]any {
	out := make(map[string]any, len(p))
	for _, kv := range p {
		out[kv.Key] = kv.Value
	}
	return out
}

// MarshalJSON encodes the pairs as a list of two-element arrays.
func (p KeyValuePairs) MarshalJSON() ([]byte, error) {
	raw := make([][2]any, len(p))
	for i, kv := range p {
		raw[i] = [2]any{kv.Key, kv.Value}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON accepts a list of [key, value] pairs or a plain object.
func (p *KeyValuePairs) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}

	var pairs [][]any
	if err := json.Unmarshal(data, &pairs); err == nil {
		out := make(KeyValuePairs, 0, len(pairs))
		for i, pair := range pairs {
			if len(pair) != 2 {
				return fmt.Errorf("key/value pair %d: want 2 elements, got %d", i, len(pair))
			}
			key, ok := pair[0].(string)
			if !ok {
				return fmt.Errorf("key/value pair %d: key is %T, want string", i, pair[0])
			}
			out = append(out, KeyValuePair{Key: key, Value: pair[1]})
		}
		*p = out
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("key/value pairs: want list of pairs or object: %w", err)
	}
	out := make(KeyValuePairs, 0, len(obj))
	for k, v := range obj {
		out = append(out, KeyValuePair{Key: k, Value: v})
	}
	*p = out
	return nil
}
