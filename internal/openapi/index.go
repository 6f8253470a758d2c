// Package openapi loads and indexes the Open Forms OpenAPI specification,
// providing operation lookup by method and request path and local request
// body validation against the operation's schema.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/formsync/model"
)

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody

	segments []string
}

// Index is an in-memory index of OpenAPI operations keyed by method and
// path template.
type Index struct {
	basePath   string
	operations map[string][]IndexedOperation // key: method
	byID       map[string]IndexedOperation
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string][]IndexedOperation),
		byID:       make(map[string]IndexedOperation),
	}
}

// Load parses the OpenAPI spec at path and indexes all of its operations.
// The path of the first server URL, if any, is treated as a prefix shared by
// every operation.
func (idx *Index) Load(path string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", path, err)
	}

	if len(doc.Servers) > 0 {
		if u, err := url.Parse(doc.Servers[0].URL); err == nil {
			idx.basePath = strings.TrimSuffix(u.Path, "/")
		}
	}

	for tmpl, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}
			indexed := IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: idx.basePath + tmpl,
				RequestBody:  reqBody,
				segments:     splitPath(idx.basePath + tmpl),
			}
			idx.operations[method] = append(idx.operations[method], indexed)
			if op.OperationID != "" {
				idx.byID[op.OperationID] = indexed
			}
		}
	}

	// Literal segments win over parameters when two templates match.
	for method := range idx.operations {
		ops := idx.operations[method]
		sort.SliceStable(ops, func(i, j int) bool {
			return literalCount(ops[i].segments) > literalCount(ops[j].segments)
		})
	}
	return nil
}

// GetOperation returns the indexed operation with the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.byID[operationID]
	return op, ok
}

// AllOperationIDs returns all indexed operation IDs, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.byID))
	for id := range idx.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Match finds the operation serving method on the given request path. Only
// the path component of an absolute URL is considered.
func (idx *Index) Match(method, rawPath string) (IndexedOperation, bool) {
	if u, err := url.Parse(rawPath); err == nil {
		rawPath = u.Path
	}
	segs := splitPath(rawPath)
	for _, op := range idx.operations[strings.ToUpper(method)] {
		if matchSegments(op.segments, segs) {
			return op, true
		}
	}
	return IndexedOperation{}, false
}

// ValidateRequest validates body against the JSON request schema of op.
// Returns nil if the body is valid or the operation declares no schema.
func (idx *Index) ValidateRequest(op IndexedOperation, body any) []model.FieldError {
	if op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	// Schemas validate generic JSON values, not Go structs.
	generic, err := toGeneric(body)
	if err != nil {
		return []model.FieldError{{Code: "invalid", Message: err.Error()}}
	}

	err = ct.Schema.Value.VisitJSON(generic, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []model.FieldError{{
			Field:   strings.Join(se.JSONPointer(), "."),
			Code:    se.SchemaField,
			Message: se.Reason,
		}}
	}
	return []model.FieldError{{Code: "invalid", Message: err.Error()}}
}

func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding body: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("openapi: decoding body: %w", err)
	}
	return out, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}

func literalCount(segs []string) int {
	n := 0
	for _, s := range segs {
		if !isParam(s) {
			n++
		}
	}
	return n
}

func matchSegments(tmpl, path []string) bool {
	if len(tmpl) != len(path) {
		return false
	}
	for i, s := range tmpl {
		if isParam(s) {
			if path[i] == "" {
				return false
			}
			continue
		}
		if s != path[i] {
			return false
		}
	}
	return true
}
