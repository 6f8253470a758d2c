package openapi

import (
	"testing"
)

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	if err := idx.Load("testdata/openforms.yaml"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestIndex_Load(t *testing.T) {
	idx := loadTestIndex(t)
	ids := idx.AllOperationIDs()
	if len(ids) != 8 {
		t.Fatalf("AllOperationIDs() = %v (len %d), want 8 operations", ids, len(ids))
	}
}

func TestIndex_GetOperation(t *testing.T) {
	idx := loadTestIndex(t)

	op, ok := idx.GetOperation("formStepUpdate")
	if !ok {
		t.Fatal("GetOperation(formStepUpdate) not found")
	}
	if op.Method != "PUT" {
		t.Errorf("Method = %q, want PUT", op.Method)
	}
	if op.PathTemplate != "/api/v1/forms/{uuid_or_slug}/steps/{uuid}" {
		t.Errorf("PathTemplate = %q", op.PathTemplate)
	}

	if _, ok := idx.GetOperation("nonexistent"); ok {
		t.Error("GetOperation(nonexistent) should return false")
	}
}

func TestIndex_Match(t *testing.T) {
	idx := loadTestIndex(t)

	tests := []struct {
		method string
		path   string
		wantID string
	}{
		{"POST", "https://forms.example.com/api/v1/forms", "formCreate"},
		{"PUT", "/api/v1/forms/0d0f5d4b-6b0b-4a1d-8d2e-3b8c1f6f1a10", "formUpdate"},
		{"POST", "https://forms.example.com/api/v1/forms/abc/steps", "formStepCreate"},
		{"DELETE", "https://forms.example.com/api/v1/forms/abc/steps/42", "formStepDestroy"},
		{"PUT", "/api/v1/forms/abc/variables", "formVariablesBulkUpdate"},
		{"post", "/api/v1/form-definitions", "formDefinitionCreate"},
	}
	for _, tt := range tests {
		op, ok := idx.Match(tt.method, tt.path)
		if !ok {
			t.Errorf("Match(%s %s) not found", tt.method, tt.path)
			continue
		}
		if op.OperationID != tt.wantID {
			t.Errorf("Match(%s %s) = %s, want %s", tt.method, tt.path, op.OperationID, tt.wantID)
		}
	}

	if _, ok := idx.Match("PATCH", "/api/v1/forms/abc"); ok {
		t.Error("Match(PATCH) should not match")
	}
	if _, ok := idx.Match("GET", "/api/v1/unknown"); ok {
		t.Error("Match(unknown path) should not match")
	}
}

func TestIndex_Match_prefers_literal_segments(t *testing.T) {
	idx := loadTestIndex(t)

	// "/forms/{uuid_or_slug}/variables" must not be taken for a step URL.
	op, ok := idx.Match("PUT", "/api/v1/forms/abc/variables")
	if !ok || op.OperationID != "formVariablesBulkUpdate" {
		t.Errorf("Match() = %+v, %v", op.OperationID, ok)
	}
}

func TestIndex_ValidateRequest_valid(t *testing.T) {
	idx := loadTestIndex(t)
	op, _ := idx.GetOperation("formCreate")

	errs := idx.ValidateRequest(op, map[string]any{"name": "Melding", "slug": "melding"})
	if len(errs) != 0 {
		t.Errorf("ValidateRequest() = %v, want no errors", errs)
	}
}

func TestIndex_ValidateRequest_missing_required(t *testing.T) {
	idx := loadTestIndex(t)
	op, _ := idx.GetOperation("formCreate")

	errs := idx.ValidateRequest(op, map[string]any{"name": "Melding"})
	if len(errs) == 0 {
		t.Fatal("ValidateRequest() should report missing slug")
	}
	if errs[0].Code != "required" {
		t.Errorf("Code = %q, want required", errs[0].Code)
	}
}

func TestIndex_ValidateRequest_struct_body(t *testing.T) {
	idx := loadTestIndex(t)
	op, _ := idx.GetOperation("formVariablesBulkUpdate")

	type variable struct {
		Key      string `json:"key"`
		DataType string `json:"dataType"`
	}
	errs := idx.ValidateRequest(op, []variable{{Key: "a", DataType: "string"}, {Key: "b", DataType: "money"}})
	if len(errs) != 1 {
		t.Fatalf("ValidateRequest() = %v, want 1 error", errs)
	}
	if errs[0].Field != "1.dataType" {
		t.Errorf("Field = %q, want 1.dataType", errs[0].Field)
	}
}

func TestIndex_ValidateRequest_no_schema(t *testing.T) {
	idx := loadTestIndex(t)
	op, _ := idx.GetOperation("formVersionCreate")

	if errs := idx.ValidateRequest(op, nil); errs != nil {
		t.Errorf("ValidateRequest() = %v, want nil", errs)
	}
}
