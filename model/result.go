package model

// SaveResult is the outcome of one complete-form save as returned to the
// designer. OK is false when the backend reported validation errors; the
// state then carries the errors for display.
type SaveResult struct {
	SaveID string              `json:"saveId,omitempty"`
	OK     bool                `json:"ok"`
	State  SaveState           `json:"state"`
	Errors []*ValidationErrors `json:"errors"`
}
