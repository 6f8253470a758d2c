package model

import (
	"encoding/json"
	"net/url"
)

// RefKind discriminates the variants of StepRef.
type RefKind int

const (
	// RefEmpty is the absent reference.
	RefEmpty RefKind = iota
	// RefGenerated is a client-side temporary identifier. A bare UUID left
	// over from an earlier save is indistinguishable from it and is kept as is
	// when it cannot be resolved.
	RefGenerated
	// RefPersisted is an absolute resource URL assigned by the backend.
	RefPersisted
)

// StepRef refers to a form step (or its form definition) either by a
// temporary generated id or by its persisted URL.
type StepRef struct {
	kind  RefKind
	value string
}

// GeneratedRef returns a reference to a step known only by its generated id.
func GeneratedRef(id string) StepRef {
	if id == "" {
		return StepRef{}
	}
	return StepRef{kind: RefGenerated, value: id}
}

// PersistedRef returns a reference to a persisted resource URL.
func PersistedRef(u string) StepRef {
	if u == "" {
		return StepRef{}
	}
	return StepRef{kind: RefPersisted, value: u}
}

// ParseStepRef classifies a raw identifier. Absolute URLs (scheme and host)
// are persisted references, everything else non-empty is a generated id.
func ParseStepRef(s string) StepRef {
	if s == "" {
		return StepRef{}
	}
	if IsAbsoluteURL(s) {
		return PersistedRef(s)
	}
	return GeneratedRef(s)
}

// IsAbsoluteURL reports whether s parses as a URL with scheme and host.
func IsAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// Kind returns the variant of the reference.
func (r StepRef) Kind() RefKind { return r.kind }

// IsZero reports whether the reference is empty.
func (r StepRef) IsZero() bool { return r.kind == RefEmpty }

// IsPersisted reports whether the reference is a resource URL.
func (r StepRef) IsPersisted() bool { return r.kind == RefPersisted }

// String returns the raw identifier.
func (r StepRef) String() string { return r.value }

// MarshalJSON encodes the reference as its raw identifier, or null when empty.
func (r StepRef) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(r.value)
}

// UnmarshalJSON accepts a string or null.
func (r *StepRef) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*r = StepRef{}
		return nil
	}
	*r = ParseStepRef(*s)
	return nil
}
