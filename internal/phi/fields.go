// Package phi locates protected health information in free-text clinical
// documents and redacts it. The set of protected fields is closed: every
// consumer switches over FieldKind, so adding a kind is a compile-visible
// change rather than a new map key.
package phi

import (
	"encoding/json"
	"fmt"
)

// FieldKind identifies one of the protected fields recognised in a document.
type FieldKind int

const (
	FieldName FieldKind = iota
	FieldDateOfBirth
	FieldMedicalRecordNumber
	FieldVisitDate
	FieldAddress
	FieldPhone
	FieldEmail
	FieldIdentificationNumber
	FieldProvider

	numFieldKinds
)

// AllFieldKinds returns every kind in canonical order.
func AllFieldKinds() []FieldKind {
	kinds := make([]FieldKind, 0, numFieldKinds)
	for k := FieldKind(0); k < numFieldKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the wire name of the kind.
func (k FieldKind) String() string {
	switch k {
	case FieldName:
		return "name"
	case FieldDateOfBirth:
		return "date_of_birth"
	case FieldMedicalRecordNumber:
		return "medical_record_number"
	case FieldVisitDate:
		return "visit_date"
	case FieldAddress:
		return "address"
	case FieldPhone:
		return "phone"
	case FieldEmail:
		return "email"
	case FieldIdentificationNumber:
		return "identification_number"
	case FieldProvider:
		return "provider"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// Placeholder returns the fixed token that replaces every value of this kind
// in a redacted document.
func (k FieldKind) Placeholder() string {
	switch k {
	case FieldName:
		return "*name*"
	case FieldDateOfBirth:
		return "*dob*"
	case FieldMedicalRecordNumber:
		return "*mrn*"
	case FieldVisitDate:
		return "*visit_date*"
	case FieldAddress:
		return "*address*"
	case FieldPhone:
		return "*phone*"
	case FieldEmail:
		return "*email*"
	case FieldIdentificationNumber:
		return "*ssn*"
	case FieldProvider:
		return "*provider*"
	default:
		return "*redacted*"
	}
}

// Valid reports whether k is one of the declared kinds.
func (k FieldKind) Valid() bool {
	return k >= 0 && k < numFieldKinds
}

// ParseFieldKind is the inverse of String.
func ParseFieldKind(s string) (FieldKind, error) {
	for _, k := range AllFieldKinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

func (k FieldKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid field kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *FieldKind) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// FieldMatch is a located field value. Start and End are byte offsets into
// the text it was extracted from; the span is [Start, End).
type FieldMatch struct {
	Kind  FieldKind `json:"field"`
	Value string    `json:"value"`
	Start int       `json:"start"`
	End   int       `json:"end"`
}

// FieldSet holds at most one match per kind. The zero value is a set in
// which every field is absent.
type FieldSet struct {
	slots [numFieldKinds]*FieldMatch
}

// Get returns the match for kind, or nil when absent.
func (s FieldSet) Get(kind FieldKind) *FieldMatch {
	if !kind.Valid() {
		return nil
	}
	return s.slots[kind]
}

// Set stores m in the slot for m.Kind, replacing any existing match.
func (s *FieldSet) Set(m FieldMatch) {
	if !m.Kind.Valid() {
		return
	}
	cp := m
	s.slots[m.Kind] = &cp
}

// Value returns the matched value for kind and whether it was present.
func (s FieldSet) Value(kind FieldKind) (string, bool) {
	m := s.Get(kind)
	if m == nil {
		return "", false
	}
	return m.Value, true
}

// Present returns the non-absent matches in canonical kind order.
func (s FieldSet) Present() []FieldMatch {
	var out []FieldMatch
	for _, m := range s.slots {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// Len is the number of present fields.
func (s FieldSet) Len() int {
	n := 0
	for _, m := range s.slots {
		if m != nil {
			n++
		}
	}
	return n
}

// Empty reports whether every field is absent.
func (s FieldSet) Empty() bool { return s.Len() == 0 }

// Equal compares two sets slot by slot, including spans.
func (s FieldSet) Equal(o FieldSet) bool {
	for i := range s.slots {
		a, b := s.slots[i], o.slots[i]
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	return true
}

// MarshalJSON renders the set as an object keyed by kind name with every kind
// present; absent fields are null.
func (s FieldSet) MarshalJSON() ([]byte, error) {
	out := make(map[string]*string, numFieldKinds)
	for _, k := range AllFieldKinds() {
		if m := s.slots[k]; m != nil {
			v := m.Value
			out[k.String()] = &v
		} else {
			out[k.String()] = nil
		}
	}
	return json.Marshal(out)
}
