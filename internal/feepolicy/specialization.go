package feepolicy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Specialization is the closed set of medical services an appointment can request.
type Specialization string

const (
	GeneralPractice Specialization = "general_practice"
	Cardiology      Specialization = "cardiology"
	Neurology       Specialization = "neurology"
	Pediatrics      Specialization = "pediatrics"
	Orthopedics     Specialization = "orthopedics"
	Oncology        Specialization = "oncology"
)

// Specializations lists every supported specialization in display order.
var Specializations = []Specialization{
	GeneralPractice,
	Cardiology,
	Neurology,
	Pediatrics,
	Orthopedics,
	Oncology,
}

var displayNames = map[Specialization]string{
	GeneralPractice: "General Practice",
	Cardiology:      "Cardiology",
	Neurology:       "Neurology",
	Pediatrics:      "Pediatrics",
	Orthopedics:     "Orthopedics",
	Oncology:        "Oncology",
}

// Valid reports whether s is in the enumerated set.
func (s Specialization) Valid() bool {
	_, ok := displayNames[s]
	return ok
}

// DisplayName returns the human label, e.g. "General Practice".
func (s Specialization) DisplayName() string {
	if name, ok := displayNames[s]; ok {
		return name
	}
	return string(s)
}

// ParseSpecialization accepts either the slug ("general_practice") or the
// display name ("General Practice"), case-insensitively.
func ParseSpecialization(raw string) (Specialization, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	s := Specialization(key)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSpecialization, raw)
	}
	return s, nil
}

// UnmarshalJSON normalises display names to slugs. Unknown values are kept
// verbatim so validation can report them alongside other problems.
func (s *Specialization) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if parsed, err := ParseSpecialization(raw); err == nil {
		*s = parsed
		return nil
	}
	*s = Specialization(raw)
	return nil
}
