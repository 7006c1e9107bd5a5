package order

import (
	"strings"

	"github.com/ehr/labsync/internal/platform/hl7v2"
)

// LOINC question codes of the two demographic OBX segments.
const (
	LOINCSexualOrientation = "76690-7"
	LOINCGenderIdentity    = "76691-5"
)

// Coded is a CWE value.
type Coded struct {
	Code   string
	Text   string
	System string
}

// Components renders the value as code^text^system.
func (c Coded) Components() string {
	return hl7v2.Components(c.Code, c.Text, c.System)
}

var (
	declined = Coded{"ASKU", "Asked but declined", "NULLFL"}
	other    = Coded{"OTH", "Other", "NULLFL"}
	unknown  = Coded{"UNK", "Unknown", "NULLFL"}
)

var orientations = map[string]Coded{
	"straight":     {"20430005", "Heterosexual", "SCT"},
	"heterosexual": {"20430005", "Heterosexual", "SCT"},
	"gay":          {"38628009", "Homosexual", "SCT"},
	"lesbian":      {"38628009", "Homosexual", "SCT"},
	"homosexual":   {"38628009", "Homosexual", "SCT"},
	"bisexual":     {"42035005", "Bisexual", "SCT"},
	"other":        other,
	"unknown":      unknown,
	"declined":     declined,
}

var identities = map[string]Coded{
	"male":               {"446151000124109", "Identifies as male gender", "SCT"},
	"female":             {"446141000124107", "Identifies as female gender", "SCT"},
	"transgender male":   {"407377005", "Female-to-male transsexual", "SCT"},
	"transgender female": {"407376001", "Male-to-female transsexual", "SCT"},
	"genderqueer":        {"446131000124102", "Identifies as non-conforming gender", "SCT"},
	"non-binary":         {"446131000124102", "Identifies as non-conforming gender", "SCT"},
	"other":              other,
	"unknown":            unknown,
	"declined":           declined,
}

func lookup(table map[string]Coded, v string) Coded {
	key := strings.Join(strings.Fields(strings.ToLower(strings.NewReplacer("_", " ").Replace(v))), " ")
	if c, ok := table[key]; ok {
		return c
	}
	return declined
}

// SexualOrientation maps a recorded value to SNOMED CT. Unmapped or empty
// values are sent as asked-but-declined.
func SexualOrientation(v string) Coded { return lookup(orientations, v) }

// GenderIdentity maps a recorded value to SNOMED CT. Unmapped or empty
// values are sent as asked-but-declined.
func GenderIdentity(v string) Coded { return lookup(identities, v) }
