package derive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/rosterd/internal/entity"
)

// Unknown replaces any field that is missing, null or empty.
const Unknown = "unknown"

// NoLeaves is the leave summary for an employee with no leave entries.
const NoLeaves = "no leaves on record"

// field maps a JSON key to its label in the canonical text.
type field struct {
	label string
	key   string
}

// Field order is part of the index format. Changing it makes every
// unchanged employee look different after a reindex.
var (
	profileFields = []field{
		{"First Name", "FirstName"},
		{"Last Name", "LastName"},
		{"Start Date", "StartDate"},
		{"Manager", "Manager"},
		{"Email", "Email"},
		{"Employee Status", "EmployeeStatus"},
		{"Employee Type", "EmployeeType"},
		{"Pay Zone", "PayZone"},
		{"Department Type", "DepartmentType"},
		{"Division", "Division"},
	}
	additionalInfoFields = []field{
		{"Date of Birth", "DOB"},
		{"State", "State"},
		{"Gender Code", "GenderCode"},
		{"Location Code", "LocationCode"},
		{"Marital Status", "MaritalDesc"},
		{"Performance Score", "Performance Score"},
		{"Current Employee Rating", "Current Employee Rating"},
	}
)

// CanonicalText renders the view as labelled lines. Output depends only on
// the record bodies, so unchanged data yields identical bytes.
func CanonicalText(view *entity.View) (string, error) {
	profile, err := decodeBody(view.Profile.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedRecord, view.Profile.ID, err)
	}
	// Employee fields are nested under "data"; older records keep them at
	// the top level.
	if data, ok := profile["data"].(map[string]any); ok {
		profile = data
	}

	var info, leave map[string]any
	if view.AdditionalInfo != nil {
		if info, err = decodeBody(view.AdditionalInfo.Body); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrMalformedRecord, view.AdditionalInfo.ID, err)
		}
	}
	if view.Leave != nil {
		if leave, err = decodeBody(view.Leave.Body); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrMalformedRecord, view.Leave.ID, err)
		}
	}

	var b strings.Builder
	line(&b, "Employee ID", string(view.ID))
	line(&b, "Name", fullName(profile))
	for _, f := range profileFields {
		line(&b, f.label, value(profile, f.key))
	}
	for _, f := range additionalInfoFields {
		line(&b, f.label, value(info, f.key))
	}
	line(&b, "Leaves", leaveSummary(leave))

	return b.String(), nil
}

func line(b *strings.Builder, label, val string) {
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(val)
	b.WriteByte('\n')
}

func fullName(profile map[string]any) string {
	var parts []string
	for _, key := range []string{"FirstName", "LastName"} {
		if v := value(profile, key); v != Unknown {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return Unknown
	}
	return strings.Join(parts, " ")
}

func leaveSummary(leave map[string]any) string {
	entries, _ := leave["leaves"].([]any)

	dates := make([]string, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if d := value(m, "date"); d != Unknown {
			dates = append(dates, d)
		}
	}

	switch len(dates) {
	case 0:
		return NoLeaves
	case 1:
		return "1 leave on record: " + dates[0]
	default:
		return strconv.Itoa(len(dates)) + " leaves on record: " + strings.Join(dates, ", ")
	}
}

// value renders a scalar field, or Unknown when it is missing or empty.
func value(m map[string]any, key string) string {
	raw, ok := m[key]
	if !ok || raw == nil {
		return Unknown
	}

	var s string
	switch v := raw.(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	case bool:
		s = strconv.FormatBool(v)
	default:
		return Unknown
	}
	if s == "" {
		return Unknown
	}
	return s
}

func decodeBody(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
