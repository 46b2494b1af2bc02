package derive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/rosterd/internal/docstore"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
	last  string
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls++
	s.last = text
	return s.vec, s.err
}

func record(id, rev string, body any) *docstore.RawRecord {
	data, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return &docstore.RawRecord{ID: id, Rev: rev, Body: data}
}

func janeView() *entity.View {
	refs := entity.NewResolver(entity.Schema{
		ProfilePrefix:        "profile_1_",
		AdditionalInfoPrefix: "additionalinfo_1_",
		LeavePrefix:          "leave_",
	}).Refs("42")
	return &entity.View{
		ID:   "42",
		Refs: refs,
		Profile: record("profile_1_42", "1-a", map[string]any{
			"data": map[string]any{
				"FirstName": "Jane",
				"LastName":  "Doe",
				"Manager":   "Sam",
				"StartDate": "2020-01-01",
			},
		}),
	}
}

func TestCanonicalText_ProfileOnly(t *testing.T) {
	text, err := CanonicalText(janeView())
	require.NoError(t, err)

	want := "Employee ID: 42\n" +
		"Name: Jane Doe\n" +
		"First Name: Jane\n" +
		"Last Name: Doe\n" +
		"Start Date: 2020-01-01\n" +
		"Manager: Sam\n" +
		"Email: unknown\n" +
		"Employee Status: unknown\n" +
		"Employee Type: unknown\n" +
		"Pay Zone: unknown\n" +
		"Department Type: unknown\n" +
		"Division: unknown\n" +
		"Date of Birth: unknown\n" +
		"State: unknown\n" +
		"Gender Code: unknown\n" +
		"Location Code: unknown\n" +
		"Marital Status: unknown\n" +
		"Performance Score: unknown\n" +
		"Current Employee Rating: unknown\n" +
		"Leaves: no leaves on record\n"
	assert.Equal(t, want, text)
	assert.Contains(t, text, "Jane Doe")
	assert.Contains(t, text, "no leaves on record")
}

func TestCanonicalText_WithSatellites(t *testing.T) {
	v := janeView()
	v.AdditionalInfo = record("additionalinfo_1_42", "1-b", map[string]any{
		"DOB":                     "1990-05-04",
		"State":                   "MA",
		"Performance Score":       "Exceeds",
		"Current Employee Rating": 4,
		"GenderCode":              "",
	})
	v.Leave = record("leave_42", "1-c", map[string]any{
		"leaves": []any{
			map[string]any{"date": "2021-03-01"},
			map[string]any{"reason": "no date"},
			map[string]any{"date": "2021-01-15"},
		},
	})

	text, err := CanonicalText(v)
	require.NoError(t, err)

	assert.Contains(t, text, "Date of Birth: 1990-05-04\n")
	assert.Contains(t, text, "State: MA\n")
	assert.Contains(t, text, "Gender Code: unknown\n")
	assert.Contains(t, text, "Current Employee Rating: 4\n")
	assert.Contains(t, text, "Leaves: 2 leaves on record: 2021-03-01, 2021-01-15\n")
}

func TestCanonicalText_SingleLeave(t *testing.T) {
	v := janeView()
	v.Leave = record("leave_42", "1-c", map[string]any{
		"leaves": []any{map[string]any{"date": "2021-03-01"}},
	})

	text, err := CanonicalText(v)
	require.NoError(t, err)
	assert.Contains(t, text, "Leaves: 1 leave on record: 2021-03-01\n")
}

func TestCanonicalText_Deterministic(t *testing.T) {
	a, err := CanonicalText(janeView())
	require.NoError(t, err)
	b, err := CanonicalText(janeView())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalText_TopLevelProfileFields(t *testing.T) {
	v := janeView()
	v.Profile = record("profile_1_42", "1-a", map[string]any{"FirstName": "Jane", "EmpID": 42})

	text, err := CanonicalText(v)
	require.NoError(t, err)
	assert.Contains(t, text, "Name: Jane\n")
}

func TestCanonicalText_MalformedProfile(t *testing.T) {
	v := janeView()
	v.Profile = &docstore.RawRecord{ID: "profile_1_42", Rev: "1-a", Body: []byte("[1,2")}

	_, err := CanonicalText(v)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDeriver_Derive(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	doc, err := NewDeriver(emb).Derive(context.Background(), janeView())
	require.NoError(t, err)

	assert.Equal(t, entity.ID("42"), doc.EntityID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, doc.Vector)
	assert.Equal(t, emb.last, doc.Text)
	assert.Equal(t, Revisions{Profile: "1-a", AdditionalInfo: entity.AbsentRevision, Leave: entity.AbsentRevision}, doc.Revisions)
}

func TestDeriver_EmbeddingUnavailable(t *testing.T) {
	tests := []struct {
		name string
		emb  *stubEmbedder
	}{
		{"provider error", &stubEmbedder{err: errors.New("503 from provider")}},
		{"empty vector", &stubEmbedder{vec: []float32{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDeriver(tt.emb).Derive(context.Background(), janeView())
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
		})
	}
}
