package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(DefaultSchema())

	tests := []struct {
		recordID string
		want     Resolution
	}{
		{"employee_1_42", Resolution{Kind: KindProfile, Entity: "42"}},
		{"additionalinfo_1_42", Resolution{Kind: KindAdditionalInfo, Entity: "42"}},
		{"leave_42", Resolution{Kind: KindLeave, Entity: "42"}},
		{"employee_1_", Resolution{Kind: KindUnknown}},
		{"employee_1_42a", Resolution{Kind: KindUnknown}},
		{"_design/views", Resolution{Kind: KindUnknown}},
		{"department_1_3", Resolution{Kind: KindUnknown}},
		{"", Resolution{Kind: KindUnknown}},
	}

	for _, tt := range tests {
		t.Run(tt.recordID, func(t *testing.T) {
			got := r.Resolve(tt.recordID)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Kind != KindUnknown, got.IsEntityRecord())
		})
	}
}

func TestResolver_RefsRoundTrip(t *testing.T) {
	r := NewResolver(Schema{ProfilePrefix: "profile_1_", AdditionalInfoPrefix: "info_1_", LeavePrefix: "leave_"})

	refs := r.Refs("42")
	assert.Equal(t, "profile_1_42", refs.Profile.RecordID)
	assert.Equal(t, "info_1_42", refs.AdditionalInfo.RecordID)
	assert.Equal(t, "leave_42", refs.Leave.RecordID)

	for _, ref := range refs.All() {
		res := r.Resolve(ref.RecordID)
		assert.Equal(t, ref.Kind, res.Kind)
		assert.Equal(t, ID("42"), res.Entity)
	}
}

func TestResolver_OverlappingPrefixes(t *testing.T) {
	r := NewResolver(Schema{ProfilePrefix: "emp_", AdditionalInfoPrefix: "emp_info_", LeavePrefix: "emp_leave_"})

	assert.Equal(t, Resolution{Kind: KindAdditionalInfo, Entity: "7"}, r.Resolve("emp_info_7"))
	assert.Equal(t, Resolution{Kind: KindLeave, Entity: "7"}, r.Resolve("emp_leave_7"))
	assert.Equal(t, Resolution{Kind: KindProfile, Entity: "7"}, r.Resolve("emp_7"))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "profile", KindProfile.String())
	assert.Equal(t, "additional_info", KindAdditionalInfo.String())
	assert.Equal(t, "leave", KindLeave.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
