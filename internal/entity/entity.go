// Package entity maps record ids onto employees and assembles the three
// records that describe one employee into a single view.
package entity

import (
	"errors"
	"strings"
)

var (
	// ErrNotAnEntityRecord marks a record id that belongs to no entity.
	// Callers filter on it; it is not a failure.
	ErrNotAnEntityRecord = errors.New("not an entity record")

	// ErrMissingProfile means the profile record could not be read, so the
	// entity cannot be derived.
	ErrMissingProfile = errors.New("missing profile record")

	// ErrPartialFetch means a satellite read failed transiently. The entity
	// should be retried rather than indexed with possibly stale data.
	ErrPartialFetch = errors.New("partial fetch")
)

// ID identifies an employee. It is the numeric suffix shared by its records.
type ID string

// Kind is the role a record plays within an entity.
type Kind int

const (
	// KindUnknown is returned for ids that match no entity record pattern.
	KindUnknown Kind = iota
	KindProfile
	KindAdditionalInfo
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindProfile:
		return "profile"
	case KindAdditionalInfo:
		return "additional_info"
	case KindLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Ref names one record of an entity.
type Ref struct {
	Kind     Kind
	RecordID string
}

// Refs are the three records that compose an entity, in fixed order.
type Refs struct {
	Profile        Ref
	AdditionalInfo Ref
	Leave          Ref
}

// All returns the refs in profile, additional info, leave order.
func (r Refs) All() [3]Ref {
	return [3]Ref{r.Profile, r.AdditionalInfo, r.Leave}
}

// Resolution is the result of classifying a record id.
type Resolution struct {
	Kind   Kind
	Entity ID
}

// IsEntityRecord reports whether the id belonged to an entity.
func (r Resolution) IsEntityRecord() bool {
	return r.Kind != KindUnknown
}

// Schema holds the record id prefixes. Each record id is a prefix followed
// by the entity's decimal id.
type Schema struct {
	ProfilePrefix        string
	AdditionalInfoPrefix string
	LeavePrefix          string
}

// DefaultSchema returns the prefixes used by the employee database.
func DefaultSchema() Schema {
	return Schema{
		ProfilePrefix:        "employee_1_",
		AdditionalInfoPrefix: "additionalinfo_1_",
		LeavePrefix:          "leave_",
	}
}

// Resolver classifies record ids.
type Resolver struct {
	schema   Schema
	prefixes []prefixKind
}

type prefixKind struct {
	prefix string
	kind   Kind
}

// NewResolver creates a resolver for the given schema.
func NewResolver(schema Schema) *Resolver {
	pk := []prefixKind{
		{schema.ProfilePrefix, KindProfile},
		{schema.AdditionalInfoPrefix, KindAdditionalInfo},
		{schema.LeavePrefix, KindLeave},
	}
	// Longest prefix first so that a prefix of another prefix never shadows it.
	for i := 1; i < len(pk); i++ {
		for j := i; j > 0 && len(pk[j].prefix) > len(pk[j-1].prefix); j-- {
			pk[j], pk[j-1] = pk[j-1], pk[j]
		}
	}
	return &Resolver{schema: schema, prefixes: pk}
}

// Resolve classifies recordID. Unrecognized ids resolve to KindUnknown.
func (r *Resolver) Resolve(recordID string) Resolution {
	for _, p := range r.prefixes {
		if p.prefix == "" || !strings.HasPrefix(recordID, p.prefix) {
			continue
		}
		suffix := recordID[len(p.prefix):]
		if !isDigits(suffix) {
			return Resolution{Kind: KindUnknown}
		}
		return Resolution{Kind: p.kind, Entity: ID(suffix)}
	}
	return Resolution{Kind: KindUnknown}
}

// Refs computes the record ids of an entity. It needs no store lookup.
func (r *Resolver) Refs(id ID) Refs {
	return Refs{
		Profile:        Ref{Kind: KindProfile, RecordID: r.schema.ProfilePrefix + string(id)},
		AdditionalInfo: Ref{Kind: KindAdditionalInfo, RecordID: r.schema.AdditionalInfoPrefix + string(id)},
		Leave:          Ref{Kind: KindLeave, RecordID: r.schema.LeavePrefix + string(id)},
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
