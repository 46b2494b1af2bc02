package syncer

import "fmt"

// Outcome is the result of one pipeline run.
type Outcome int

const (
	// OutcomeIgnored means the record belongs to no entity, or the run failed.
	OutcomeIgnored Outcome = iota
	// OutcomeUnchanged means every fingerprint matched, nothing was written.
	OutcomeUnchanged
	// OutcomeIndexed means a new document was derived and upserted.
	OutcomeIndexed
	// OutcomeRemoved means the entry was removed after a profile deletion.
	OutcomeRemoved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeIndexed:
		return "indexed"
	case OutcomeRemoved:
		return "removed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
