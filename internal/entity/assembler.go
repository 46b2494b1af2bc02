package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/rosterd/internal/docstore"
)

// View is the joined state of an entity's records. Profile is always set;
// a nil satellite means the record does not exist.
type View struct {
	ID             ID
	Refs           Refs
	Profile        *docstore.RawRecord
	AdditionalInfo *docstore.RawRecord
	Leave          *docstore.RawRecord
}

// AbsentRevision stands in for the revision of a record that does not exist.
const AbsentRevision = "absent"

// Revisions returns the profile, additional info and leave revisions, with
// AbsentRevision for missing satellites.
func (v *View) Revisions() (profile, additionalInfo, leave string) {
	profile, additionalInfo, leave = v.Profile.Rev, AbsentRevision, AbsentRevision
	if v.AdditionalInfo != nil {
		additionalInfo = v.AdditionalInfo.Rev
	}
	if v.Leave != nil {
		leave = v.Leave.Rev
	}
	return profile, additionalInfo, leave
}

// Assembler fetches and joins the records of an entity.
type Assembler struct {
	fetcher docstore.Fetcher
}

// NewAssembler creates an assembler reading through fetcher.
func NewAssembler(fetcher docstore.Fetcher) *Assembler {
	return &Assembler{fetcher: fetcher}
}

// Assemble fetches the three records concurrently.
//
// A profile failure of any kind returns ErrMissingProfile. A missing
// satellite leaves its slot nil. A transient satellite failure returns
// ErrPartialFetch.
func (a *Assembler) Assemble(ctx context.Context, id ID, refs Refs) (*View, error) {
	var (
		profile, info, leave          *docstore.RawRecord
		profileErr, infoErr, leaveErr error
	)

	// Each fetch records its own error; one failure never cancels the
	// sibling reads.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		profile, profileErr = a.fetcher.Get(ctx, refs.Profile.RecordID)
	}()
	go func() {
		defer wg.Done()
		info, infoErr = a.fetcher.Get(ctx, refs.AdditionalInfo.RecordID)
	}()
	go func() {
		defer wg.Done()
		leave, leaveErr = a.fetcher.Get(ctx, refs.Leave.RecordID)
	}()
	wg.Wait()

	if profileErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingProfile, refs.Profile.RecordID, profileErr)
	}

	view := &View{ID: id, Refs: refs, Profile: profile}

	var err error
	view.AdditionalInfo, err = satellite(refs.AdditionalInfo, info, infoErr)
	if err != nil {
		return nil, err
	}
	view.Leave, err = satellite(refs.Leave, leave, leaveErr)
	if err != nil {
		return nil, err
	}

	return view, nil
}

func satellite(ref Ref, rec *docstore.RawRecord, err error) (*docstore.RawRecord, error) {
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, docstore.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s %s: %w", ErrPartialFetch, ref.Kind, ref.RecordID, err)
	}
}
