// Package fingerprint decides whether an entity needs re-derivation by
// remembering the last revision seen for each of its records.
//
// The cache lives for the life of the process and starts cold, so the first
// observation of any record is always a change. A record that does not exist
// is remembered as Absent; its later creation is itself a change.
package fingerprint

import (
	"sync"

	"github.com/fyrsmithlabs/rosterd/internal/entity"
)

// Absent is the fingerprint recorded for a record that does not exist.
const Absent = entity.AbsentRevision

// Store maps record ids to their last committed revision.
type Store struct {
	mu   sync.RWMutex
	revs map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{revs: make(map[string]string)}
}

// Get returns the committed revision for a record id.
func (s *Store) Get(recordID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[recordID]
	return rev, ok
}

// Set commits revisions for several record ids.
func (s *Store) Set(revs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rev := range revs {
		s.revs[id] = rev
	}
}

// Forget drops record ids so their next observation counts as a change.
func (s *Store) Forget(recordIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range recordIDs {
		delete(s.revs, id)
	}
}

// Reset drops every entry.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs = make(map[string]string)
}

// Len returns the number of remembered records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revs)
}

// Observation is the set of revisions seen in one view, keyed by record id.
type Observation map[string]string

// Filter compares views against a Store.
//
// Callers must serialize calls for the same entity; calls for different
// entities may run concurrently.
type Filter struct {
	store *Store
}

// NewFilter creates a filter over store.
func NewFilter(store *Store) *Filter {
	return &Filter{store: store}
}

// Observe returns the revisions present in view, with Absent for missing
// satellites.
func Observe(view *entity.View) Observation {
	profile, info, leave := view.Revisions()
	return Observation{
		view.Refs.Profile.RecordID:        profile,
		view.Refs.AdditionalInfo.RecordID: info,
		view.Refs.Leave.RecordID:          leave,
	}
}

// ShouldProcess reports whether any of the view's three records differs
// from its committed revision or has never been seen. It does not mutate
// the store; call Commit once the derived document has been written.
func (f *Filter) ShouldProcess(view *entity.View) bool {
	for id, rev := range Observe(view) {
		if prev, ok := f.store.Get(id); !ok || prev != rev {
			return true
		}
	}
	return false
}

// Commit records the view's revisions so identical future views are skipped.
func (f *Filter) Commit(view *entity.View) {
	f.store.Set(Observe(view))
}

// Forget drops the entity's records from the store.
func (f *Filter) Forget(refs entity.Refs) {
	all := refs.All()
	f.store.Forget(all[0].RecordID, all[1].RecordID, all[2].RecordID)
}
