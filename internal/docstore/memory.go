package docstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-process Store with a replayable change log. It backs
// tests and local runs without CouchDB.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]*RawRecord
	gens    map[string]int
	log     []memEvent
	wake    chan struct{}
	getErrs map[string]error
	// streamLimit ends each stream with a connection error after that many
	// events; zero means unlimited.
	streamLimit int
	openErr     error

	gets  atomic.Int64
	opens atomic.Int64
}

type memEvent struct {
	change    Change
	malformed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]*RawRecord),
		gens:    make(map[string]int),
		wake:    make(chan struct{}),
		getErrs: make(map[string]error),
	}
}

// Put creates or updates a record and appends a change event. body may be
// json.RawMessage, []byte, or any value that marshals to a JSON object.
func (m *MemoryStore) Put(id string, body any) (string, error) {
	data, err := toJSON(body)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gens[id]++
	sum := sha1.Sum(data)
	rev := strconv.Itoa(m.gens[id]) + "-" + hex.EncodeToString(sum[:8])
	m.docs[id] = &RawRecord{ID: id, Rev: rev, Body: data}
	m.appendLocked(memEvent{change: Change{ID: id, Rev: rev}})
	return rev, nil
}

// MustPut is Put for test fixtures.
func (m *MemoryStore) MustPut(id string, body any) string {
	rev, err := m.Put(id, body)
	if err != nil {
		panic(err)
	}
	return rev
}

// Delete removes a record and appends a deletion event. Deleting a missing
// record is a no-op.
func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return
	}
	delete(m.docs, id)
	m.gens[id]++
	rev := strconv.Itoa(m.gens[id]) + "-deleted"
	m.appendLocked(memEvent{change: Change{ID: id, Rev: rev, Deleted: true}})
}

// InjectMalformed appends an event that fails to decode.
func (m *MemoryStore) InjectMalformed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(memEvent{malformed: true})
}

// FailGet makes Get for id return err until cleared with a nil err.
func (m *MemoryStore) FailGet(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.getErrs, id)
		return
	}
	m.getErrs[id] = err
}

// SetStreamLimit ends every stream with a connection error after n events.
func (m *MemoryStore) SetStreamLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamLimit = n
}

// FailOpen makes Changes return err until cleared with a nil err.
func (m *MemoryStore) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// GetCalls returns the number of Get calls served.
func (m *MemoryStore) GetCalls() int64 { return m.gets.Load() }

// Opens returns the number of Changes calls.
func (m *MemoryStore) Opens() int64 { return m.opens.Load() }

// LastSeq returns the sequence of the newest event.
func (m *MemoryStore) LastSeq() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(len(m.log))
}

// UpdateSeq implements Feed.
func (m *MemoryStore) UpdateSeq(ctx context.Context) (string, error) {
	m.mu.Lock()
	openErr := m.openErr
	m.mu.Unlock()
	if openErr != nil {
		return "", openErr
	}
	return m.LastSeq(), nil
}

func (m *MemoryStore) appendLocked(ev memEvent) {
	ev.change.Seq = strconv.Itoa(len(m.log) + 1)
	m.log = append(m.log, ev)
	close(m.wake)
	m.wake = make(chan struct{})
}

// Get implements Fetcher.
func (m *MemoryStore) Get(ctx context.Context, id string) (*RawRecord, error) {
	m.gets.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.getErrs[id]; ok {
		return nil, err
	}
	rec, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// RecordIDs implements Lister.
func (m *MemoryStore) RecordIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Changes implements Feed.
func (m *MemoryStore) Changes(ctx context.Context, since string) (ChangeStream, error) {
	m.opens.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}

	pos := 0
	switch since {
	case "", "0":
	case "now":
		pos = len(m.log)
	default:
		n, err := strconv.Atoi(since)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad since %q", ErrTransient, since)
		}
		pos = n
	}

	ctx, cancel := context.WithCancel(ctx)
	return &memStream{store: m, ctx: ctx, cancel: cancel, pos: pos, limit: m.streamLimit}, nil
}

type memStream struct {
	store     *MemoryStore
	ctx       context.Context
	cancel    context.CancelFunc
	pos       int
	limit     int
	delivered int
}

func (s *memStream) Next() (Change, error) {
	if s.limit > 0 && s.delivered >= s.limit {
		return Change{}, fmt.Errorf("%w: stream reset by peer", ErrTransient)
	}

	for {
		s.store.mu.Lock()
		if s.pos < len(s.store.log) {
			ev := s.store.log[s.pos]
			s.pos++
			s.store.mu.Unlock()
			s.delivered++
			if ev.malformed {
				return Change{Seq: ev.change.Seq}, fmt.Errorf("%w: injected", ErrMalformedChange)
			}
			return ev.change, nil
		}
		wake := s.store.wake
		s.store.mu.Unlock()

		select {
		case <-wake:
		case <-s.ctx.Done():
			return Change{}, io.EOF
		}
	}
}

func (s *memStream) Close() error {
	s.cancel()
	return nil
}

func toJSON(body any) ([]byte, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling record body: %w", err)
		}
		return data, nil
	}
}

var _ Store = (*MemoryStore)(nil)
