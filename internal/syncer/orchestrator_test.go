package syncer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rosterd/internal/derive"
	"github.com/fyrsmithlabs/rosterd/internal/docstore"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/logging"
	"github.com/fyrsmithlabs/rosterd/internal/notify"
	"github.com/fyrsmithlabs/rosterd/internal/telemetry"
	"github.com/fyrsmithlabs/rosterd/internal/vectorstore"
)

var testSchema = entity.Schema{
	ProfilePrefix:        "profile_1_",
	AdditionalInfoPrefix: "additionalinfo_1_",
	LeavePrefix:          "leave_",
}

type countingEmbedder struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, errors.New("provider unavailable")
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32((sum>>(8*i))&0xff) + 1
	}
	return vec, nil
}

// trackingAssembler records how many runs overlap, per entity and overall.
type trackingAssembler struct {
	inner Assembler
	delay time.Duration

	mu        sync.Mutex
	active    map[entity.ID]int
	maxActive map[entity.ID]int
	total     int
	maxTotal  int
}

func (a *trackingAssembler) Assemble(ctx context.Context, id entity.ID, refs entity.Refs) (*entity.View, error) {
	a.mu.Lock()
	a.active[id]++
	a.total++
	if a.active[id] > a.maxActive[id] {
		a.maxActive[id] = a.active[id]
	}
	if a.total > a.maxTotal {
		a.maxTotal = a.total
	}
	a.mu.Unlock()

	time.Sleep(a.delay)

	a.mu.Lock()
	a.active[id]--
	a.total--
	a.mu.Unlock()
	return a.inner.Assemble(ctx, id, refs)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturePublisher) Publish(_ context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	store     *docstore.MemoryStore
	embedder  *countingEmbedder
	index     *vectorstore.ChromemStore
	writer    *vectorstore.Writer
	publisher *capturePublisher
	logs      *logging.TestLogger
	tel       *telemetry.TestTelemetry
	orch      *Orchestrator
}

func newHarness(t *testing.T, wrap func(Assembler) Assembler) *harness {
	t.Helper()
	return newHarnessWithIndex(t, wrap, nil)
}

func newHarnessWithIndex(t *testing.T, wrap func(Assembler) Assembler, wrapIndex func(Index) Index) *harness {
	t.Helper()
	h := &harness{
		store:     docstore.NewMemoryStore(),
		embedder:  &countingEmbedder{},
		publisher: &capturePublisher{},
		logs:      logging.NewTestLogger(),
		tel:       telemetry.NewTestTelemetry(),
	}

	idx, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	h.index = idx
	h.writer = vectorstore.NewWriter(idx, "test", nil)

	var asm Assembler = entity.NewAssembler(h.store)
	if wrap != nil {
		asm = wrap(asm)
	}
	var index Index = h.writer
	if wrapIndex != nil {
		index = wrapIndex(index)
	}

	h.orch, err = New(Deps{
		Resolver:       entity.NewResolver(testSchema),
		Assembler:      asm,
		Deriver:        derive.NewDeriver(h.embedder),
		Index:          index,
		Lister:         h.store,
		Publisher:      h.publisher,
		Logger:         h.logs.Logger,
		TracerProvider: h.tel.TracerProvider(),
	}, Config{Workers: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.orch.Shutdown(context.Background()) })
	return h
}

func (h *harness) putJane() {
	h.store.MustPut("profile_1_42", map[string]any{
		"data": map[string]any{
			"FirstName": "Jane",
			"LastName":  "Doe",
			"Manager":   "Sam",
			"StartDate": "2020-01-01",
		},
	})
}

func (h *harness) dispatch(t *testing.T, change docstore.Change) {
	t.Helper()
	done := make(chan struct{})
	h.orch.Dispatch(context.Background(), change, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("change %s not processed", change.ID)
	}
}

func TestSyncEntity_ProfileWithoutSatellites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()

	outcome, err := h.orch.SyncEntity(ctx, "profile_1_42")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, outcome)

	got, err := h.writer.Lookup(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, got.Text, "Jane Doe")
	assert.Contains(t, got.Text, "Leaves: no leaves on record")
	assert.Equal(t, entity.AbsentRevision, got.Revisions.AdditionalInfo)
	assert.Equal(t, entity.AbsentRevision, got.Revisions.Leave)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 3, h.orch.Fingerprints())
	assert.Equal(t, []notify.EventType{notify.EventIndexed}, h.publisher.types())
	h.tel.AssertSpanExists(t, "sync.entity")
	h.logs.AssertField(t, "entity indexed", "entity_id", "42")
}

func TestSyncEntity_RedeliveryDoesNotReembed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()

	_, err := h.orch.SyncEntity(ctx, "profile_1_42")
	require.NoError(t, err)
	require.Equal(t, int64(1), h.embedder.calls.Load())

	for _, id := range []string{"profile_1_42", "additionalinfo_1_42", "leave_42"} {
		outcome, err := h.orch.SyncEntity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, outcome, id)
	}
	h.dispatch(t, docstore.Change{Seq: "9", ID: "profile_1_42", Rev: "1-x"})

	assert.Equal(t, int64(1), h.embedder.calls.Load())
	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncEntity_SatelliteChangeReindexesOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()
	_, err := h.orch.SyncEntity(ctx, "profile_1_42")
	require.NoError(t, err)

	h.store.MustPut("leave_42", map[string]any{
		"leaves": []any{map[string]any{"date": "2021-05-01"}},
	})
	outcome, err := h.orch.SyncEntity(ctx, "leave_42")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, outcome)

	got, err := h.writer.Lookup(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, got.Text, "Leaves: 1 leave on record: 2021-05-01")
	assert.NotEqual(t, entity.AbsentRevision, got.Revisions.Leave)

	// A satellite deletion is a change too.
	h.store.Delete("leave_42")
	h.dispatch(t, docstore.Change{ID: "leave_42", Deleted: true})

	got, err = h.writer.Lookup(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, got.Text, "Leaves: no leaves on record")
	assert.Equal(t, int64(3), h.embedder.calls.Load())
}

func TestDispatch_ProfileDeletionRemovesEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()
	_, err := h.orch.SyncEntity(ctx, "profile_1_42")
	require.NoError(t, err)

	h.store.Delete("profile_1_42")
	h.dispatch(t, docstore.Change{ID: "profile_1_42", Deleted: true})

	_, err = h.writer.Lookup(ctx, "42")
	assert.ErrorIs(t, err, vectorstore.ErrEntryNotFound)
	matches, err := h.writer.Query(ctx, make([]float32, 8), 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Zero(t, h.orch.Fingerprints())
	assert.Equal(t, int64(1), h.embedder.calls.Load())

	// Repeating the deletion is harmless.
	h.dispatch(t, docstore.Change{ID: "profile_1_42", Deleted: true})

	h.putJane()
	outcome, err := h.orch.SyncEntity(ctx, "profile_1_42")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, outcome)
	assert.Equal(t,
		[]notify.EventType{notify.EventIndexed, notify.EventRemoved, notify.EventRemoved, notify.EventIndexed},
		h.publisher.types())
}

func TestSyncEntity_EmbeddingFailureKeepsFingerprint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()
	h.embedder.fail.Store(true)

	outcome, err := h.orch.SyncEntity(ctx, "profile_1_42")
	assert.ErrorIs(t, err, derive.ErrEmbeddingUnavailable)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, h.orch.Fingerprints())
	h.logs.AssertLogged(t, zapcore.WarnLevel, "entity sync failed")
	h.logs.AssertField(t, "entity sync failed", "reason", "embedding_unavailable")
	h.logs.AssertField(t, "entity sync failed", "entity_id", "42")

	h.embedder.fail.Store(false)
	outcome, err = h.orch.SyncEntity(ctx, "profile_1_42")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, outcome)
}

func TestSyncEntity_MissingProfile(t *testing.T) {
	h := newHarness(t, nil)
	h.store.MustPut("leave_7", map[string]any{"leaves": []any{}})

	outcome, err := h.orch.SyncEntity(context.Background(), "leave_7")
	assert.ErrorIs(t, err, entity.ErrMissingProfile)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, h.embedder.calls.Load())
}

func TestSyncEntity_PartialFetchSkipsWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()
	h.store.FailGet("additionalinfo_1_42", fmt.Errorf("%w: connection reset", docstore.ErrTransient))

	_, err := h.orch.SyncEntity(ctx, "profile_1_42")
	assert.ErrorIs(t, err, entity.ErrPartialFetch)
	_, err = h.writer.Lookup(ctx, "42")
	assert.ErrorIs(t, err, vectorstore.ErrEntryNotFound)
	assert.Zero(t, h.embedder.calls.Load())
}

func TestSyncEntity_IgnoresNonEntityRecords(t *testing.T) {
	h := newHarness(t, nil)

	for _, id := range []string{"_design/views", "profile_1_", "profile_1_abc", "settings"} {
		outcome, err := h.orch.SyncEntity(context.Background(), id)
		require.NoError(t, err, id)
		assert.Equal(t, OutcomeIgnored, outcome, id)
	}

	done := false
	h.orch.Dispatch(context.Background(), docstore.Change{ID: "settings"}, func() { done = true })
	assert.True(t, done, "non-entity changes complete synchronously")
}

func TestOrchestrator_SerializesPerEntity(t *testing.T) {
	var tracker *trackingAssembler
	h := newHarness(t, func(inner Assembler) Assembler {
		tracker = &trackingAssembler{
			inner:     inner,
			delay:     10 * time.Millisecond,
			active:    make(map[entity.ID]int),
			maxActive: make(map[entity.ID]int),
		}
		return tracker
	})
	h.putJane()
	h.store.MustPut("profile_1_7", map[string]any{"data": map[string]any{"FirstName": "Sam"}})

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		for _, id := range []string{"profile_1_42", "profile_1_7"} {
			label := fmt.Sprintf("%s#%d", id, i)
			wg.Add(1)
			h.orch.Dispatch(context.Background(), docstore.Change{ID: id}, func() {
				mu.Lock()
				order = append(order, label)
				mu.Unlock()
				wg.Done()
			})
		}
	}
	wg.Wait()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, 1, tracker.maxActive["42"])
	assert.Equal(t, 1, tracker.maxActive["7"])
	assert.Equal(t, 2, tracker.maxTotal, "different entities run concurrently")

	mu.Lock()
	defer mu.Unlock()
	var forJane []string
	for _, l := range order {
		if strings.HasPrefix(l, "profile_1_42#") {
			forJane = append(forJane, l)
		}
	}
	assert.Equal(t, []string{
		"profile_1_42#0", "profile_1_42#1", "profile_1_42#2", "profile_1_42#3", "profile_1_42#4",
	}, forJane)
	assert.Equal(t, int64(2), h.embedder.calls.Load())
}

func TestShutdown_DrainsAdmittedRuns(t *testing.T) {
	h := newHarness(t, func(inner Assembler) Assembler {
		return &trackingAssembler{
			inner:     inner,
			delay:     20 * time.Millisecond,
			active:    make(map[entity.ID]int),
			maxActive: make(map[entity.ID]int),
		}
	})
	h.putJane()

	ctx, cancel := context.WithCancel(context.Background())
	var completed atomic.Int32
	for i := 0; i < 3; i++ {
		h.orch.Dispatch(ctx, docstore.Change{ID: "profile_1_42"}, func() { completed.Add(1) })
	}
	// Cancelling the feed context must not abort admitted runs.
	cancel()

	require.NoError(t, h.orch.Shutdown(context.Background()))
	assert.Equal(t, int32(3), completed.Load())

	_, err := h.writer.Lookup(context.Background(), "42")
	assert.NoError(t, err)

	_, err = h.orch.SyncEntity(context.Background(), "profile_1_42")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.putJane()
	h.store.MustPut("profile_1_7", map[string]any{"data": map[string]any{"FirstName": "Sam"}})
	h.store.MustPut("additionalinfo_1_7", map[string]any{"Email": "sam@example.com"})
	h.store.MustPut("leave_9", map[string]any{"leaves": []any{}})
	h.store.MustPut("_design/views", map[string]any{})

	report, err := h.orch.Reindex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ReindexReport{Records: 5, Entities: 2, Indexed: 2}, report)

	report, err = h.orch.Reindex(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unchanged)
	assert.Equal(t, int64(2), h.embedder.calls.Load())

	report, err = h.orch.Reindex(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Indexed)
	assert.Equal(t, int64(4), h.embedder.calls.Load())

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReindex_CountsFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.putJane()
	h.embedder.fail.Store(true)

	report, err := h.orch.Reindex(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

// gatedIndex parks the first Upsert after it has written, before the run
// commits its fingerprints.
type gatedIndex struct {
	Index
	once     sync.Once
	upserted chan struct{}
	release  chan struct{}
}

func (g *gatedIndex) Upsert(ctx context.Context, doc *derive.Document) error {
	if err := g.Index.Upsert(ctx, doc); err != nil {
		return err
	}
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.upserted)
		<-g.release
	}
	return nil
}

func TestReindex_WipeWaitsForInFlightRun(t *testing.T) {
	ctx := context.Background()
	gate := &gatedIndex{upserted: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithIndex(t, nil, func(inner Index) Index {
		gate.Index = inner
		return gate
	})
	h.putJane()

	h.orch.Dispatch(ctx, docstore.Change{Seq: "1", ID: "profile_1_42"}, func() {})
	select {
	case <-gate.upserted:
	case <-time.After(5 * time.Second):
		t.Fatal("feed run never reached the index")
	}

	type reindexResult struct {
		report ReindexReport
		err    error
	}
	done := make(chan reindexResult, 1)
	go func() {
		report, err := h.orch.Reindex(ctx, true)
		done <- reindexResult{report, err}
	}()

	select {
	case <-done:
		t.Fatal("wipe ran while a run was between write and commit")
	case <-time.After(100 * time.Millisecond):
	}
	close(gate.release)

	var res reindexResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reindex did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.report.Indexed)
	assert.Zero(t, res.report.Unchanged)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.writer.Lookup(ctx, "42")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), h.embedder.calls.Load())
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{
		OutcomeIgnored:   "ignored",
		OutcomeUnchanged: "unchanged",
		OutcomeIndexed:   "indexed",
		OutcomeRemoved:   "removed",
	} {
		assert.Equal(t, want, o.String())
		text, err := o.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}
