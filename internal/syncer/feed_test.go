package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/rosterd/internal/changefeed"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/vectorstore"
)

// These tests drive the orchestrator from a real change feed consumer over
// the in-memory store, the way serve wires them.

func feedConfig() changefeed.Config {
	return changefeed.Config{
		StartFrom:          changefeed.StartBeginning,
		BackoffInitial:     5 * time.Millisecond,
		BackoffMax:         20 * time.Millisecond,
		CheckpointInterval: 10 * time.Millisecond,
	}
}

// startFeed runs a consumer into the harness orchestrator until the returned
// stop func is called or the test ends.
func startFeed(t *testing.T, h *harness, cfg changefeed.Config) (*changefeed.Consumer, func()) {
	t.Helper()
	c := changefeed.NewConsumer(h.store, h.orch, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("consumer did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return c, stop
}

// waitCaughtUp waits until every change in the store has completed its run.
func waitCaughtUp(t *testing.T, h *harness, c *changefeed.Consumer) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Watermark() == h.store.LastSeq()
	}, 5*time.Second, 5*time.Millisecond, "watermark stuck at %q", c.Watermark())
}

func putEmployee(h *harness, n int) {
	h.store.MustPut(fmt.Sprintf("profile_1_%d", n), map[string]any{
		"data": map[string]any{"FirstName": fmt.Sprintf("Emp%d", n), "LastName": "Doe"},
	})
	h.store.MustPut(fmt.Sprintf("additionalinfo_1_%d", n), map[string]any{"Email": fmt.Sprintf("emp%d@example.com", n)})
	h.store.MustPut(fmt.Sprintf("leave_%d", n), map[string]any{"leaves": []any{}})
}

func slowAssembler(delay time.Duration) func(Assembler) Assembler {
	return func(inner Assembler) Assembler {
		return &trackingAssembler{
			inner:     inner,
			delay:     delay,
			active:    make(map[entity.ID]int),
			maxActive: make(map[entity.ID]int),
		}
	}
}

func TestFeed_ReconnectAndRedeliveryEmbedOncePerState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowAssembler(2*time.Millisecond))
	h.store.SetStreamLimit(2)
	for n := 1; n <= 3; n++ {
		putEmployee(h, n)
	}

	c, stop := startFeed(t, h, feedConfig())
	waitCaughtUp(t, h, c)
	stop()

	assert.GreaterOrEqual(t, h.store.Opens(), int64(5), "nine changes at two per stream")
	assert.Equal(t, int64(3), h.embedder.calls.Load())
	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// A consumer without a checkpoint replays the whole feed.
	c, stop = startFeed(t, h, feedConfig())
	waitCaughtUp(t, h, c)
	assert.Equal(t, int64(3), h.embedder.calls.Load(), "replayed changes are filtered")

	before, err := h.writer.Lookup(ctx, "2")
	require.NoError(t, err)
	h.store.MustPut("additionalinfo_1_2", map[string]any{"Email": "new@example.com"})
	waitCaughtUp(t, h, c)
	stop()

	after, err := h.writer.Lookup(ctx, "2")
	require.NoError(t, err)
	assert.NotEqual(t, before.Revisions.AdditionalInfo, after.Revisions.AdditionalInfo)
	assert.Equal(t, int64(4), h.embedder.calls.Load())
	n, err = h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFeed_ProfileDeletionRemovesEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	putEmployee(h, 1)
	putEmployee(h, 2)

	c, _ := startFeed(t, h, feedConfig())
	waitCaughtUp(t, h, c)

	h.store.Delete("profile_1_2")
	waitCaughtUp(t, h, c)

	_, err := h.writer.Lookup(ctx, "2")
	assert.ErrorIs(t, err, vectorstore.ErrEntryNotFound)
	_, err = h.writer.Lookup(ctx, "1")
	assert.NoError(t, err)
	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A satellite change for the deleted profile does not bring it back.
	h.store.MustPut("leave_2", map[string]any{"leaves": []any{map[string]any{"Type": "PTO"}}})
	waitCaughtUp(t, h, c)
	_, err = h.writer.Lookup(ctx, "2")
	assert.ErrorIs(t, err, vectorstore.ErrEntryNotFound)

	// A recreated profile is indexed again.
	h.store.MustPut("profile_1_2", map[string]any{"data": map[string]any{"FirstName": "Back"}})
	waitCaughtUp(t, h, c)
	_, err = h.writer.Lookup(ctx, "2")
	assert.NoError(t, err)
}

func TestFeed_WipeDuringFeedKeepsEveryEntity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowAssembler(5*time.Millisecond))
	const employees = 10
	for n := 1; n <= employees; n++ {
		putEmployee(h, n)
	}

	c, _ := startFeed(t, h, feedConfig())

	// Wipe while the initial backlog is still being worked off.
	require.Eventually(t, func() bool { return h.embedder.calls.Load() > 0 }, 5*time.Second, time.Millisecond)
	report, err := h.orch.Reindex(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, employees, report.Entities)
	assert.Zero(t, report.Failed)

	waitCaughtUp(t, h, c)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, employees, n)
	for i := 1; i <= employees; i++ {
		_, err := h.writer.Lookup(ctx, entity.ID(fmt.Sprint(i)))
		assert.NoError(t, err, "entity %d", i)
	}
}
