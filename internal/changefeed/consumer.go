// Package changefeed follows the document store's change feed and hands
// each change to a Dispatcher.
//
// The Consumer is a single long-lived loop:
//
//	Disconnected -> Connecting -> Streaming -> (error or end) Disconnected
//
// and Stopped once its context is cancelled. Reconnects wait a bounded
// exponential backoff and resume from the last admitted position, so no
// change is skipped; a change may be delivered more than once.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/docstore"
)

// ErrFeedDisconnected wraps the cause of a dropped or refused feed
// connection. The consumer recovers from it by reconnecting.
var ErrFeedDisconnected = errors.New("change feed disconnected")

// State is the consumer's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StartNow and StartBeginning are the accepted Config.StartFrom values.
const (
	StartNow       = "now"
	StartBeginning = "0"
)

// Dispatcher receives changes in feed order. done must be called once the
// change has been fully handled, successfully or not.
type Dispatcher interface {
	Dispatch(ctx context.Context, change docstore.Change, done func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, change docstore.Change, done func())

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, change docstore.Change, done func()) {
	f(ctx, change, done)
}

// Config configures a Consumer.
type Config struct {
	// StartFrom applies when no checkpoint was saved: "now" or "0".
	StartFrom          string
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	CheckpointInterval time.Duration
	// Checkpoints is optional. Without it a restart begins at StartFrom.
	Checkpoints CheckpointStore
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.StartFrom == "" {
		c.StartFrom = StartNow
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
}

// Consumer reads the change feed and dispatches changes.
type Consumer struct {
	feed       docstore.Feed
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger

	state     atomic.Int32
	watermark atomic.Pointer[Watermark]
	saved     atomic.Pointer[string]
}

// NewConsumer creates a consumer. Run starts it.
func NewConsumer(feed docstore.Feed, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Consumer {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		feed:       feed,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// State returns the current state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Watermark returns the position below which every change has finished
// processing, or "" before Run resolved a start position.
func (c *Consumer) Watermark() string {
	if w := c.watermark.Load(); w != nil {
		return w.Seq()
	}
	return ""
}

// Run follows the feed until ctx is cancelled. It returns nil on shutdown;
// feed failures are retried, never returned.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.BackoffInitial
	bo.MaxInterval = c.config.BackoffMax
	bo.Reset()

	since, err := c.resolveStart(ctx, bo)
	if err != nil {
		return nil
	}
	wm := NewWatermark(since)
	c.watermark.Store(wm)

	saverDone := make(chan struct{})
	go c.saveLoop(ctx, saverDone)
	defer func() {
		<-saverDone
		c.persist(context.WithoutCancel(ctx))
	}()

	for ctx.Err() == nil {
		c.setState(StateConnecting)
		stream, err := c.feed.Changes(ctx, since)
		if err != nil {
			c.disconnected(ctx, since, err)
			if !sleep(ctx, bo.NextBackOff()) {
				break
			}
			continue
		}

		c.setState(StateStreaming)
		c.logger.Info("change feed streaming", zap.String("since", since))

		var received bool
		since, received, err = c.stream(ctx, stream, wm, since)
		_ = stream.Close()
		if ctx.Err() != nil {
			break
		}
		if received {
			bo.Reset()
		}
		c.disconnected(ctx, since, err)
		if !sleep(ctx, bo.NextBackOff()) {
			break
		}
	}

	c.logger.Info("change feed stopped", zap.String("since", since))
	return nil
}

// resolveStart picks the first position: the saved checkpoint, else
// StartFrom. "now" is pinned to a concrete position so a reconnect before
// the first event does not skip changes made in between.
func (c *Consumer) resolveStart(ctx context.Context, bo *backoff.ExponentialBackOff) (string, error) {
	if cp := c.config.Checkpoints; cp != nil {
		seq, err := cp.Load(ctx)
		if err != nil {
			c.logger.Warn("checkpoint unreadable, using start position",
				zap.String("start_from", c.config.StartFrom), zap.Error(err))
		} else if seq != "" {
			c.logger.Info("resuming from checkpoint", zap.String("since", seq))
			c.saved.Store(&seq)
			return seq, nil
		}
	}

	if c.config.StartFrom != StartNow {
		return "", nil
	}

	for {
		c.setState(StateConnecting)
		seq, err := c.feed.UpdateSeq(ctx)
		if err == nil {
			bo.Reset()
			return seq, nil
		}
		c.disconnected(ctx, StartNow, err)
		if !sleep(ctx, bo.NextBackOff()) {
			return "", ctx.Err()
		}
	}
}

// stream reads events until the stream ends. It returns the position to
// resume from and whether any event arrived.
func (c *Consumer) stream(ctx context.Context, stream docstore.ChangeStream, wm *Watermark, since string) (string, bool, error) {
	received := false
	for {
		change, err := stream.Next()
		switch {
		case err == nil:
		case errors.Is(err, docstore.ErrMalformedChange):
			EventsTotal.WithLabelValues("malformed").Inc()
			c.logger.Warn("skipping malformed change", zap.String("seq", change.Seq), zap.Error(err))
			if change.Seq != "" {
				wm.Admit(change.Seq)()
				since = change.Seq
			}
			received = true
			continue
		case errors.Is(err, io.EOF):
			return since, received, nil
		default:
			return since, received, err
		}

		received = true
		if ctx.Err() != nil {
			// Stop pulling: the change is not admitted and is re-read after a restart.
			return since, received, nil
		}
		EventsTotal.WithLabelValues("dispatched").Inc()
		c.dispatcher.Dispatch(ctx, change, wm.Admit(change.Seq))
		since = change.Seq
	}
}

func (c *Consumer) disconnected(ctx context.Context, since string, cause error) {
	if ctx.Err() != nil {
		return
	}
	c.setState(StateDisconnected)
	ReconnectsTotal.Inc()
	if cause == nil {
		c.logger.Info("change feed ended, reconnecting", zap.String("since", since))
		return
	}
	c.logger.Warn("change feed disconnected",
		zap.String("since", since),
		zap.Error(fmt.Errorf("%w: %w", ErrFeedDisconnected, cause)),
	)
}

func (c *Consumer) setState(s State) {
	from := State(c.state.Swap(int32(s)))
	ConsumerState.Set(float64(s))
	if from != s && c.config.OnStateChange != nil {
		c.config.OnStateChange(from, s)
	}
}

func (c *Consumer) saveLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	if c.config.Checkpoints == nil {
		return
	}

	ticker := time.NewTicker(c.config.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.persist(ctx)
		}
	}
}

// Flush saves the watermark now. Call it after in-flight runs have drained
// to record the final position.
func (c *Consumer) Flush(ctx context.Context) error {
	return c.persistErr(ctx)
}

func (c *Consumer) persist(ctx context.Context) {
	if err := c.persistErr(ctx); err != nil {
		c.logger.Warn("saving checkpoint failed", zap.Error(err))
	}
}

func (c *Consumer) persistErr(ctx context.Context) error {
	cp := c.config.Checkpoints
	wm := c.watermark.Load()
	if cp == nil || wm == nil {
		return nil
	}
	seq := wm.Seq()
	if prev := c.saved.Load(); prev != nil && *prev == seq {
		return nil
	}
	if err := cp.Save(ctx, seq); err != nil {
		return err
	}
	c.saved.Store(&seq)
	c.logger.Debug("checkpoint saved", zap.String("seq", seq))
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
