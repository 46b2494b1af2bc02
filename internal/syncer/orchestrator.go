// Package syncer drives entities through the sync pipeline:
//
//	resolve -> assemble -> filter -> derive -> write -> commit
//
// Runs for the same entity are serialized in admission order; runs for
// different entities proceed concurrently on a bounded worker pool. Every
// per-entity failure stops here: it is logged and counted, and returned only
// to a SyncEntity caller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/derive"
	"github.com/fyrsmithlabs/rosterd/internal/docstore"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/fingerprint"
	"github.com/fyrsmithlabs/rosterd/internal/logging"
	"github.com/fyrsmithlabs/rosterd/internal/notify"
)

// ErrClosed is returned for work submitted after Shutdown.
var ErrClosed = errors.New("orchestrator closed")

// Assembler fetches the records of one entity.
type Assembler interface {
	Assemble(ctx context.Context, id entity.ID, refs entity.Refs) (*entity.View, error)
}

// Deriver turns a view into a document.
type Deriver interface {
	Derive(ctx context.Context, view *entity.View) (*derive.Document, error)
}

// Index is the vector index as seen by the pipeline.
type Index interface {
	Upsert(ctx context.Context, doc *derive.Document) error
	Remove(ctx context.Context, id entity.ID) error
	Reset(ctx context.Context) error
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Resolver  *entity.Resolver
	Assembler Assembler
	Deriver   Deriver
	Index     Index
	// Lister enumerates records for Reindex.
	Lister docstore.Lister
	// Publisher is optional.
	Publisher notify.Publisher
	// Logger is optional.
	Logger *logging.Logger
	// TracerProvider is optional; the global provider is used when nil.
	TracerProvider trace.TracerProvider
}

// Config configures an Orchestrator.
type Config struct {
	// Workers bounds the number of pipeline runs executing at once.
	Workers int
}

// Orchestrator owns the fingerprint store and schedules pipeline runs.
type Orchestrator struct {
	resolver     *entity.Resolver
	assembler    Assembler
	deriver      Deriver
	index        Index
	lister       docstore.Lister
	publisher    notify.Publisher
	logger       *logging.Logger
	tracer       trace.Tracer
	fingerprints *fingerprint.Store
	filter       *fingerprint.Filter

	slots chan struct{}
	// wipe is held shared by every run and exclusively by a wiping Reindex,
	// so a run commits either wholly before or wholly after the reset.
	wipe sync.RWMutex

	mu     sync.Mutex
	lanes  map[entity.ID]*lane
	closed bool
	wg     sync.WaitGroup
}

// lane is the FIFO queue of runs for one entity. At most one goroutine
// drains a lane, which is what serializes runs per entity.
type lane struct {
	queue []job
}

type job struct {
	ctx      context.Context
	recordID string
	kind     entity.Kind
	deleted  bool
	// done is called after the run, whatever its result.
	done func()
	// result receives the run's result when non-nil. Buffered.
	result chan result
}

type result struct {
	outcome Outcome
	err     error
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("syncer: resolver is required")
	case deps.Assembler == nil:
		return nil, errors.New("syncer: assembler is required")
	case deps.Deriver == nil:
		return nil, errors.New("syncer: deriver is required")
	case deps.Index == nil:
		return nil, errors.New("syncer: index is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	fps := fingerprint.NewStore()
	return &Orchestrator{
		resolver:     deps.Resolver,
		assembler:    deps.Assembler,
		deriver:      deps.Deriver,
		index:        deps.Index,
		lister:       deps.Lister,
		publisher:    deps.Publisher,
		logger:       deps.Logger.Named("syncer"),
		tracer:       tp.Tracer("rosterd.syncer"),
		fingerprints: fps,
		filter:       fingerprint.NewFilter(fps),
		slots:        make(chan struct{}, cfg.Workers),
		lanes:        make(map[entity.ID]*lane),
	}, nil
}

// Dispatch admits a feed change. It never blocks on pipeline work; done is
// called once the run for the change has finished. Changes for records
// outside any entity complete immediately.
func (o *Orchestrator) Dispatch(ctx context.Context, change docstore.Change, done func()) {
	res := o.resolver.Resolve(change.ID)
	if !res.IsEntityRecord() {
		IgnoredTotal.Inc()
		o.logger.Debug(ctx, "ignoring change", zap.String("record_id", change.ID))
		done()
		return
	}

	err := o.enqueue(res.Entity, job{
		ctx:      context.WithoutCancel(ctx),
		recordID: change.ID,
		kind:     res.Kind,
		deleted:  change.Deleted,
		done:     done,
	})
	if err != nil {
		// Not admitted: leave done uncalled so the position is not
		// checkpointed past this change.
		o.logger.Warn(ctx, "change dropped", zap.String("record_id", change.ID), zap.Error(err))
	}
}

// SyncEntity runs the pipeline for the entity owning recordID, as if the
// feed had reported a change to it, and waits for the result. A record that
// belongs to no entity yields OutcomeIgnored and no error.
func (o *Orchestrator) SyncEntity(ctx context.Context, recordID string) (Outcome, error) {
	res := o.resolver.Resolve(recordID)
	if !res.IsEntityRecord() {
		IgnoredTotal.Inc()
		return OutcomeIgnored, nil
	}

	ch := make(chan result, 1)
	err := o.enqueue(res.Entity, job{
		ctx:      context.WithoutCancel(ctx),
		recordID: recordID,
		kind:     res.Kind,
		result:   ch,
	})
	if err != nil {
		return OutcomeIgnored, err
	}

	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-ctx.Done():
		return OutcomeIgnored, ctx.Err()
	}
}

// Shutdown stops admitting work and waits for every admitted run to finish.
// Runs are never aborted; if ctx expires first, Shutdown returns its error
// and the runs continue in the background.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}
}

// Fingerprints returns the number of records with a committed revision.
func (o *Orchestrator) Fingerprints() int {
	return o.fingerprints.Len()
}

func (o *Orchestrator) enqueue(id entity.ID, j job) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if l, ok := o.lanes[id]; ok {
		l.queue = append(l.queue, j)
		return nil
	}

	l := &lane{queue: []job{j}}
	o.lanes[id] = l
	ActiveLanes.Inc()
	o.wg.Add(1)
	go o.drain(id, l)
	return nil
}

func (o *Orchestrator) drain(id entity.ID, l *lane) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(l.queue) == 0 {
			delete(o.lanes, id)
			ActiveLanes.Dec()
			o.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		o.mu.Unlock()

		o.slots <- struct{}{}
		o.wipe.RLock()
		outcome, err := o.run(j.ctx, id, j)
		o.wipe.RUnlock()
		<-o.slots

		if j.result != nil {
			j.result <- result{outcome: outcome, err: err}
		}
		if j.done != nil {
			j.done()
		}
	}
}
