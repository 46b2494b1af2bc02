package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/derive"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/fingerprint"
	"github.com/fyrsmithlabs/rosterd/internal/logging"
	"github.com/fyrsmithlabs/rosterd/internal/notify"
)

// errIndexWrite tags failures of the index write step for classification.
var errIndexWrite = errors.New("index write failed")

// run executes one pipeline run. The caller holds the entity's lane.
func (o *Orchestrator) run(ctx context.Context, id entity.ID, j job) (outcome Outcome, err error) {
	start := time.Now()
	ctx = logging.WithEntityID(ctx, string(id))
	ctx = logging.WithRecordID(ctx, j.recordID)

	ctx, span := o.tracer.Start(ctx, "sync.entity", trace.WithAttributes(
		attribute.String("entity.id", string(id)),
		attribute.String("record.id", j.recordID),
		attribute.String("record.kind", j.kind.String()),
		attribute.Bool("record.deleted", j.deleted),
	))
	defer func() {
		RunDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("outcome", outcome.String()))
		if err != nil {
			reason := FailureReason(err)
			RunsTotal.WithLabelValues("failed").Inc()
			FailuresTotal.WithLabelValues(reason).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, reason)
			o.logger.Warn(ctx, "entity sync failed", zap.String("reason", reason), zap.Error(err))
		} else {
			RunsTotal.WithLabelValues(outcome.String()).Inc()
			span.SetStatus(codes.Ok, outcome.String())
		}
		span.End()
	}()

	refs := o.resolver.Refs(id)

	if j.kind == entity.KindProfile && j.deleted {
		return o.remove(ctx, id, refs, j.recordID)
	}

	view, err := o.assembler.Assemble(ctx, id, refs)
	if err != nil {
		return OutcomeIgnored, err
	}

	if !o.filter.ShouldProcess(view) {
		o.logger.Debug(ctx, "entity unchanged")
		return OutcomeUnchanged, nil
	}

	doc, err := o.deriver.Derive(ctx, view)
	if err != nil {
		return OutcomeIgnored, err
	}

	if err := o.index.Upsert(ctx, doc); err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: %w", errIndexWrite, err)
	}
	o.filter.Commit(view)

	o.logger.Info(ctx, "entity indexed",
		zap.String("profile_rev", doc.Revisions.Profile),
		zap.String("additional_info_rev", doc.Revisions.AdditionalInfo),
		zap.String("leave_rev", doc.Revisions.Leave),
	)
	o.publish(ctx, notify.Event{
		Type:      notify.EventIndexed,
		EntityID:  string(id),
		RecordID:  j.recordID,
		Revisions: fingerprint.Observe(view),
	})
	return OutcomeIndexed, nil
}

// remove handles a profile deletion: the entry goes and the entity's
// fingerprints are forgotten so a recreated profile is indexed again.
func (o *Orchestrator) remove(ctx context.Context, id entity.ID, refs entity.Refs, recordID string) (Outcome, error) {
	if err := o.index.Remove(ctx, id); err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: %w", errIndexWrite, err)
	}
	o.filter.Forget(refs)

	o.logger.Info(ctx, "entity removed")
	o.publish(ctx, notify.Event{
		Type:     notify.EventRemoved,
		EntityID: string(id),
		RecordID: recordID,
	})
	return OutcomeRemoved, nil
}

func (o *Orchestrator) publish(ctx context.Context, event notify.Event) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn(ctx, "publishing sync event failed", zap.Error(err))
	}
}

// FailureReason classifies a pipeline error for metrics and callers.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, entity.ErrMissingProfile):
		return "missing_profile"
	case errors.Is(err, entity.ErrPartialFetch):
		return "partial_fetch"
	case errors.Is(err, derive.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, derive.ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, errIndexWrite):
		return "index_write"
	default:
		return "other"
	}
}
