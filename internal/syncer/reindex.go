package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/entity"
)

// ReindexReport summarizes a Reindex call.
type ReindexReport struct {
	Records   int `json:"records"`
	Entities  int `json:"entities"`
	Indexed   int `json:"indexed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Reindex runs the pipeline for every entity with a profile record. With
// wipe, the index and fingerprints are cleared first so every entity is
// re-derived; the wipe waits for runs already executing and holds back new
// ones until it is done. Runs queue behind any feed work for the same entity.
func (o *Orchestrator) Reindex(ctx context.Context, wipe bool) (ReindexReport, error) {
	var report ReindexReport
	if o.lister == nil {
		return report, errors.New("syncer: reindex requires a record lister")
	}

	if wipe {
		if err := o.resetIndex(ctx); err != nil {
			return report, err
		}
	}

	ids, err := o.lister.RecordIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("listing records: %w", err)
	}
	report.Records = len(ids)

	var pending []chan result
	seen := make(map[entity.ID]struct{})
	for _, id := range ids {
		res := o.resolver.Resolve(id)
		if res.Kind != entity.KindProfile {
			continue
		}
		if _, ok := seen[res.Entity]; ok {
			continue
		}
		seen[res.Entity] = struct{}{}

		ch := make(chan result, 1)
		if err := o.enqueue(res.Entity, job{
			ctx:      context.WithoutCancel(ctx),
			recordID: id,
			kind:     res.Kind,
			result:   ch,
		}); err != nil {
			return report, err
		}
		pending = append(pending, ch)
	}
	report.Entities = len(pending)

	for _, ch := range pending {
		select {
		case r := <-ch:
			switch {
			case r.err != nil:
				report.Failed++
			case r.outcome == OutcomeIndexed:
				report.Indexed++
			default:
				report.Unchanged++
			}
		case <-ctx.Done():
			return report, ctx.Err()
		}
	}

	o.logger.Info(ctx, "reindex complete",
		zap.Int("entities", report.Entities),
		zap.Int("indexed", report.Indexed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (o *Orchestrator) resetIndex(ctx context.Context) error {
	o.wipe.Lock()
	defer o.wipe.Unlock()

	if err := o.index.Reset(ctx); err != nil {
		return fmt.Errorf("resetting index: %w", err)
	}
	o.fingerprints.Reset()
	o.logger.Info(ctx, "index wiped")
	return nil
}
