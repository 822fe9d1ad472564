package engine

import (
	"context"
	"database/sql"
	"reflect"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"reqline/internal/events"
)

const defaultWorkers = 4

// RecomputeAll re-derives every requirement of a project as of now and
// persists the ones whose derived fields changed. Requirements are
// independent, so they are recomputed concurrently. It returns the number
// of requirements updated.
func (e Engine) RecomputeAll(ctx context.Context, projectID, actorID string) (int, error) {
	ctx, end := e.Telemetry.Start(ctx, events.RequirementRecalc, attribute.String("project", projectID))
	ids, err := e.Repo.ListRequirementIDs(ctx, projectID)
	if err != nil {
		end(err)
		return 0, err
	}
	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	var changed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			ok, err := e.recomputeOne(gctx, id, actorID)
			if ok {
				changed.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	end(err)
	if err != nil {
		return int(changed.Load()), err
	}
	e.log().Info("requirements recomputed", "project", projectID, "total", len(ids), "changed", changed.Load())
	return int(changed.Load()), nil
}

func (e Engine) recomputeOne(ctx context.Context, id, actorID string) (bool, error) {
	var changed bool
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		changed = false
		cur, err := e.Repo.GetRequirementTx(ctx, tx, id)
		if err != nil {
			return err
		}
		cfg, err := e.projectConfig(ctx, tx, cur.ProjectID)
		if err != nil {
			return err
		}
		now := e.now()
		next := cfg.Coordinator().Recompute(cur, now)
		if reflect.DeepEqual(cur, next) {
			return nil
		}
		next.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.SaveRequirementTx(ctx, tx, next); err != nil {
			return err
		}
		changed = true
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.RequirementRecalc, ProjectID: next.ProjectID, EntityKind: "requirement", EntityID: id, ActorID: actorID,
			Payload: events.Payload{"aggregate_status": next.AggregateStatus, "overall_review": next.OverallReview},
		})
	})
	return changed, err
}
