package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

// Preload fetches keys from the server in parallel and stores them locally.
// It blocks until every fetch has finished or ctx is done. Results that
// arrive after ctx is done, or after the key was deleted locally, are
// dropped. Failures are logged, never returned.
func (o *Orchestrator) Preload(ctx context.Context, keys []models.Key) {
	var g errgroup.Group
	g.SetLimit(o.opts.PreloadConcurrency)

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.preloadOne(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) preloadOne(ctx context.Context, key models.Key) {
	gen := o.generation(key)

	env, err := o.transport.FetchEntity(ctx, key.Type, key.ID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			o.logger.Debug(ctx, "preload: not on server", "key", key.String())
		} else if ctx.Err() == nil {
			o.logger.Warn(ctx, "preload failed", "key", key.String(), "error", err)
		}
		return
	}

	if ctx.Err() != nil || o.generation(key) != gen {
		o.logger.Debug(ctx, "preload discarded", "key", key.String())
		return
	}

	adopted, err := o.store.Adopt(ctx, env)
	if err != nil {
		o.logger.Warn(ctx, "preload store", "key", key.String(), "error", err)
		return
	}
	if !adopted {
		return
	}

	row, err := o.store.Get(ctx, key)
	if err != nil {
		return
	}
	o.remoteApplied(ctx, row)
}
