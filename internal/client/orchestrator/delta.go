package orchestrator

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/apptsync/internal/client/conflict"
	"github.com/dmitrijs2005/apptsync/internal/client/connectivity"
	"github.com/dmitrijs2005/apptsync/internal/client/store"
	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
)

// DeltaPageSize is the page size requested from FetchDelta.
const DeltaPageSize = 200

// RetryDirty pushes every dirty row, parents before dependants. It stops at
// the first push deferred by a network failure and returns that error.
func (o *Orchestrator) RetryDirty(ctx context.Context) error {
	for _, t := range models.AllEntityTypes {
		rows, err := o.store.ListDirty(ctx, t)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := row.Key()
			o.debouncer.Cancel(key)
			res, ran, err := o.push(key)
			if !ran {
				continue
			}
			if res.Outcome == conflict.Deferred && (err == nil || common.IsNetwork(err)) {
				o.logger.Info(ctx, "retry stopped, server unreachable", "key", key.String())
				if err == nil {
					err = &common.NetworkError{Op: "retry", Err: errors.New("push deferred")}
				}
				return err
			}
		}
	}
	return nil
}

// PullDelta applies the server changes made since the stored cursor. Each
// page is adopted together with its cursor in one local transaction; dirty
// rows are left alone and settle through their own push. Concurrent calls
// run one after the other.
func (o *Orchestrator) PullDelta(ctx context.Context) error {
	o.pullMu.Lock()
	defer o.pullMu.Unlock()

	for {
		since, err := o.store.Cursor(ctx)
		if err != nil {
			return err
		}

		resp, err := o.transport.FetchDelta(ctx, since, DeltaPageSize)
		if err != nil {
			return err
		}

		var adopted []models.Key
		err = o.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			adopted = adopted[:0]
			for _, ch := range resp.Changes {
				ok, err := tx.Adopt(ctx, ch.Entity)
				if err != nil {
					return err
				}
				if ok {
					adopted = append(adopted, ch.Entity.Key())
				}
			}
			return tx.SetCursor(ctx, resp.Cursor)
		})
		if err != nil {
			return err
		}

		if len(adopted) > 0 {
			o.logger.Debug(ctx, "delta applied", "since", since, "cursor", resp.Cursor, "adopted", len(adopted))
		}
		for _, key := range adopted {
			row, err := o.store.Get(ctx, key)
			if err != nil {
				continue
			}
			o.remoteApplied(ctx, row)
		}

		if !resp.More || len(resp.Changes) == 0 {
			return nil
		}
	}
}

// Run syncs on every transition to online: pending pushes first, then the
// server delta. It returns when ctx is done or modes is closed.
func (o *Orchestrator) Run(ctx context.Context, modes <-chan connectivity.Mode) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-modes:
			if !ok {
				return
			}
			if m != connectivity.ModeOnline {
				continue
			}
			o.Sync(ctx)
		}
	}
}

// Sync runs one RetryDirty followed by one PullDelta.
func (o *Orchestrator) Sync(ctx context.Context) {
	if err := o.RetryDirty(ctx); err != nil {
		o.logger.Warn(ctx, "retry dirty", "error", err)
		return
	}
	if err := o.PullDelta(ctx); err != nil {
		o.logger.Warn(ctx, "pull delta", "error", err)
	}
}
