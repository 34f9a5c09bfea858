// Package dbx holds the transaction plumbing shared by the client store and
// the server repositories.
package dbx

import (
	"context"
	"database/sql"
	"time"

	"github.com/sethvargo/go-retry"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so a repository runs the
// same statements inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, tx DBTX) error

// WithTx runs fn inside a transaction. It commits when fn returns nil and
// rolls back otherwise; a panic in fn rolls back and is re-raised.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}

// RetryPolicy bounds WithTxRetry. Retryable decides which failures are worth
// another attempt; a nil Retryable disables retries.
type RetryPolicy struct {
	Attempts  uint64
	Base      time.Duration
	Retryable func(error) bool
}

// WithTxRetry reruns the whole transaction while p.Retryable reports the
// failure as transient. fn must reset any state it builds on each call.
func WithTxRetry(ctx context.Context, db *sql.DB, opts *sql.TxOptions, p RetryPolicy, fn TxFunc) error {
	if p.Base <= 0 {
		p.Base = 10 * time.Millisecond
	}
	b := retry.WithMaxRetries(p.Attempts, retry.NewFibonacci(p.Base))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := WithTx(ctx, db, opts, fn)
		if err != nil && p.Retryable != nil && p.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
