package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const txRetryMaxElapsed = 5 * time.Second

func newTxBackoff() backoff.BackOff {
	// BackOff values are stateful; build a fresh one per call.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = txRetryMaxElapsed
	return bo
}

// isBusyError reports SQLite lock contention that clears once the other
// writer commits.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// RunInTx runs fn inside a transaction and commits it. Attempts that fail on
// SQLite lock contention are rolled back and retried with exponential
// backoff until ctx is done; any other error aborts immediately.
func (r Repo) RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return backoff.Retry(func() error {
		err := r.runTxOnce(ctx, fn)
		if err != nil && !isBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newTxBackoff(), ctx))
}

func (r Repo) runTxOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
