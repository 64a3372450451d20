package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// TxnFunc is the body of a multi-document transaction. Every read and write
// inside it must use the supplied session context, or it escapes the
// snapshot and the conflict detection that the invoice workflow relies on.
type TxnFunc func(sessCtx mongo.SessionContext) (interface{}, error)

// TxnAttempt runs one full transaction attempt and reports its result.
type TxnAttempt func() (interface{}, error)

// IsRetryableTxnError reports whether a failed attempt may be retried.
type IsRetryableTxnError func(err error) bool

const DefaultTxnMaxRetries = 3

// ErrTxnRetriesExhausted marks a transaction that kept conflicting past the
// retry budget. Callers surface it as a generic failure, not a business error.
var ErrTxnRetriesExhausted = errors.New("transaction retries exhausted")

// WithTransaction runs fn in a session transaction with snapshot reads and
// majority writes, retrying transient conflicts up to DefaultTxnMaxRetries.
func WithTransaction(ctx context.Context, client *mongo.Client, fn TxnFunc) (interface{}, error) {
	return WithTxnRetries(func() (interface{}, error) {
		return runTransaction(ctx, client, fn)
	}, DefaultTxnMaxRetries, IsTransientTxnError)
}

// WithTxnRetries drives attempt until it succeeds, fails with a
// non-retryable error, or exhausts maxRetries; exhaustion wraps the last
// error in ErrTxnRetriesExhausted. Same loop shape as WithRetries, except a
// transaction attempt carries a result value alongside the error.
func WithTxnRetries(attempt TxnAttempt, maxRetries int, isRetryable IsRetryableTxnError) (interface{}, error) {
	var result interface{}
	var err error
	for i := 0; i <= maxRetries; i++ {
		result, err = attempt()
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		if i == maxRetries {
			break
		}
		time.Sleep(time.Duration(50*(i+1)) * time.Millisecond) // Simple incremental backoff
	}
	return nil, fmt.Errorf("%w: %v", ErrTxnRetriesExhausted, err)
}

// runTransaction executes fn exactly once under a fresh session. Only the
// commit is retried in here, and only while its outcome is unknown — a
// transaction body is never silently re-run, which is what keeps counter
// increments gap-free. Transient aborts (write conflicts) bubble up to the
// WithTxnRetries budget.
func runTransaction(ctx context.Context, client *mongo.Client, fn TxnFunc) (interface{}, error) {
	sess, err := client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	var result interface{}
	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txnOpts); err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		res, err := fn(sc)
		if err != nil {
			_ = sess.AbortTransaction(sc)
			return err
		}
		for {
			err = sess.CommitTransaction(sc)
			if err == nil {
				result = res
				return nil
			}
			if isUnknownCommitError(err) {
				continue // Commit may or may not have applied; only the commit is safe to repeat
			}
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IsTransientTxnError checks for the TransientTransactionError label the
// server attaches to write conflicts and other retry-safe transaction aborts.
func IsTransientTxnError(err error) bool {
	return hasErrorLabel(err, "TransientTransactionError")
}

func isUnknownCommitError(err error) bool {
	return hasErrorLabel(err, "UnknownTransactionCommitResult")
}

func hasErrorLabel(err error, label string) bool {
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		return srvErr.HasErrorLabel(label)
	}
	return false
}
