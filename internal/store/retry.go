package store

import (
	"context"

	"github.com/roach88/vizq/internal/errors"
)

// do runs fn under the store's retry policy. Driver errors are wrapped
// as StorageError, retryable when the dialect classifies them transient.
// Sentinel and typed errors pass through unchanged and are never retried.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return errors.Retry(ctx, s.retry, func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, ErrNotFound),
			errors.Is(err, ErrInvalidTransition),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded),
			errors.IsStorageError(err),
			errors.IsProtocolError(err):
			return err
		}
		return errors.NewStorageErrorWithCause(op, s.dialect.transient(err), err)
	})
}
