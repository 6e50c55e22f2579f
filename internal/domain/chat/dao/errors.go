package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// wrapErr wraps a driver error, tagging failures that are worth retrying
// (serialization conflicts, deadlocks, lost connections) with
// entity.ErrTransientStore.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, entity.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		case "57P01", "57P03": // admin_shutdown, cannot_connect_now
			return true
		}
		// class 08: connection exception
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
