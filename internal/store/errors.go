package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned when enqueueing an id that already exists.
	ErrDuplicateID = errors.New("job id already present")
	// ErrNotFound is returned for operations on a missing job or DLQ entry.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidArgument marks malformed input from a caller.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidKey is returned for config keys outside the fixed set.
	ErrInvalidKey = fmt.Errorf("%w: invalid config key", ErrInvalidArgument)
	// ErrTransaction marks an atomic claim that was rolled back.
	ErrTransaction = errors.New("transaction failed")
)

func txError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransaction, err)
}
