package storage

import "errors"

var (
	// ErrNotFound signals a read or update against a row that does not exist.
	ErrNotFound = errors.New("storage: item not found")

	// ErrConflict signals a create against a key that already exists.
	ErrConflict = errors.New("storage: item already exists")

	// ErrAlreadyProcessed signals that a processed marker for the original
	// message is already on record, so the caller's append lost the race.
	ErrAlreadyProcessed = errors.New("storage: message already processed")
)
