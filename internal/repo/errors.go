package repo

import "errors"

var (
	// ErrNotFound is returned when a referenced entity id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a save loses the optimistic-lock race
	// against a concurrently advanced version.
	ErrConflict = errors.New("optimistic lock conflict")
)
