package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound maps sql.ErrNoRows to a nil record with no error. Lookups
// for a guild's accounts treat an absent row as "not linked", and callers
// branch on the nil rather than unwrapping a sentinel.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
