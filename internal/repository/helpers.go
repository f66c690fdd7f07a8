package repository

import (
	"context"
	"database/sql"
	"errors"
)

// repoDB is the query surface repositories need; satisfied by both *sqlx.DB
// and *sqlx.Tx so every repository can be rebound onto a transaction.
type repoDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. Missing rows are not an error condition for
// Find* operations.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
