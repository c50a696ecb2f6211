package db

import (
	"context"
	"database/sql"
)

// Querier abstracts database operations for both database and transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Database is a pooled connection that can also open transactions.
type Database interface {
	Querier
	Transaction(ctx context.Context, fn func(tx Querier) error) error
	Ping(ctx context.Context) error
	Close() error
}
