package db

import (
	"context"
	"io"
)

// Database is the relational store used for grade reports and assignment
// metadata. The interface keeps repositories independent of the driver.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction executes a function within a database transaction.
	// The transaction is rolled back if the function returns an error.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ping verifies a connection to the database is still alive
	Ping(ctx context.Context) error

	// Close closes the database connection pool
	Close() error
}

// Rows is the result of a query that returns multiple rows
type Rows interface {
	io.Closer

	// Next prepares the next result row
	Next() bool

	// Scan copies the columns from the current row into the values
	Scan(dest ...interface{}) error

	// Err returns the error encountered during iteration
	Err() error
}

// Row is the result of a query that returns at most one row
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Transaction represents an in-progress database transaction
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

var _ Database = (*MySQL)(nil)
