// Package database provides the PostgreSQL connection, the executor
// abstraction repositories run against, and context-carried transactions so
// a sync cycle can apply its whole change set atomically.
package database

import "context"

// Row represents a single result row.
type Row interface {
	Scan(dest ...any) error
}

// Rows represents multiple result rows.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Result represents the result of an Exec operation.
type Result interface {
	RowsAffected() (int64, error)
}

// Executor is the database executor interface used by all repositories.
// Both the pooled connection and an open transaction satisfy it, so
// repositories work transparently inside or outside a transaction.
type Executor interface {
	// Exec executes a query that doesn't return rows (INSERT, UPDATE, DELETE).
	Exec(ctx context.Context, query string, args ...any) (Result, error)

	// QueryRow executes a query that returns at most one row.
	QueryRow(ctx context.Context, query string, args ...any) Row

	// Query executes a query that returns multiple rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Transaction wraps Executor with Commit/Rollback capabilities.
type Transaction interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connection represents a database connection that can create transactions.
type Connection interface {
	Executor
	// BeginTx starts a new transaction.
	BeginTx(ctx context.Context) (Transaction, error)
	// Close closes the database connection.
	Close() error
	// Ping verifies the connection is still alive.
	Ping(ctx context.Context) error
}
