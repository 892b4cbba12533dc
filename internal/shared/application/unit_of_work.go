package application

import "context"

// UnitOfWork scopes a group of repository writes to a single transaction.
// Begin returns a context carrying the transaction; repositories called
// with it ride the same transaction until Commit or Rollback.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFunc receives the transaction-carrying context.
type UnitOfWorkFunc func(ctx context.Context) error

// WithUnitOfWork runs fn inside one transaction: committed when fn returns
// nil, rolled back otherwise. The rollback error is discarded; fn's error
// is what the caller needs to see.
func WithUnitOfWork(ctx context.Context, uow UnitOfWork, fn UnitOfWorkFunc) error {
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(txCtx); err != nil {
		_ = uow.Rollback(txCtx)
		return err
	}

	return uow.Commit(txCtx)
}
