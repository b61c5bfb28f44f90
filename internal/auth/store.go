package auth

import (
	"context"
	"time"
)

// UserRepository persists user aggregates. Implementations operate on the
// transactional connection supplied by the owning unit of work.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, userID, hashedPassword string) error
	MarkVerified(ctx context.Context, userID string) error
	SoftDelete(ctx context.Context, userID string) error
}

// TokenRepository persists token entities. Revoke is guarded on active
// status so that of two concurrent revocations exactly one succeeds; the
// loser observes ErrTokenNotActive. That guarantee is what makes refresh
// token replay detectable.
type TokenRepository interface {
	GetByID(ctx context.Context, id string) (Token, error)
	GetByValue(ctx context.Context, value string) (Token, error)
	ActiveTokensForUser(ctx context.Context, userID string) ([]Token, error)
	Create(ctx context.Context, t Token) (Token, error)
	Update(ctx context.Context, t Token) error
	Revoke(ctx context.Context, id string, at time.Time, reason string) error
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// UnitOfWork owns one database transaction. Repositories obtained from it
// share that transaction; no write is durable until Commit succeeds.
// Lifecycle: open -> (committed | rolled back) -> closed. A finished or
// closed unit rejects further use.
type UnitOfWork interface {
	Users() UserRepository
	Tokens() TokenRepository
	Commit() error
	Rollback() error
	Close() error
}

// UnitOfWorkFactory opens a fresh unit of work. Each request constructs its
// own instance and disposes it deterministically.
type UnitOfWorkFactory func(ctx context.Context) (UnitOfWork, error)

// withUnitOfWork runs fn inside a new unit of work: commit on success,
// rollback on error, close on every exit path.
func withUnitOfWork(ctx context.Context, factory UnitOfWorkFactory, fn func(uow UnitOfWork) error) error {
	uow, err := factory(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Close() }()

	if err := fn(uow); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}
