package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// dbtx is the subset of database/sql the postgres repositories use. Both
// *sql.DB and *sql.Tx satisfy it.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type uowState int

const (
	uowOpen uowState = iota
	uowCommitted
	uowRolledBack
	uowClosed
)

// SQLUnitOfWork binds the user and token repositories to a single *sql.Tx.
type SQLUnitOfWork struct {
	tx     *sql.Tx
	state  uowState
	users  UserRepository
	tokens TokenRepository
}

var _ UnitOfWork = (*SQLUnitOfWork)(nil)

// NewSQLUnitOfWork begins a transaction and returns an open unit of work.
func NewSQLUnitOfWork(ctx context.Context, db *sql.DB) (*SQLUnitOfWork, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: begin unit of work: %w", err)
	}
	u := &SQLUnitOfWork{tx: tx, state: uowOpen}
	u.users = &guardedUserRepo{u: u, inner: &pgUserStore{db: tx}}
	u.tokens = &guardedTokenRepo{u: u, inner: &pgTokenStore{db: tx}}
	return u, nil
}

// SQLUnitOfWorkFactory returns a factory opening units of work against db.
func SQLUnitOfWorkFactory(db *sql.DB) UnitOfWorkFactory {
	return func(ctx context.Context) (UnitOfWork, error) {
		return NewSQLUnitOfWork(ctx, db)
	}
}

func (u *SQLUnitOfWork) Users() UserRepository   { return u.users }
func (u *SQLUnitOfWork) Tokens() TokenRepository { return u.tokens }

func (u *SQLUnitOfWork) ensureOpen() error {
	switch u.state {
	case uowOpen:
		return nil
	case uowClosed:
		return ErrUnitOfWorkClosed
	default:
		return ErrUnitOfWorkFinished
	}
}

// Commit flushes all pending writes atomically. On failure the transaction
// is rolled back before the error is reported.
func (u *SQLUnitOfWork) Commit() error {
	if err := u.ensureOpen(); err != nil {
		return err
	}
	if err := u.tx.Commit(); err != nil {
		_ = u.tx.Rollback()
		u.state = uowRolledBack
		return fmt.Errorf("auth: commit unit of work: %w", err)
	}
	u.state = uowCommitted
	return nil
}

// Rollback reverts all writes since Begin. Calling it again after a rollback
// is a no-op; calling it after a commit reports ErrUnitOfWorkFinished.
func (u *SQLUnitOfWork) Rollback() error {
	switch u.state {
	case uowOpen:
		u.state = uowRolledBack
		if err := u.tx.Rollback(); err != nil {
			return fmt.Errorf("auth: rollback unit of work: %w", err)
		}
		return nil
	case uowRolledBack:
		return nil
	case uowClosed:
		return ErrUnitOfWorkClosed
	default:
		return ErrUnitOfWorkFinished
	}
}

// Close releases the transaction, rolling back if it is still open. Close is
// idempotent; any repository use after it fails with ErrUnitOfWorkClosed.
func (u *SQLUnitOfWork) Close() error {
	if u.state == uowClosed {
		return nil
	}
	var err error
	if u.state == uowOpen {
		err = u.tx.Rollback()
	}
	u.state = uowClosed
	if err != nil {
		return fmt.Errorf("auth: close unit of work: %w", err)
	}
	return nil
}

// guardedUserRepo rejects repository use once the owning unit of work has
// finished or closed.
type guardedUserRepo struct {
	u     *SQLUnitOfWork
	inner UserRepository
}

func (g *guardedUserRepo) GetByID(ctx context.Context, id string) (*User, error) {
	if err := g.u.ensureOpen(); err != nil {
		return nil, err
	}
	return g.inner.GetByID(ctx, id)
}

func (g *guardedUserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	if err := g.u.ensureOpen(); err != nil {
		return nil, err
	}
	return g.inner.GetByEmail(ctx, email)
}

func (g *guardedUserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	if err := g.u.ensureOpen(); err != nil {
		return nil, err
	}
	return g.inner.GetByUsername(ctx, username)
}

func (g *guardedUserRepo) Create(ctx context.Context, usr *User) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.Create(ctx, usr)
}

func (g *guardedUserRepo) Update(ctx context.Context, usr *User) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.Update(ctx, usr)
}

func (g *guardedUserRepo) UpdatePassword(ctx context.Context, userID, hashedPassword string) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.UpdatePassword(ctx, userID, hashedPassword)
}

func (g *guardedUserRepo) MarkVerified(ctx context.Context, userID string) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.MarkVerified(ctx, userID)
}

func (g *guardedUserRepo) SoftDelete(ctx context.Context, userID string) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.SoftDelete(ctx, userID)
}

type guardedTokenRepo struct {
	u     *SQLUnitOfWork
	inner TokenRepository
}

func (g *guardedTokenRepo) GetByID(ctx context.Context, id string) (Token, error) {
	if err := g.u.ensureOpen(); err != nil {
		return Token{}, err
	}
	return g.inner.GetByID(ctx, id)
}

func (g *guardedTokenRepo) GetByValue(ctx context.Context, value string) (Token, error) {
	if err := g.u.ensureOpen(); err != nil {
		return Token{}, err
	}
	return g.inner.GetByValue(ctx, value)
}

func (g *guardedTokenRepo) ActiveTokensForUser(ctx context.Context, userID string) ([]Token, error) {
	if err := g.u.ensureOpen(); err != nil {
		return nil, err
	}
	return g.inner.ActiveTokensForUser(ctx, userID)
}

func (g *guardedTokenRepo) Create(ctx context.Context, t Token) (Token, error) {
	if err := g.u.ensureOpen(); err != nil {
		return Token{}, err
	}
	return g.inner.Create(ctx, t)
}

func (g *guardedTokenRepo) Update(ctx context.Context, t Token) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.Update(ctx, t)
}

func (g *guardedTokenRepo) Revoke(ctx context.Context, id string, at time.Time, reason string) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.Revoke(ctx, id, at, reason)
}

func (g *guardedTokenRepo) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	if err := g.u.ensureOpen(); err != nil {
		return err
	}
	return g.inner.UpdateLastUsed(ctx, id, at)
}

func (g *guardedTokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := g.u.ensureOpen(); err != nil {
		return 0, err
	}
	return g.inner.DeleteExpired(ctx, cutoff)
}
