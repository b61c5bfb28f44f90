package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/St1453/algofinstatix/internal/ids"
)

// memDB is the committed state shared across fake units of work. Writes made
// inside a unit of work become visible here only after Commit, which is what
// the atomicity tests lean on.
type memDB struct {
	mu     sync.Mutex
	users  map[string]*User
	tokens map[string]Token

	// error injection hooks
	tokenCreateErr func(Token) error
	userUpdateErr  error
}

func newMemDB() *memDB {
	return &memDB{
		users:  make(map[string]*User),
		tokens: make(map[string]Token),
	}
}

func (db *memDB) factory() UnitOfWorkFactory {
	return func(ctx context.Context) (UnitOfWork, error) {
		return newMemUOW(db), nil
	}
}

// nextID hands out real identifiers so that code distinguishing token ids
// from token values behaves the same against the fake as against Postgres.
func (db *memDB) nextID() string {
	return ids.New()
}

func (db *memDB) addUser(u *User) *User {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u.ID == "" {
		u.ID = db.nextID()
	}
	cp := *u
	db.users[u.ID] = &cp
	return u
}

func (db *memDB) tokenByID(id string) (Token, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tokens[id]
	return t, ok
}

func (db *memDB) tokenCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tokens)
}

// memUOW snapshots the committed state at open and works on the copy. Commit
// publishes the copy back; Rollback discards it.
type memUOW struct {
	db       *memDB
	users    map[string]*User
	tokens   map[string]Token
	finished bool
	closed   bool
}

func newMemUOW(db *memDB) *memUOW {
	db.mu.Lock()
	defer db.mu.Unlock()
	users := make(map[string]*User, len(db.users))
	for k, v := range db.users {
		cp := *v
		users[k] = &cp
	}
	tokens := make(map[string]Token, len(db.tokens))
	for k, v := range db.tokens {
		tokens[k] = v
	}
	return &memUOW{db: db, users: users, tokens: tokens}
}

func (u *memUOW) Users() UserRepository   { return &memUserRepo{u} }
func (u *memUOW) Tokens() TokenRepository { return &memTokenRepo{u} }

func (u *memUOW) Commit() error {
	if u.closed {
		return ErrUnitOfWorkClosed
	}
	if u.finished {
		return ErrUnitOfWorkFinished
	}
	u.db.mu.Lock()
	defer u.db.mu.Unlock()
	u.db.users = u.users
	u.db.tokens = u.tokens
	u.finished = true
	return nil
}

func (u *memUOW) Rollback() error {
	if u.closed {
		return ErrUnitOfWorkClosed
	}
	u.finished = true
	return nil
}

func (u *memUOW) Close() error {
	u.closed = true
	return nil
}

func (u *memUOW) ensureOpen() error {
	if u.closed {
		return ErrUnitOfWorkClosed
	}
	if u.finished {
		return ErrUnitOfWorkFinished
	}
	return nil
}

type memUserRepo struct{ u *memUOW }

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*User, error) {
	if err := r.u.ensureOpen(); err != nil {
		return nil, err
	}
	user, ok := r.u.users[id]
	if !ok || user.IsDeleted() {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	if err := r.u.ensureOpen(); err != nil {
		return nil, err
	}
	email = NormalizeEmail(email)
	for _, user := range r.u.users {
		if user.Email == email && !user.IsDeleted() {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	if err := r.u.ensureOpen(); err != nil {
		return nil, err
	}
	for _, user := range r.u.users {
		if user.Username == username && !user.IsDeleted() {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepo) Create(ctx context.Context, u *User) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	if u.ID == "" {
		r.u.db.mu.Lock()
		u.ID = r.u.db.nextID()
		r.u.db.mu.Unlock()
	}
	u.Email = NormalizeEmail(u.Email)
	cp := *u
	r.u.users[u.ID] = &cp
	return nil
}

func (r *memUserRepo) Update(ctx context.Context, u *User) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	if r.u.db.userUpdateErr != nil {
		return r.u.db.userUpdateErr
	}
	if _, ok := r.u.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	r.u.users[u.ID] = &cp
	return nil
}

func (r *memUserRepo) UpdatePassword(ctx context.Context, userID, hashedPassword string) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	user, ok := r.u.users[userID]
	if !ok || user.IsDeleted() {
		return ErrUserNotFound
	}
	user.HashedPassword = hashedPassword
	return nil
}

func (r *memUserRepo) MarkVerified(ctx context.Context, userID string) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	user, ok := r.u.users[userID]
	if !ok || user.IsDeleted() {
		return ErrUserNotFound
	}
	user.Status.IsVerified = true
	return nil
}

func (r *memUserRepo) SoftDelete(ctx context.Context, userID string) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	user, ok := r.u.users[userID]
	if !ok || user.IsDeleted() {
		return ErrUserNotFound
	}
	user.DeletedAt = time.Now().UTC()
	user.Status.IsEnabled = false
	return nil
}

type memTokenRepo struct{ u *memUOW }

func (r *memTokenRepo) GetByID(ctx context.Context, id string) (Token, error) {
	if err := r.u.ensureOpen(); err != nil {
		return Token{}, err
	}
	tok, ok := r.u.tokens[id]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return tok, nil
}

func (r *memTokenRepo) GetByValue(ctx context.Context, value string) (Token, error) {
	if err := r.u.ensureOpen(); err != nil {
		return Token{}, err
	}
	for _, tok := range r.u.tokens {
		if tok.Value() == value {
			return tok, nil
		}
	}
	return Token{}, ErrTokenNotFound
}

func (r *memTokenRepo) ActiveTokensForUser(ctx context.Context, userID string) ([]Token, error) {
	if err := r.u.ensureOpen(); err != nil {
		return nil, err
	}
	var out []Token
	for _, tok := range r.u.tokens {
		if tok.UserID() == userID && tok.Status() == StatusActive {
			out = append(out, tok)
		}
	}
	return out, nil
}

func (r *memTokenRepo) Create(ctx context.Context, t Token) (Token, error) {
	if err := r.u.ensureOpen(); err != nil {
		return Token{}, err
	}
	if hook := r.u.db.tokenCreateErr; hook != nil {
		if err := hook(t); err != nil {
			return Token{}, err
		}
	}
	r.u.db.mu.Lock()
	id := r.u.db.nextID()
	r.u.db.mu.Unlock()
	stored := t.withID(id)
	r.u.tokens[id] = stored
	return stored, nil
}

func (r *memTokenRepo) Update(ctx context.Context, t Token) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	if _, ok := r.u.tokens[t.ID()]; !ok {
		return ErrTokenNotFound
	}
	r.u.tokens[t.ID()] = t
	return nil
}

// Revoke mirrors the guarded SQL update: it only succeeds while the stored
// row is still active. The guard must check committed state, not the
// snapshot, so that a rotation racing an earlier commit loses.
func (r *memTokenRepo) Revoke(ctx context.Context, id string, at time.Time, reason string) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	r.u.db.mu.Lock()
	committed, inCommitted := r.u.db.tokens[id]
	r.u.db.mu.Unlock()
	if inCommitted && committed.Status() != StatusActive {
		return ErrTokenNotActive
	}
	tok, ok := r.u.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	if tok.Status() != StatusActive {
		return ErrTokenNotActive
	}
	updated, err := tok.WithUpdates(ChangeRevocation(at, reason))
	if err != nil {
		return err
	}
	r.u.tokens[id] = updated
	return nil
}

func (r *memTokenRepo) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	if err := r.u.ensureOpen(); err != nil {
		return err
	}
	tok, ok := r.u.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	updated, err := tok.WithUpdates(ChangeLastUsedAt(at))
	if err != nil {
		return err
	}
	r.u.tokens[id] = updated
	return nil
}

func (r *memTokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := r.u.ensureOpen(); err != nil {
		return 0, err
	}
	n := 0
	for id, tok := range r.u.tokens {
		if tok.IsExpired(cutoff) {
			delete(r.u.tokens, id)
			n++
		}
	}
	return n, nil
}

// test fixtures

func seedUser(db *memDB, email string, verified bool) *User {
	return db.addUser(&User{
		Email:          NormalizeEmail(email),
		Username:       strings.Split(email, "@")[0],
		HashedPassword: "unused",
		Status:         UserStatus{IsEnabled: true, IsVerified: verified},
		Roles:          []string{"user"},
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	})
}
