package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/St1453/algofinstatix/internal/ids"
)

const userColumns = `id, email, username, first_name, last_name, hashed_password,
	is_enabled, is_verified, roles, created_at, updated_at, deleted_at`

// pgUserStore implements UserRepository over a transactional handle.
type pgUserStore struct {
	db dbtx
}

var _ UserRepository = (*pgUserStore)(nil)

func (s *pgUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 and deleted_at is null`, id)
	return scanUser(row)
}

func (s *pgUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1 and deleted_at is null`,
		NormalizeEmail(email))
	return scanUser(row)
}

func (s *pgUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1 and deleted_at is null`, username)
	return scanUser(row)
}

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	roles, _ := json.Marshal(u.Roles)
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, username, first_name, last_name, hashed_password,
			is_enabled, is_verified, roles)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, NormalizeEmail(u.Email), nullString(u.Username), u.FirstName, u.LastName,
		u.HashedPassword, u.Status.IsEnabled, u.Status.IsVerified, roles,
	)
	return err
}

func (s *pgUserStore) Update(ctx context.Context, u *User) error {
	roles, _ := json.Marshal(u.Roles)
	res, err := s.db.ExecContext(ctx,
		`update users set email=$2, username=$3, first_name=$4, last_name=$5,
			is_enabled=$6, is_verified=$7, roles=$8, updated_at=now()
		 where id=$1 and deleted_at is null`,
		u.ID, NormalizeEmail(u.Email), nullString(u.Username), u.FirstName, u.LastName,
		u.Status.IsEnabled, u.Status.IsVerified, roles,
	)
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

func (s *pgUserStore) UpdatePassword(ctx context.Context, userID, hashedPassword string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set hashed_password=$2, updated_at=now()
		 where id=$1 and deleted_at is null`, userID, hashedPassword)
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

func (s *pgUserStore) MarkVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set is_verified=true, updated_at=now()
		 where id=$1 and deleted_at is null`, userID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

func (s *pgUserStore) SoftDelete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set deleted_at=now(), is_enabled=false, updated_at=now()
		 where id=$1 and deleted_at is null`, userID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u        User
		username sql.NullString
		roles    []byte
		deleted  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &username, &u.FirstName, &u.LastName,
		&u.HashedPassword, &u.Status.IsEnabled, &u.Status.IsVerified, &roles,
		&u.CreatedAt, &u.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Username = username.String
	if deleted.Valid {
		u.DeletedAt = deleted.Time
	}
	_ = json.Unmarshal(roles, &u.Roles)
	return &u, nil
}

const tokenColumns = `id, value, user_id, token_type, status, created_at, expires_at,
	last_used_at, parent_token_id, next_token_id, user_agent, ip_address, scopes,
	revoked_at, revocation_reason`

// pgTokenStore implements TokenRepository over a transactional handle.
type pgTokenStore struct {
	db dbtx
}

var _ TokenRepository = (*pgTokenStore)(nil)

func (s *pgTokenStore) GetByID(ctx context.Context, id string) (Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from tokens where id=$1`, id)
	return scanToken(row)
}

func (s *pgTokenStore) GetByValue(ctx context.Context, value string) (Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from tokens where value=$1`, value)
	return scanToken(row)
}

func (s *pgTokenStore) ActiveTokensForUser(ctx context.Context, userID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+tokenColumns+` from tokens
		 where user_id=$1 and status='active' order by created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		t, err := scanTokenRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgTokenStore) Create(ctx context.Context, t Token) (Token, error) {
	if t.id == "" {
		t = t.withID(ids.New())
	}
	scopes, _ := json.Marshal(t.scopes.List())
	_, err := s.db.ExecContext(ctx,
		`insert into tokens(id, value, user_id, token_type, status, created_at, expires_at,
			parent_token_id, user_agent, ip_address, scopes)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.id, t.value, t.userID, string(t.typ), string(t.status),
		t.expiry.CreatedAt(), t.expiry.ExpiresAt(),
		// user_agent and ip_address are not-null columns; an empty string
		// must go over the wire as '', not as NULL.
		nullString(t.parentTokenID), t.userAgent, t.ipAddress, scopes,
	)
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

func (s *pgTokenStore) Update(ctx context.Context, t Token) error {
	res, err := s.db.ExecContext(ctx,
		`update tokens set status=$2, last_used_at=$3, next_token_id=$4,
			revoked_at=$5, revocation_reason=$6
		 where id=$1`,
		t.id, string(t.status), nullTime(t.lastUsedAt), nullString(t.nextTokenID),
		nullTime(t.revokedAt), t.revocationReason,
	)
	if err != nil {
		return err
	}
	return requireRow(res, ErrTokenNotFound)
}

// Revoke transitions an active token to revoked. The status guard makes
// concurrent revocations of the same token race safely: exactly one update
// wins and every loser gets ErrTokenNotActive.
func (s *pgTokenStore) Revoke(ctx context.Context, id string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`update tokens set status='revoked', revoked_at=$2, revocation_reason=$3
		 where id=$1 and status='active'`, id, at.UTC(), reason)
	if err != nil {
		return err
	}
	return requireRow(res, ErrTokenNotActive)
}

func (s *pgTokenStore) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update tokens set last_used_at=$2 where id=$1`, id, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res, ErrTokenNotFound)
}

func (s *pgTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from tokens where expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row *sql.Row) (Token, error) {
	t, err := scanTokenRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, err
}

func scanTokenRows(row rowScanner) (Token, error) {
	var (
		t                Token
		typ, status      string
		created, expires time.Time
		lastUsed         sql.NullTime
		parentID, nextID sql.NullString
		agent, ip        sql.NullString
		scopes           []byte
		revokedAt        sql.NullTime
		revokedReason    sql.NullString
	)
	err := row.Scan(&t.id, &t.value, &t.userID, &typ, &status, &created, &expires,
		&lastUsed, &parentID, &nextID, &agent, &ip, &scopes, &revokedAt, &revokedReason)
	if err != nil {
		return Token{}, err
	}
	expiry, err := NewExpiry(created, expires)
	if err != nil {
		return Token{}, err
	}
	t.typ = TokenType(typ)
	t.status = TokenStatus(status)
	t.expiry = expiry
	if lastUsed.Valid {
		t.lastUsedAt = lastUsed.Time
	}
	t.parentTokenID = parentID.String
	t.nextTokenID = nextID.String
	t.userAgent = agent.String
	t.ipAddress = ip.String
	if revokedAt.Valid {
		t.revokedAt = revokedAt.Time
	}
	t.revocationReason = revokedReason.String

	var list []string
	_ = json.Unmarshal(scopes, &list)
	t.scopes = NewScopes(list...)
	return t, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
