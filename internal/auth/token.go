package auth

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TokenType enumerates the credential kinds issued by the service.
type TokenType string

const (
	TokenAccess            TokenType = "access"
	TokenRefresh           TokenType = "refresh"
	TokenEmailVerification TokenType = "email_verification"
	TokenPasswordReset     TokenType = "password_reset"
	TokenAPI               TokenType = "api"
)

// Known reports whether t is one of the supported token types.
func (t TokenType) Known() bool {
	switch t {
	case TokenAccess, TokenRefresh, TokenEmailVerification, TokenPasswordReset, TokenAPI:
		return true
	}
	return false
}

// Opaque reports whether values of this type are random strings looked up
// directly in storage, as opposed to signed payloads that are decoded first.
func (t TokenType) Opaque() bool {
	switch t {
	case TokenRefresh, TokenPasswordReset, TokenAPI:
		return true
	}
	return false
}

// TokenStatus is the lifecycle state of a persisted token. Revocation and
// expiry are one-way transitions.
type TokenStatus string

const (
	StatusActive  TokenStatus = "active"
	StatusRevoked TokenStatus = "revoked"
	StatusExpired TokenStatus = "expired"
	StatusUsed    TokenStatus = "used"
)

// Scope constants. ScopeAll grants every capability.
const (
	ScopeAll           = "*"
	ScopeRefreshToken  = "refresh_token"
	ScopeVerifyEmail   = "verify_email"
	ScopeResetPassword = "reset_password"
)

// Token lifetime bounds, enforced at construction so no code path can create
// an out-of-policy token.
const (
	MinTokenLifetime = time.Minute
	MaxTokenLifetime = 30 * 24 * time.Hour
)

// Expiry is an immutable created-at/expires-at pair. Both instants are UTC
// and ExpiresAt is strictly after CreatedAt.
type Expiry struct {
	createdAt time.Time
	expiresAt time.Time
}

// NewExpiry validates and normalizes an expiry window.
func NewExpiry(createdAt, expiresAt time.Time) (Expiry, error) {
	if createdAt.IsZero() || expiresAt.IsZero() {
		return Expiry{}, fmt.Errorf("expiry timestamps are required")
	}
	createdAt = createdAt.UTC()
	expiresAt = expiresAt.UTC()
	if !expiresAt.After(createdAt) {
		return Expiry{}, fmt.Errorf("expires_at must be after created_at")
	}
	return Expiry{createdAt: createdAt, expiresAt: expiresAt}, nil
}

// ExpiryFrom builds an expiry window starting at now with the given lifetime.
func ExpiryFrom(now time.Time, lifetime time.Duration) (Expiry, error) {
	return NewExpiry(now, now.Add(lifetime))
}

func (e Expiry) CreatedAt() time.Time { return e.createdAt }
func (e Expiry) ExpiresAt() time.Time { return e.expiresAt }

// ExpiredAt reports whether the window has elapsed at the given instant.
func (e Expiry) ExpiredAt(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// TTL returns the remaining lifetime at the given instant.
func (e Expiry) TTL(now time.Time) time.Duration {
	return e.expiresAt.Sub(now)
}

// Scopes is an immutable set of capability tags. The wildcard scope "*"
// satisfies any requirement.
type Scopes struct {
	set map[string]struct{}
}

// NewScopes builds a scope set, dropping empty entries.
func NewScopes(scopes ...string) Scopes {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	return Scopes{set: set}
}

// Has reports whether the set grants the scope, either directly or through
// the wildcard.
func (s Scopes) Has(scope string) bool {
	if _, ok := s.set[ScopeAll]; ok {
		return true
	}
	_, ok := s.set[scope]
	return ok
}

// HasAll reports whether every required scope is granted.
func (s Scopes) HasAll(required ...string) bool {
	for _, r := range required {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// List returns the scopes in sorted order.
func (s Scopes) List() []string {
	out := make([]string, 0, len(s.set))
	for k := range s.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s Scopes) Len() int { return len(s.set) }

// Token is an immutable domain entity representing one issued credential.
// Mutations produce new instances; the value, owner, type, expiry window and
// creation time can never change after construction.
type Token struct {
	id     string
	value  string
	userID string
	typ    TokenType
	expiry Expiry
	status TokenStatus

	lastUsedAt time.Time

	parentTokenID string
	nextTokenID   string

	userAgent string
	ipAddress string
	scopes    Scopes

	revokedAt        time.Time
	revocationReason string
}

// TokenParams carries the optional provenance metadata for a new token.
type TokenParams struct {
	UserAgent     string
	IPAddress     string
	ParentTokenID string
}

func newToken(value, userID string, typ TokenType, lifetime time.Duration, scopes Scopes, p TokenParams) (Token, error) {
	if strings.TrimSpace(value) == "" {
		return Token{}, fmt.Errorf("token value is required")
	}
	if strings.TrimSpace(userID) == "" {
		return Token{}, fmt.Errorf("user id is required")
	}
	if !typ.Known() {
		return Token{}, fmt.Errorf("unknown token type %q", typ)
	}
	if lifetime < MinTokenLifetime || lifetime > MaxTokenLifetime {
		return Token{}, fmt.Errorf("token lifetime %s outside [%s, %s]", lifetime, MinTokenLifetime, MaxTokenLifetime)
	}
	expiry, err := ExpiryFrom(time.Now().UTC(), lifetime)
	if err != nil {
		return Token{}, err
	}
	return Token{
		value:         value,
		userID:        userID,
		typ:           typ,
		expiry:        expiry,
		status:        StatusActive,
		scopes:        scopes,
		userAgent:     p.UserAgent,
		ipAddress:     p.IPAddress,
		parentTokenID: p.ParentTokenID,
	}, nil
}

// NewAccessToken constructs an active access token. Scopes default to the
// wildcard when empty.
func NewAccessToken(value, userID string, lifetime time.Duration, scopes Scopes, p TokenParams) (Token, error) {
	if scopes.Len() == 0 {
		scopes = NewScopes(ScopeAll)
	}
	return newToken(value, userID, TokenAccess, lifetime, scopes, p)
}

// NewRefreshToken constructs an active refresh token carrying only the
// refresh_token scope.
func NewRefreshToken(value, userID string, lifetime time.Duration, p TokenParams) (Token, error) {
	return newToken(value, userID, TokenRefresh, lifetime, NewScopes(ScopeRefreshToken), p)
}

// NewVerificationToken constructs a single-purpose token (email verification,
// password reset, api) with the given scopes.
func NewVerificationToken(value, userID string, typ TokenType, lifetime time.Duration, scopes Scopes, p TokenParams) (Token, error) {
	if typ == TokenAccess || typ == TokenRefresh {
		return Token{}, fmt.Errorf("%w: %s is not a verification token type", ErrTokenType, typ)
	}
	return newToken(value, userID, typ, lifetime, scopes, p)
}

// Accessors.

func (t Token) ID() string            { return t.id }
func (t Token) Value() string         { return t.value }
func (t Token) UserID() string        { return t.userID }
func (t Token) Type() TokenType       { return t.typ }
func (t Token) Status() TokenStatus   { return t.status }
func (t Token) Expiry() Expiry        { return t.expiry }
func (t Token) CreatedAt() time.Time  { return t.expiry.CreatedAt() }
func (t Token) ExpiresAt() time.Time  { return t.expiry.ExpiresAt() }
func (t Token) ParentTokenID() string { return t.parentTokenID }
func (t Token) NextTokenID() string   { return t.nextTokenID }
func (t Token) UserAgent() string     { return t.userAgent }
func (t Token) IPAddress() string     { return t.ipAddress }
func (t Token) Scopes() Scopes        { return t.scopes }

// LastUsedAt returns when the token last passed verification, if ever.
func (t Token) LastUsedAt() (time.Time, bool) {
	return t.lastUsedAt, !t.lastUsedAt.IsZero()
}

// RevokedAt returns when the token was revoked, if it was.
func (t Token) RevokedAt() (time.Time, bool) {
	return t.revokedAt, !t.revokedAt.IsZero()
}

func (t Token) RevocationReason() string { return t.revocationReason }

// IsRevoked reports whether the token has been revoked.
func (t Token) IsRevoked() bool {
	return t.status == StatusRevoked || !t.revokedAt.IsZero()
}

// IsExpired reports whether the token has expired at the given instant.
func (t Token) IsExpired(now time.Time) bool {
	return t.expiry.ExpiredAt(now)
}

// IsValid reports the core validity invariant: active status, not expired,
// never revoked.
func (t Token) IsValid(now time.Time) bool {
	return t.status == StatusActive && !t.IsExpired(now) && !t.IsRevoked()
}

// Revoke returns a copy in the revoked terminal state. Revoking an already
// revoked token returns the original unchanged; revocation is one-way.
func (t Token) Revoke(reason string) Token {
	if t.IsRevoked() {
		return t
	}
	t.status = StatusRevoked
	t.revokedAt = time.Now().UTC()
	t.revocationReason = reason
	return t
}

// MarkUsed returns a copy with a fresh last-used timestamp.
func (t Token) MarkUsed() Token {
	t.lastUsedAt = time.Now().UTC()
	return t
}

// MarkExpired returns a copy in the expired terminal state.
func (t Token) MarkExpired() Token {
	t.status = StatusExpired
	return t
}

// LinkToToken returns a copy pointing at the successor in a rotation chain.
// Only refresh tokens participate in rotation chains.
func (t Token) LinkToToken(nextTokenID string) (Token, error) {
	if t.typ != TokenRefresh {
		return Token{}, fmt.Errorf("%w: only refresh tokens can be linked", ErrTokenType)
	}
	t.nextTokenID = nextTokenID
	return t, nil
}

// withID returns a copy carrying the identifier assigned at persistence time.
func (t Token) withID(id string) Token {
	t.id = id
	return t
}

// TokenChange is one field update applied through WithUpdates.
type TokenChange struct {
	field string
	apply func(*Token)
}

func ChangeStatus(s TokenStatus) TokenChange {
	return TokenChange{field: "status", apply: func(t *Token) { t.status = s }}
}

func ChangeLastUsedAt(at time.Time) TokenChange {
	return TokenChange{field: "last_used_at", apply: func(t *Token) { t.lastUsedAt = at.UTC() }}
}

func ChangeNextTokenID(id string) TokenChange {
	return TokenChange{field: "next_token_id", apply: func(t *Token) { t.nextTokenID = id }}
}

func ChangeRevocation(at time.Time, reason string) TokenChange {
	return TokenChange{field: "revoked_at", apply: func(t *Token) {
		t.status = StatusRevoked
		t.revokedAt = at.UTC()
		t.revocationReason = reason
	}}
}

// The changes below target immutable core fields. WithUpdates rejects them
// unconditionally; they exist so the rejection is part of the contract rather
// than an absent API.

func ChangeValue(string) TokenChange     { return TokenChange{field: "value"} }
func ChangeUserID(string) TokenChange    { return TokenChange{field: "user_id"} }
func ChangeType(TokenType) TokenChange   { return TokenChange{field: "token_type"} }
func ChangeExpiry(Expiry) TokenChange    { return TokenChange{field: "expiry"} }
func ChangeCreatedAt(time.Time) TokenChange {
	return TokenChange{field: "created_at"}
}

var immutableTokenFields = map[string]struct{}{
	"value":      {},
	"user_id":    {},
	"token_type": {},
	"expiry":     {},
	"created_at": {},
}

// WithUpdates returns a copy with the given field changes applied. Changes
// targeting the immutable core fields fail before anything is applied.
func (t Token) WithUpdates(changes ...TokenChange) (Token, error) {
	for _, c := range changes {
		if _, ok := immutableTokenFields[c.field]; ok {
			return Token{}, fmt.Errorf("%w: %s", ErrImmutableField, c.field)
		}
	}
	out := t
	for _, c := range changes {
		c.apply(&out)
	}
	return out, nil
}
