package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/St1453/algofinstatix/internal/ids"
	"github.com/St1453/algofinstatix/internal/obs"
)

const (
	// Email verification tokens always live 24 hours, independent of the
	// configured access/refresh lifetimes.
	emailVerificationLifetime = 24 * time.Hour
	// Password reset tokens are short-lived on purpose.
	passwordResetLifetime = time.Hour
)

// RequestInfo carries the provenance metadata recorded with each token.
type RequestInfo struct {
	UserAgent string
	IPAddress string
}

func (r RequestInfo) tokenParams(parentTokenID string) TokenParams {
	return TokenParams{
		UserAgent:     r.UserAgent,
		IPAddress:     r.IPAddress,
		ParentTokenID: parentTokenID,
	}
}

// AccessClaims is the signed payload of access and verification tokens. The
// user snapshot (email, username, roles, verified flag) is denormalized on
// purpose: it goes stale until the token is refreshed, which is the accepted
// trade-off for stateless checks.
type AccessClaims struct {
	TokenType  string   `json:"token_type"`
	Scopes     []string `json:"scopes,omitempty"`
	Email      string   `json:"email,omitempty"`
	Username   string   `json:"username,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	IsVerified bool     `json:"is_verified"`
	jwt.RegisteredClaims
}

// TokenPair is the result of minting access and refresh credentials together.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Access       Token
	Refresh      Token
}

// VerificationResult is the structured outcome of VerifyToken. Reason is set
// whenever Valid is false.
type VerificationResult struct {
	Valid  bool
	User   *User
	Token  Token
	Claims *AccessClaims
	Reason string
}

// TokenServiceConfig is the required signing and lifetime configuration.
// All fields must be set; NewTokenService fails otherwise.
type TokenServiceConfig struct {
	Secret          string
	Algorithm       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
}

// TokenService is the sole authority for minting, verifying, rotating and
// revoking tokens.
type TokenService struct {
	uow        UnitOfWorkFactory
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// TokenServiceOption configures TokenService behavior.
type TokenServiceOption func(*TokenService)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) TokenServiceOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService validates the configuration and constructs the service.
// Only HS256 is accepted; verification is always pinned to it so tokens
// signed with any other algorithm are rejected.
func NewTokenService(factory UnitOfWorkFactory, cfg TokenServiceConfig, opts ...TokenServiceOption) (*TokenService, error) {
	if factory == nil {
		return nil, errors.New("auth: unit of work factory is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if cfg.Algorithm != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("auth: unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.AccessTokenTTL < MinTokenLifetime || cfg.AccessTokenTTL > MaxTokenLifetime {
		return nil, fmt.Errorf("auth: access token lifetime %s outside [%s, %s]",
			cfg.AccessTokenTTL, MinTokenLifetime, MaxTokenLifetime)
	}
	if cfg.RefreshTokenTTL < MinTokenLifetime || cfg.RefreshTokenTTL > MaxTokenLifetime {
		return nil, fmt.Errorf("auth: refresh token lifetime %s outside [%s, %s]",
			cfg.RefreshTokenTTL, MinTokenLifetime, MaxTokenLifetime)
	}
	s := &TokenService{
		uow:        factory,
		secret:     []byte(cfg.Secret),
		method:     jwt.SigningMethodHS256,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ===== Signing =====

func (s *TokenService) signClaims(user *User, typ TokenType, scopes Scopes, lifetime time.Duration) (string, error) {
	now := s.now().UTC()
	claims := AccessClaims{
		TokenType:  string(typ),
		Scopes:     scopes.List(),
		Email:      user.Email,
		Username:   user.Username,
		Roles:      append([]string(nil), user.Roles...),
		IsVerified: user.Status.IsVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrTokenIssue, err)
	}
	return signed, nil
}

func (s *TokenService) decodeClaims(value string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (any, error) {
		if t.Method != s.method {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// looksSigned reports whether a token value has the three-segment shape of a
// signed payload rather than an opaque value.
func looksSigned(value string) bool {
	return strings.Count(value, ".") == 2
}

// ===== Minting =====

func (s *TokenService) mintAccessToken(ctx context.Context, uow UnitOfWork, user *User, scopes Scopes, info RequestInfo, parentTokenID string) (string, Token, error) {
	if user == nil || user.ID == "" {
		return "", Token{}, errors.New("auth: user is required")
	}
	if scopes.Len() == 0 {
		scopes = NewScopes(ScopeAll)
	}
	signed, err := s.signClaims(user, TokenAccess, scopes, s.accessTTL)
	if err != nil {
		return "", Token{}, err
	}
	tok, err := NewAccessToken(signed, user.ID, s.accessTTL, scopes, info.tokenParams(parentTokenID))
	if err != nil {
		return "", Token{}, fmt.Errorf("%w: %v", ErrTokenIssue, err)
	}
	stored, err := uow.Tokens().Create(ctx, tok)
	if err != nil {
		return "", Token{}, fmt.Errorf("%w: persist: %v", ErrTokenIssue, err)
	}
	obs.TokenIssued(string(TokenAccess))
	return signed, stored, nil
}

func (s *TokenService) mintRefreshToken(ctx context.Context, uow UnitOfWork, user *User, info RequestInfo, parentTokenID string) (string, Token, error) {
	if user == nil || user.ID == "" {
		return "", Token{}, errors.New("auth: user is required")
	}
	// Opaque value, generated server-side only. UUIDv4 gives 122 bits of
	// cryptographically random material.
	value := uuid.NewString()
	tok, err := NewRefreshToken(value, user.ID, s.refreshTTL, info.tokenParams(parentTokenID))
	if err != nil {
		return "", Token{}, fmt.Errorf("%w: %v", ErrTokenIssue, err)
	}
	stored, err := uow.Tokens().Create(ctx, tok)
	if err != nil {
		return "", Token{}, fmt.Errorf("%w: persist: %v", ErrTokenIssue, err)
	}
	obs.TokenIssued(string(TokenRefresh))
	return value, stored, nil
}

// mintTokenPair creates the refresh token first, then the access token
// carrying the refresh token id as its parent. That direction is what later
// revocation cascades depend on.
func (s *TokenService) mintTokenPair(ctx context.Context, uow UnitOfWork, user *User, info RequestInfo, parentRefreshID string) (TokenPair, error) {
	refreshValue, refreshTok, err := s.mintRefreshToken(ctx, uow, user, info, parentRefreshID)
	if err != nil {
		return TokenPair{}, err
	}
	accessValue, accessTok, err := s.mintAccessToken(ctx, uow, user, Scopes{}, info, refreshTok.ID())
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessValue,
		RefreshToken: refreshValue,
		Access:       accessTok,
		Refresh:      refreshTok,
	}, nil
}

// CreateAccessToken mints and persists a signed access token. Scopes default
// to the wildcard.
func (s *TokenService) CreateAccessToken(ctx context.Context, user *User, scopes Scopes, info RequestInfo) (string, Token, error) {
	var (
		value string
		tok   Token
	)
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		value, tok, err = s.mintAccessToken(ctx, uow, user, scopes, info, "")
		return err
	})
	if err != nil {
		return "", Token{}, err
	}
	return value, tok, nil
}

// CreateRefreshToken mints and persists an opaque refresh token.
func (s *TokenService) CreateRefreshToken(ctx context.Context, user *User, parentTokenID string, info RequestInfo) (string, Token, error) {
	var (
		value string
		tok   Token
	)
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		value, tok, err = s.mintRefreshToken(ctx, uow, user, info, parentTokenID)
		return err
	})
	if err != nil {
		return "", Token{}, err
	}
	return value, tok, nil
}

// CreateTokenPair mints an access/refresh pair in one transaction.
func (s *TokenService) CreateTokenPair(ctx context.Context, user *User, info RequestInfo) (TokenPair, error) {
	var pair TokenPair
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		pair, err = s.mintTokenPair(ctx, uow, user, info, "")
		return err
	})
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// CreateEmailVerificationToken mints a signed single-purpose token with a
// fixed 24 hour lifetime, independent of the global token configuration.
func (s *TokenService) CreateEmailVerificationToken(ctx context.Context, user *User, info RequestInfo) (string, Token, error) {
	if user == nil || user.ID == "" {
		return "", Token{}, errors.New("auth: user is required")
	}
	scopes := NewScopes(ScopeVerifyEmail)
	signed, err := s.signClaims(user, TokenEmailVerification, scopes, emailVerificationLifetime)
	if err != nil {
		return "", Token{}, err
	}
	var stored Token
	err = withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		tok, err := NewVerificationToken(signed, user.ID, TokenEmailVerification,
			emailVerificationLifetime, scopes, info.tokenParams(""))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTokenIssue, err)
		}
		stored, err = uow.Tokens().Create(ctx, tok)
		if err != nil {
			return fmt.Errorf("%w: persist: %v", ErrTokenIssue, err)
		}
		return nil
	})
	if err != nil {
		return "", Token{}, err
	}
	obs.TokenIssued(string(TokenEmailVerification))
	return signed, stored, nil
}

// CreatePasswordResetToken mints an opaque single-use reset token valid for
// one hour.
func (s *TokenService) CreatePasswordResetToken(ctx context.Context, user *User, info RequestInfo) (string, Token, error) {
	if user == nil || user.ID == "" {
		return "", Token{}, errors.New("auth: user is required")
	}
	value := uuid.NewString()
	var stored Token
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		tok, err := NewVerificationToken(value, user.ID, TokenPasswordReset,
			passwordResetLifetime, NewScopes(ScopeResetPassword), info.tokenParams(""))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTokenIssue, err)
		}
		stored, err = uow.Tokens().Create(ctx, tok)
		if err != nil {
			return fmt.Errorf("%w: persist: %v", ErrTokenIssue, err)
		}
		return nil
	})
	if err != nil {
		return "", Token{}, err
	}
	obs.TokenIssued(string(TokenPasswordReset))
	return value, stored, nil
}

// ===== Verification =====

// VerifyToken runs the full verification pipeline in one transaction: decode
// or look up, type check, status check, scope check, user resolution, and a
// last-used update on success. A verification failure never partially
// mutates state.
//
// Structured failures (bad signature, wrong type, missing scopes, unknown
// user) come back as a result with Valid=false and a nil error. A token
// whose persisted status is expired or revoked additionally returns
// ErrTokenExpired or ErrTokenRevoked so callers can distinguish replay.
func (s *TokenService) VerifyToken(ctx context.Context, value string, expectType TokenType, requiredScopes ...string) (VerificationResult, error) {
	var res VerificationResult
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		res, err = s.verifyInTx(ctx, uow, value, expectType, requiredScopes)
		return err
	})
	switch {
	case err == nil && res.Valid:
		obs.TokenVerified("ok")
	case errors.Is(err, ErrTokenExpired):
		obs.TokenVerified("expired")
	case errors.Is(err, ErrTokenRevoked):
		obs.TokenVerified("revoked")
	default:
		obs.TokenVerified("invalid")
	}
	return res, err
}

func (s *TokenService) verifyInTx(ctx context.Context, uow UnitOfWork, value string, expectType TokenType, requiredScopes []string) (VerificationResult, error) {
	invalid := func(reason string) (VerificationResult, error) {
		return VerificationResult{Valid: false, Reason: reason}, nil
	}

	now := s.now().UTC()

	// Signed tokens are decoded first; opaque tokens are looked up directly.
	var claims *AccessClaims
	if looksSigned(value) {
		var err error
		claims, err = s.decodeClaims(value)
		if errors.Is(err, ErrTokenExpired) {
			return invalid("Token has expired")
		}
		if err != nil {
			return invalid("Invalid token")
		}
		if expectType != "" && claims.TokenType != string(expectType) {
			return invalid(fmt.Sprintf("Invalid token type: expected %s", expectType))
		}
	} else if expectType != "" && !expectType.Opaque() {
		return invalid("Invalid token")
	}

	tok, err := uow.Tokens().GetByValue(ctx, value)
	if errors.Is(err, ErrTokenNotFound) {
		return invalid("Token not found")
	}
	if err != nil {
		return VerificationResult{}, err
	}
	if expectType != "" && tok.Type() != expectType {
		return invalid(fmt.Sprintf("Invalid token type: expected %s", expectType))
	}

	switch {
	case tok.Status() == StatusRevoked:
		return VerificationResult{Valid: false, Token: tok, Reason: "Token has been revoked"}, ErrTokenRevoked
	case tok.Status() == StatusExpired, tok.IsExpired(now):
		return VerificationResult{Valid: false, Token: tok, Reason: "Token has expired"}, ErrTokenExpired
	case tok.Status() != StatusActive:
		return VerificationResult{Valid: false, Token: tok, Reason: fmt.Sprintf("Token is %s", tok.Status())}, nil
	}

	if len(requiredScopes) > 0 && !tok.Scopes().HasAll(requiredScopes...) {
		return invalid("Insufficient permissions")
	}

	user, err := uow.Users().GetByID(ctx, tok.UserID())
	if errors.Is(err, ErrUserNotFound) {
		return invalid("User not found")
	}
	if err != nil {
		return VerificationResult{}, err
	}

	if err := uow.Tokens().UpdateLastUsed(ctx, tok.ID(), now); err != nil {
		return VerificationResult{}, err
	}
	used, err := tok.WithUpdates(ChangeLastUsedAt(now))
	if err != nil {
		return VerificationResult{}, err
	}

	return VerificationResult{Valid: true, User: user, Token: used, Claims: claims}, nil
}

// ===== Rotation =====

// RefreshAccessToken exchanges a valid refresh token for a new access/refresh
// pair. The old refresh token is revoked in the same transaction that mints
// the replacement, so each refresh token is usable exactly once. Presenting
// an already-rotated token is treated as replay: verification fails with
// ErrTokenRevoked and every remaining active token of that user is revoked.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshValue string, info RequestInfo) (TokenPair, error) {
	res, err := s.VerifyToken(ctx, refreshValue, TokenRefresh)
	if errors.Is(err, ErrTokenRevoked) {
		s.escalateReplay(ctx, res.Token)
		return TokenPair{}, ErrTokenRevoked
	}
	if err != nil {
		return TokenPair{}, err
	}
	if !res.Valid {
		return TokenPair{}, fmt.Errorf("%w: %s", ErrTokenInvalid, res.Reason)
	}

	old := res.Token
	now := s.now().UTC()
	const reason = "Refreshed with new token"

	var pair TokenPair
	err = withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		// Guarded revoke is the serialization point: of two concurrent
		// rotations of the same token only one passes, the other rolls
		// back its half-minted pair.
		if err := uow.Tokens().Revoke(ctx, old.ID(), now, reason); err != nil {
			return err
		}
		var err error
		pair, err = s.mintTokenPair(ctx, uow, res.User, info, old.ID())
		if err != nil {
			return err
		}
		rotated, err := old.WithUpdates(
			ChangeRevocation(now, reason),
			ChangeNextTokenID(pair.Refresh.ID()),
		)
		if err != nil {
			return err
		}
		return uow.Tokens().Update(ctx, rotated)
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotActive) {
			// Lost the rotation race; the other request owns the new pair.
			return TokenPair{}, ErrTokenRevoked
		}
		return TokenPair{}, err
	}
	obs.TokensRevoked(1)
	return pair, nil
}

// escalateReplay revokes every remaining session of the token's owner after
// a rotated refresh token was presented again.
func (s *TokenService) escalateReplay(ctx context.Context, replayed Token) {
	if replayed.UserID() == "" {
		return
	}
	n, err := s.RevokeUserTokens(ctx, replayed.UserID(), "Refresh token replay detected")
	if err != nil {
		obs.Error("replay escalation failed", err, map[string]any{"user_id": replayed.UserID()})
		return
	}
	obs.Warn("refresh token replay detected", map[string]any{
		"user_id":        replayed.UserID(),
		"token_id":       replayed.ID(),
		"tokens_revoked": n,
	})
}

// ===== Revocation =====

// RevokeToken revokes a single token addressed by value or id. It reports
// false, without error, when the token is absent or already inactive;
// revocation is idempotent from the caller's perspective.
func (s *TokenService) RevokeToken(ctx context.Context, identifier, reason string) (bool, error) {
	if reason == "" {
		reason = "User logged out"
	}
	revoked := false
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		tok, err := uow.Tokens().GetByValue(ctx, identifier)
		// Fall back to an id lookup only when the identifier can actually
		// be one of our ids; token values never parse as one.
		if errors.Is(err, ErrTokenNotFound) && ids.IsValid(identifier) {
			tok, err = uow.Tokens().GetByID(ctx, identifier)
		}
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if tok.Status() != StatusActive {
			return nil
		}
		if err := uow.Tokens().Revoke(ctx, tok.ID(), s.now().UTC(), reason); err != nil {
			if errors.Is(err, ErrTokenNotActive) {
				return nil
			}
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if revoked {
		obs.TokensRevoked(1)
	}
	return revoked, nil
}

// RevokeUserTokens revokes every currently active token of a user and
// returns the number revoked. Used for logout-everywhere and password-change
// invalidation.
func (s *TokenService) RevokeUserTokens(ctx context.Context, userID, reason string) (int, error) {
	if reason == "" {
		reason = "User initiated logout"
	}
	count := 0
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		tokens, err := uow.Tokens().ActiveTokensForUser(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, tok := range tokens {
			if err := uow.Tokens().Revoke(ctx, tok.ID(), now, reason); err != nil {
				if errors.Is(err, ErrTokenNotActive) {
					continue
				}
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	obs.TokensRevoked(count)
	return count, nil
}

// ===== Queries and maintenance =====

// GetTokenByValue fetches a persisted token by its string value.
func (s *TokenService) GetTokenByValue(ctx context.Context, value string) (Token, error) {
	var tok Token
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		tok, err = uow.Tokens().GetByValue(ctx, value)
		return err
	})
	return tok, err
}

// TokensForUser lists the user's currently active tokens.
func (s *TokenService) TokensForUser(ctx context.Context, userID string) ([]Token, error) {
	var tokens []Token
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		tokens, err = uow.Tokens().ActiveTokensForUser(ctx, userID)
		return err
	})
	return tokens, err
}

// DeleteExpiredTokens removes tokens whose expiry has passed. Run
// periodically by the janitor.
func (s *TokenService) DeleteExpiredTokens(ctx context.Context) (int, error) {
	count := 0
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		count, err = uow.Tokens().DeleteExpired(ctx, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		obs.Info("deleted expired tokens", map[string]any{"count": count})
	}
	return count, nil
}
