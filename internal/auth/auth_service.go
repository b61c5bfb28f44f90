package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/St1453/algofinstatix/internal/obs"
)

// AuthService is the orchestration layer over users, passwords and tokens.
// It owns credential checks and account lifecycle; all token mechanics are
// delegated to TokenService.
type AuthService struct {
	uow      UnitOfWorkFactory
	tokens   *TokenService
	password PasswordService
	now      func() time.Time
}

// AuthServiceOption configures AuthService behavior.
type AuthServiceOption func(*AuthService)

// WithAuthClock overrides the time source, for tests.
func WithAuthClock(fn func() time.Time) AuthServiceOption {
	return func(s *AuthService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewAuthService(factory UnitOfWorkFactory, tokens *TokenService, password PasswordService, opts ...AuthServiceOption) (*AuthService, error) {
	if factory == nil {
		return nil, errors.New("auth: unit of work factory is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	if password == nil {
		return nil, errors.New("auth: password service is required")
	}
	s := &AuthService{
		uow:      factory,
		tokens:   tokens,
		password: password,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AuthenticateUser checks credentials and, on success, mints a token pair in
// the same transaction as the user lookup. The error distinguishes wrong
// credentials, a disabled account, and an unverified account; anything
// unexpected is wrapped in ErrAuthentication.
func (s *AuthService) AuthenticateUser(ctx context.Context, email, password string, info RequestInfo) (*User, TokenPair, error) {
	email = NormalizeEmail(email)
	var (
		user *User
		pair TokenPair
	)
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		user, err = uow.Users().GetByEmail(ctx, email)
		if errors.Is(err, ErrUserNotFound) {
			// Burn a hash comparison anyway so the timing of the response
			// does not reveal whether the address is registered.
			_ = s.password.VerifyPassword(password, dummyBcryptHash)
			return ErrInvalidCredentials
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		if user.IsDeleted() {
			return ErrInvalidCredentials
		}
		// Disabled wins over a wrong password: the account owner should
		// learn the account is locked, not chase their credentials.
		if !user.Status.IsEnabled {
			return ErrAccountDisabled
		}
		if !s.password.VerifyPassword(password, user.HashedPassword) {
			return ErrInvalidCredentials
		}
		if !user.Status.IsVerified {
			return ErrAccountNotVerified
		}
		pair, err = s.tokens.mintTokenPair(ctx, uow, user, info, "")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			obs.LoginAttempt("invalid_credentials")
		case errors.Is(err, ErrAccountDisabled):
			obs.LoginAttempt("disabled")
		case errors.Is(err, ErrAccountNotVerified):
			obs.LoginAttempt("not_verified")
		default:
			obs.LoginAttempt("error")
		}
		return nil, TokenPair{}, err
	}
	obs.LoginAttempt("ok")
	obs.Info("user authenticated", map[string]any{"user_id": user.ID})
	return user, pair, nil
}

// dummyBcryptHash is a hash of a random string, used only to equalize the
// work done on unknown-email login attempts.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// CreateTokenPair mints a fresh pair for an already-authenticated user.
func (s *AuthService) CreateTokenPair(ctx context.Context, user *User, info RequestInfo) (TokenPair, error) {
	return s.tokens.CreateTokenPair(ctx, user, info)
}

// RefreshTokenPair rotates a refresh token into a new pair.
func (s *AuthService) RefreshTokenPair(ctx context.Context, refreshValue string, info RequestInfo) (TokenPair, error) {
	return s.tokens.RefreshAccessToken(ctx, refreshValue, info)
}

// RevokeToken is a best-effort single-token revocation. Failures are logged
// and reported as false rather than surfaced, so logout never fails.
func (s *AuthService) RevokeToken(ctx context.Context, identifier, reason string) bool {
	ok, err := s.tokens.RevokeToken(ctx, identifier, reason)
	if err != nil {
		obs.Error("token revocation failed", err, nil)
		return false
	}
	return ok
}

// RevokeAllTokens is a best-effort logout-everywhere. Returns the number of
// tokens revoked; failures are logged and reported as zero.
func (s *AuthService) RevokeAllTokens(ctx context.Context, userID, reason string) int {
	n, err := s.tokens.RevokeUserTokens(ctx, userID, reason)
	if err != nil {
		obs.Error("bulk token revocation failed", err, map[string]any{"user_id": userID})
		return 0
	}
	return n
}

// RegisterParams carries the fields accepted at signup.
type RegisterParams struct {
	Email     string
	Username  string
	Password  string
	FirstName string
	LastName  string
}

// RegisterUser creates a new, unverified account and mints its email
// verification token. The returned string is the token value to deliver to
// the user out of band.
func (s *AuthService) RegisterUser(ctx context.Context, p RegisterParams, info RequestInfo) (*User, string, error) {
	email := NormalizeEmail(p.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", errors.New("auth: a valid email address is required")
	}
	if err := s.password.ValidatePasswordStrength(p.Password); err != nil {
		return nil, "", err
	}
	hashed, err := s.password.HashPassword(p.Password)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash password: %w", err)
	}

	var user *User
	err = withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		if _, err := uow.Users().GetByEmail(ctx, email); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		if p.Username != "" {
			if _, err := uow.Users().GetByUsername(ctx, p.Username); err == nil {
				return ErrUsernameTaken
			} else if !errors.Is(err, ErrUserNotFound) {
				return err
			}
		}
		now := s.now().UTC()
		user = &User{
			Email:          email,
			Username:       p.Username,
			FirstName:      p.FirstName,
			LastName:       p.LastName,
			HashedPassword: hashed,
			Status:         UserStatus{IsEnabled: true, IsVerified: false},
			Roles:          []string{"user"},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return uow.Users().Create(ctx, user)
	})
	if err != nil {
		return nil, "", err
	}

	value, _, err := s.tokens.CreateEmailVerificationToken(ctx, user, info)
	if err != nil {
		return nil, "", err
	}
	obs.Info("user registered", map[string]any{"user_id": user.ID})
	return user, value, nil
}

// VerifyEmail consumes an email verification token and marks the account
// verified. The token is single-use: it is marked used in the same
// transaction as the account update.
func (s *AuthService) VerifyEmail(ctx context.Context, tokenValue string) (*User, error) {
	res, err := s.tokens.VerifyToken(ctx, tokenValue, TokenEmailVerification, ScopeVerifyEmail)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, res.Reason)
	}

	err = withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		if err := uow.Users().MarkVerified(ctx, res.User.ID); err != nil {
			return err
		}
		used, err := res.Token.WithUpdates(ChangeStatus(StatusUsed))
		if err != nil {
			return err
		}
		return uow.Tokens().Update(ctx, used)
	})
	if err != nil {
		return nil, err
	}
	res.User.Status.IsVerified = true
	obs.Info("email verified", map[string]any{"user_id": res.User.ID})
	return res.User, nil
}

// RequestPasswordReset issues a reset token for the given email. It returns
// an empty value, without error, when the address is unknown so the endpoint
// cannot be used to probe for accounts.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string, info RequestInfo) (string, error) {
	email = NormalizeEmail(email)
	var user *User
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		user, err = uow.Users().GetByEmail(ctx, email)
		if errors.Is(err, ErrUserNotFound) {
			user = nil
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if user == nil || user.IsDeleted() {
		return "", nil
	}
	value, _, err := s.tokens.CreatePasswordResetToken(ctx, user, info)
	if err != nil {
		return "", err
	}
	obs.Info("password reset requested", map[string]any{"user_id": user.ID})
	return value, nil
}

// ResetPassword consumes a reset token, replaces the password, and revokes
// every outstanding token of the account so stolen sessions die with the
// old password.
func (s *AuthService) ResetPassword(ctx context.Context, tokenValue, newPassword string) error {
	if err := s.password.ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	res, err := s.tokens.VerifyToken(ctx, tokenValue, TokenPasswordReset, ScopeResetPassword)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrTokenInvalid, res.Reason)
	}
	hashed, err := s.password.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	err = withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		if err := uow.Users().UpdatePassword(ctx, res.User.ID, hashed); err != nil {
			return err
		}
		used, err := res.Token.WithUpdates(ChangeStatus(StatusUsed))
		if err != nil {
			return err
		}
		return uow.Tokens().Update(ctx, used)
	})
	if err != nil {
		return err
	}

	s.RevokeAllTokens(ctx, res.User.ID, "Password was reset")
	obs.Info("password reset completed", map[string]any{"user_id": res.User.ID})
	return nil
}

// GetUserByID resolves a user for request handling.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user *User
	err := withUnitOfWork(ctx, s.uow, func(uow UnitOfWork) error {
		var err error
		user, err = uow.Users().GetByID(ctx, id)
		return err
	})
	return user, err
}
