package auth

import "errors"

// Credential errors. ErrInvalidCredentials is returned both for an unknown
// email and for a wrong password so callers cannot enumerate accounts.
var (
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrAccountDisabled    = errors.New("auth: account is disabled")
	ErrAccountNotVerified = errors.New("auth: account is not verified")
)

// ErrAuthentication wraps unexpected failures during authentication or token
// pair creation. The underlying cause is logged, never returned to callers.
var ErrAuthentication = errors.New("auth: authentication failed")

// Token errors.
var (
	ErrTokenIssue     = errors.New("auth: failed to issue token")
	ErrTokenInvalid   = errors.New("auth: invalid token")
	ErrTokenExpired   = errors.New("auth: token has expired")
	ErrTokenRevoked   = errors.New("auth: token has been revoked")
	ErrTokenNotFound  = errors.New("auth: token not found")
	ErrTokenNotActive = errors.New("auth: token is not active")
	ErrTokenType      = errors.New("auth: unexpected token type")
)

// User errors.
var (
	ErrUserNotFound  = errors.New("auth: user not found")
	ErrEmailTaken    = errors.New("auth: email is already registered")
	ErrUsernameTaken = errors.New("auth: username is already taken")
	ErrWeakPassword  = errors.New("auth: password does not meet strength requirements")
)

// Domain invariant errors.
var (
	ErrImmutableField     = errors.New("auth: cannot modify immutable token field")
	ErrUnitOfWorkClosed   = errors.New("auth: unit of work is closed")
	ErrUnitOfWorkFinished = errors.New("auth: unit of work already finished")
)
