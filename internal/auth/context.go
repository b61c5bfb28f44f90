package auth

import "context"

type ctxKey int

const (
	ctxKeyUser ctxKey = iota
	ctxKeyToken
)

// ContextWithUser returns a context carrying the authenticated user.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(ctxKeyUser).(*User)
	return user, ok && user != nil
}

// UserIDFromContext returns the authenticated user's id, or "".
func UserIDFromContext(ctx context.Context) string {
	if user, ok := UserFromContext(ctx); ok {
		return user.ID
	}
	return ""
}

// ContextWithToken returns a context carrying the verified token.
func ContextWithToken(ctx context.Context, tok Token) context.Context {
	return context.WithValue(ctx, ctxKeyToken, tok)
}

// TokenFromContext returns the verified token, if any.
func TokenFromContext(ctx context.Context) (Token, bool) {
	tok, ok := ctx.Value(ctxKeyToken).(Token)
	return tok, ok
}
