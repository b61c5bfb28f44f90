package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/St1453/algofinstatix/internal/audit"
	"github.com/St1453/algofinstatix/internal/auth"
)

type registerRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type passwordResetConfirm struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type userResponse struct {
	ID         string   `json:"id"`
	Email      string   `json:"email"`
	Username   string   `json:"username,omitempty"`
	FirstName  string   `json:"first_name,omitempty"`
	LastName   string   `json:"last_name,omitempty"`
	Roles      []string `json:"roles"`
	IsEnabled  bool     `json:"is_enabled"`
	IsVerified bool     `json:"is_verified"`
}

type sessionResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

func pairResponse(pair auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "bearer",
		AccessExpiresAt:  pair.Access.ExpiresAt(),
		RefreshExpiresAt: pair.Refresh.ExpiresAt(),
	}
}

func toUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Roles:      u.Roles,
		IsEnabled:  u.Status.IsEnabled,
		IsVerified: u.Status.IsVerified,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	user, verification, err := a.authSvc.RegisterUser(r.Context(), auth.RegisterParams{
		Email:     req.Email,
		Username:  strings.TrimSpace(req.Username),
		Password:  req.Password,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	}, requestInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventUserRegistered, map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
	})

	// The verification token is returned in the response until an email
	// delivery channel exists.
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":               toUserResponse(user),
		"verification_token": verification,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	user, pair, err := a.authSvc.AuthenticateUser(r.Context(), req.Email, req.Password, requestInfo(r))
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventUserLoginFailed, map[string]any{
			"email": auth.NormalizeEmail(req.Email),
		})
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventUserLogin, map[string]any{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   toUserResponse(user),
		"tokens": pairResponse(pair),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.authSvc.RefreshTokenPair(r.Context(), req.RefreshToken, requestInfo(r))
	if err != nil {
		// A revoked refresh token presented here is a replay; the service
		// has already escalated, this records the event for the audit trail.
		if errors.Is(err, auth.ErrTokenRevoked) {
			_ = audit.LogEvent(r.Context(), audit.EventTokenReplayDetected, map[string]any{
				"remote_ip": requestInfo(r).IPAddress,
			})
		}
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventTokenRefreshed, map[string]any{
		"user_id": pair.Refresh.UserID(),
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	// Revoke the refresh token if the client sent one, and always the
	// presented access token.
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err == nil && req.RefreshToken != "" {
		a.authSvc.RevokeToken(r.Context(), req.RefreshToken, "User logged out")
	}
	if tok, ok := auth.TokenFromContext(r.Context()); ok {
		a.authSvc.RevokeToken(r.Context(), tok.ID(), "User logged out")
	}

	_ = audit.LogEvent(r.Context(), audit.EventUserLogout, map[string]any{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	n := a.authSvc.RevokeAllTokens(r.Context(), user.ID, "User initiated logout")
	_ = audit.LogEvent(r.Context(), audit.EventUserLogoutAll, map[string]any{
		"user_id":        user.ID,
		"tokens_revoked": n,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "logged_out",
		"tokens_revoked": n,
	})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	user, err := a.authSvc.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventEmailVerified, map[string]any{
		"user_id": user.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "verified",
		"user":   toUserResponse(user),
	})
}

func (a *API) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	token, err := a.authSvc.RequestPasswordReset(r.Context(), req.Email, requestInfo(r))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventPasswordResetRequest, map[string]any{
		"email": auth.NormalizeEmail(req.Email),
	})

	// Same response whether or not the address exists.
	resp := map[string]any{"status": "accepted"}
	if token != "" {
		// Returned until an email delivery channel exists.
		resp["reset_token"] = token
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passwordResetConfirm
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "token and new_password are required")
		return
	}

	if err := a.authSvc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventPasswordResetDone, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	tokens, err := a.tokens.TokensForUser(r.Context(), user.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	sessions := make([]sessionResponse, 0, len(tokens))
	for _, tok := range tokens {
		s := sessionResponse{
			ID:        tok.ID(),
			Type:      string(tok.Type()),
			CreatedAt: tok.CreatedAt(),
			ExpiresAt: tok.ExpiresAt(),
			UserAgent: tok.UserAgent(),
			IPAddress: tok.IPAddress(),
		}
		if at, ok := tok.LastUsedAt(); ok {
			s.LastUsedAt = at
		}
		sessions = append(sessions, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}
