package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/St1453/algofinstatix/internal/audit"
	"github.com/St1453/algofinstatix/internal/auth"
	"github.com/St1453/algofinstatix/internal/obs"
)

type fakeBackend struct {
	user    *auth.User
	pair    auth.TokenPair
	authErr error

	registeredEmail string
	revokedAll      int
	resetErr        error
}

func (f *fakeBackend) AuthenticateUser(ctx context.Context, email, password string, info auth.RequestInfo) (*auth.User, auth.TokenPair, error) {
	if f.authErr != nil {
		return nil, auth.TokenPair{}, f.authErr
	}
	return f.user, f.pair, nil
}

func (f *fakeBackend) RegisterUser(ctx context.Context, p auth.RegisterParams, info auth.RequestInfo) (*auth.User, string, error) {
	if f.authErr != nil {
		return nil, "", f.authErr
	}
	f.registeredEmail = p.Email
	return f.user, "verification-token", nil
}

func (f *fakeBackend) RefreshTokenPair(ctx context.Context, refreshValue string, info auth.RequestInfo) (auth.TokenPair, error) {
	if f.authErr != nil {
		return auth.TokenPair{}, f.authErr
	}
	return f.pair, nil
}

func (f *fakeBackend) RevokeToken(ctx context.Context, identifier, reason string) bool {
	return true
}

func (f *fakeBackend) RevokeAllTokens(ctx context.Context, userID, reason string) int {
	f.revokedAll++
	return 2
}

func (f *fakeBackend) VerifyEmail(ctx context.Context, tokenValue string) (*auth.User, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.user, nil
}

func (f *fakeBackend) RequestPasswordReset(ctx context.Context, email string, info auth.RequestInfo) (string, error) {
	return "reset-token", nil
}

func (f *fakeBackend) ResetPassword(ctx context.Context, tokenValue, newPassword string) error {
	return f.resetErr
}

func (f *fakeBackend) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	return f.user, nil
}

type fakeVerifier struct {
	result auth.VerificationResult
	err    error
	tokens []auth.Token
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, value string, expectType auth.TokenType, requiredScopes ...string) (auth.VerificationResult, error) {
	return f.result, f.err
}

func (f *fakeVerifier) TokensForUser(ctx context.Context, userID string) ([]auth.Token, error) {
	return f.tokens, nil
}

func testUser() *auth.User {
	return &auth.User{
		ID:       "user-1",
		Email:    "alice@example.com",
		Username: "alice",
		Roles:    []string{"user"},
		Status:   auth.UserStatus{IsEnabled: true, IsVerified: true},
	}
}

func testPair(t *testing.T) auth.TokenPair {
	t.Helper()
	refresh, err := auth.NewRefreshToken("refresh-value", "user-1", time.Hour, auth.TokenParams{})
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	access, err := auth.NewAccessToken("header.payload.sig", "user-1", time.Hour, auth.Scopes{}, auth.TokenParams{})
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	return auth.TokenPair{
		AccessToken:  "header.payload.sig",
		RefreshToken: "refresh-value",
		Access:       access,
		Refresh:      refresh,
	}
}

func newTestAPI(t *testing.T, backend *fakeBackend, verifier *fakeVerifier) http.Handler {
	t.Helper()
	api := New(ReadyProbe{}, "test", backend, verifier, RateLimitConfig{})
	return api.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestAPI(t, &fakeBackend{}, &fakeVerifier{})
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestRegister(t *testing.T) {
	backend := &fakeBackend{user: testUser()}
	h := newTestAPI(t, backend, &fakeVerifier{})

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/register",
		`{"email":"alice@example.com","password":"Password1","username":"alice"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		User              map[string]any `json:"user"`
		VerificationToken string         `json:"verification_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.VerificationToken != "verification-token" {
		t.Fatalf("unexpected verification token: %q", body.VerificationToken)
	}
	if body.User["id"] != "user-1" {
		t.Fatalf("unexpected user: %v", body.User)
	}

	// Missing fields.
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/register", `{"email":"x@example.com"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}

	// Wrong method.
	rec = doJSON(t, h, http.MethodGet, "/v1/auth/register", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("Allow header: %q", got)
	}
}

func TestRegisterConflict(t *testing.T) {
	backend := &fakeBackend{authErr: auth.ErrEmailTaken}
	h := newTestAPI(t, backend, &fakeVerifier{})

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/register",
		`{"email":"alice@example.com","password":"Password1"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	backend := &fakeBackend{user: testUser(), pair: testPair(t)}
	h := newTestAPI(t, backend, &fakeVerifier{})

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		`{"email":"alice@example.com","password":"Password1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Tokens tokenPairResponse `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tokens.AccessToken != "header.payload.sig" || body.Tokens.TokenType != "bearer" {
		t.Fatalf("unexpected tokens: %+v", body.Tokens)
	}
}

func TestLoginFailureMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrAccountDisabled, http.StatusForbidden},
		{auth.ErrAccountNotVerified, http.StatusForbidden},
	}
	for _, tc := range cases {
		h := newTestAPI(t, &fakeBackend{authErr: tc.err}, &fakeVerifier{})
		rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
			`{"email":"alice@example.com","password":"x"}`, nil)
		if rec.Code != tc.code {
			t.Fatalf("%v: want %d got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestRefresh(t *testing.T) {
	backend := &fakeBackend{pair: testPair(t)}
	h := newTestAPI(t, backend, &fakeVerifier{})

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"refresh-value"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/refresh", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestRefreshReplayMapsToUnauthorized(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	backend := &fakeBackend{authErr: auth.ErrTokenRevoked}
	h := newTestAPI(t, backend, &fakeVerifier{})

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"stolen"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
	// The replay lands in the audit trail, not just the response.
	if !strings.Contains(buf.String(), audit.EventTokenReplayDetected) {
		t.Fatalf("replay audit event missing from log: %s", buf.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newTestAPI(t, &fakeBackend{}, &fakeVerifier{})

	for _, path := range []string{"/v1/users/me", "/v1/auth/sessions", "/v1/auth/logout_all"} {
		method := http.MethodGet
		if strings.Contains(path, "logout") {
			method = http.MethodPost
		}
		rec := doJSON(t, h, method, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: want 401 got %d", path, rec.Code)
		}
	}
}

func TestMeWithValidToken(t *testing.T) {
	pair := testPair(t)
	verifier := &fakeVerifier{
		result: auth.VerificationResult{Valid: true, User: testUser(), Token: pair.Access},
	}
	h := newTestAPI(t, &fakeBackend{}, verifier)

	rec := doJSON(t, h, http.MethodGet, "/v1/users/me", "",
		map[string]string{"Authorization": "Bearer header.payload.sig"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	var body userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID != "user-1" || !body.IsVerified {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestLogoutAll(t *testing.T) {
	backend := &fakeBackend{}
	verifier := &fakeVerifier{
		result: auth.VerificationResult{Valid: true, User: testUser()},
	}
	h := newTestAPI(t, backend, verifier)

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/logout_all", "",
		map[string]string{"Authorization": "Bearer header.payload.sig"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if backend.revokedAll != 1 {
		t.Fatalf("RevokeAllTokens calls: %d", backend.revokedAll)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["tokens_revoked"] != float64(2) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSessions(t *testing.T) {
	pair := testPair(t)
	verifier := &fakeVerifier{
		result: auth.VerificationResult{Valid: true, User: testUser()},
		tokens: []auth.Token{pair.Refresh, pair.Access},
	}
	h := newTestAPI(t, &fakeBackend{}, verifier)

	rec := doJSON(t, h, http.MethodGet, "/v1/auth/sessions", "",
		map[string]string{"Authorization": "Bearer header.payload.sig"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("sessions: %d", len(body.Sessions))
	}
}

func TestPasswordResetEndpoints(t *testing.T) {
	backend := &fakeBackend{}
	h := newTestAPI(t, backend, &fakeVerifier{})

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/password-reset/request",
		`{"email":"alice@example.com"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/password-reset/confirm",
		`{"token":"reset-token","new_password":"NewPassword1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	backend.resetErr = auth.ErrTokenInvalid
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/password-reset/confirm",
		`{"token":"bad","new_password":"NewPassword1"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	h := newTestAPI(t, &fakeBackend{user: testUser()}, &fakeVerifier{})
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		`{"email":"a@b.c","password":"x","extra":true}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}
