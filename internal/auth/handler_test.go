package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-backend/internal/ratelimit"
)

type handlerFixture struct {
	*serviceFixture
	mux *http.ServeMux
}

func newHandlerFixture(t *testing.T, ipLimit int) *handlerFixture {
	t.Helper()

	f := newServiceFixture(t)
	ipLimiter := ratelimit.NewMemoryLimiter().WithClock(f.clock.Now)

	mux := http.NewServeMux()
	NewHandler(f.service, f.tokens).Mount(mux, NewLoginRateLimiter(ipLimiter, ipLimit, time.Minute))
	return &handlerFixture{serviceFixture: f, mux: mux}
}

func (f *handlerFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) login(t *testing.T, username string) string {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/auth/login", "", `{"username":"`+username+`","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tokens Tokens
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tokens))
	return tokens.AccessToken
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&body))
	return body["error"]
}

func TestHandlerRegister(t *testing.T) {
	f := newHandlerFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/auth/register", "", `{"username":"Alice","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created PublicAccount
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "alice", created.Username)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = f.do(t, http.MethodPost, "/auth/register", "", `{"username":"alice","password":"`+testPassword+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/register", "", `{"username":"bob","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "password must be at least 8 characters long", errorMessage(t, rec))

	rec = f.do(t, http.MethodPost, "/auth/register", "", `{"username":"b!","password":"`+testPassword+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/register", "", `{"username":"bob","password":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerLoginLockout(t *testing.T) {
	f := newHandlerFixture(t, 100)
	f.register(t, "alice")

	wrong := `{"username":"alice","password":"Wrong#Pass1"}`
	for i := 0; i < 4; i++ {
		rec := f.do(t, http.MethodPost, "/auth/login", "", wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/auth/login", "", wrong)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"))

	f.clock.Advance(10 * time.Minute)
	rec = f.do(t, http.MethodPost, "/auth/login", "", `{"username":"alice","password":"`+testPassword+`"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1200", rec.Header().Get("Retry-After"), "deadline is read from the service clock")

	f.clock.Advance(DefaultLockoutDuration - 10*time.Minute)
	token := f.login(t, "alice")

	rec = f.do(t, http.MethodGet, "/auth/me", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me PublicAccount
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	assert.Equal(t, "alice", me.Username)
	assert.Zero(t, me.FailedAttempts)
}

func TestHandlerLoginIPRateLimit(t *testing.T) {
	f := newHandlerFixture(t, 2)

	body := `{"username":"ghost","password":"Wrong#Pass1"}`
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/auth/login", "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	f.clock.Advance(20 * time.Second)
	rec = f.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"), "only the rest of the window is advertised")

	f.clock.Advance(40 * time.Second)
	rec = f.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimiterForwardedFor(t *testing.T) {
	newLimiter := func(trust bool) http.Handler {
		limiter := NewLoginRateLimiter(ratelimit.NewMemoryLimiter(), 1, time.Minute).WithTrustedProxy(trust)
		return limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
	}
	send := func(handler http.Handler, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	direct := newLimiter(false)
	assert.Equal(t, http.StatusNoContent, send(direct, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send(direct, "203.0.113.2"), "rotating the header does not reset the budget")

	proxied := newLimiter(true)
	assert.Equal(t, http.StatusNoContent, send(proxied, "203.0.113.1"))
	assert.Equal(t, http.StatusNoContent, send(proxied, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, send(proxied, "203.0.113.1"))
}

func TestHandlerRefresh(t *testing.T) {
	f := newHandlerFixture(t, 100)
	f.register(t, "alice")

	pair, err := f.service.Login(context.Background(), "alice", testPassword)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+pair.RefreshToken+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"`+pair.AccessToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerMeRequiresToken(t *testing.T) {
	f := newHandlerFixture(t, 100)

	rec := f.do(t, http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing authorization token", errorMessage(t, rec))

	rec = f.do(t, http.MethodGet, "/auth/me", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid or expired token", errorMessage(t, rec))
}

func TestHandlerUpdateAndDeleteMe(t *testing.T) {
	f := newHandlerFixture(t, 100)
	f.register(t, "alice")
	f.register(t, "bob")
	token := f.login(t, "alice")

	rec := f.do(t, http.MethodPut, "/auth/me", token, `{"username":"bob"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/auth/me", token, `{"username":"alice","password":"N3w#Horse!Pass"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/auth/me", token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/me", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerAdminRoutes(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 100)
	f.register(t, "alice")
	f.register(t, "bob")
	require.NoError(t, f.service.EnsureAdmin(ctx, "root", testPassword))

	userToken := f.login(t, "alice")
	rec := f.do(t, http.MethodGet, "/admin/users", userToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := f.login(t, "root")

	rec = f.do(t, http.MethodGet, "/admin/users?q=B", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var found []PublicAccount
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&found))
	require.Len(t, found, 1)
	assert.Equal(t, "bob", found[0].Username)

	rec = f.do(t, http.MethodGet, "/admin/users?role=OWNER", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/users/ghost", adminToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/users/bob/role", adminToken, `{"role":"OWNER"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/admin/users/bob/role", adminToken, `{"role":"ADMIN"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleAdmin, f.account(t, "bob").Role)

	rec = f.do(t, http.MethodPost, "/admin/users/alice/lock", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/login", "", `{"username":"alice","password":"`+testPassword+`"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodPost, "/admin/users/alice/unlock", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	f.login(t, "alice")

	rec = f.do(t, http.MethodDelete, "/admin/users/bob", adminToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "admins cannot be deleted through the admin surface")

	rec = f.do(t, http.MethodDelete, "/admin/users/alice", adminToken, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/admin/users/alice", adminToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(-time.Minute))
	assert.Equal(t, 1, retryAfterSeconds(time.Millisecond))
	assert.Equal(t, 30, retryAfterSeconds(30*time.Second))
	assert.Equal(t, 31, retryAfterSeconds(30*time.Second+time.Nanosecond))
}

func TestWriteServiceErrorHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, assert.AnError, "login")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to login", errorMessage(t, rec))
}
