package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"account-backend/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	tokens  *TokenService
}

func NewHandler(service *Service, tokens *TokenService) *Handler {
	return &Handler{service: service, tokens: tokens}
}

// Mount registers every account route on mux.
func (h *Handler) Mount(mux *http.ServeMux, loginLimiter *LoginRateLimiter) {
	authed := func(fn http.HandlerFunc) http.Handler {
		return Middleware(h.tokens, fn)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return Middleware(h.tokens, RequireRole(h.service, RoleAdmin, fn))
	}

	mux.HandleFunc("POST /auth/register", h.Register)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.Handle("GET /auth/me", authed(h.Me))
	mux.Handle("PUT /auth/me", authed(h.UpdateMe))
	mux.Handle("DELETE /auth/me", authed(h.DeleteMe))

	mux.Handle("GET /admin/users", admin(h.SearchUsers))
	mux.Handle("GET /admin/users/{username}", admin(h.GetUser))
	mux.Handle("PUT /admin/users/{username}/role", admin(h.UpdateRole))
	mux.Handle("POST /admin/users/{username}/lock", admin(h.LockUser))
	mux.Handle("POST /admin/users/{username}/unlock", admin(h.UnlockUser))
	mux.Handle("DELETE /admin/users/{username}", admin(h.DeleteUser))
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body credentialsRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}

	account, err := h.service.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		writeServiceError(w, err, "register")
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body credentialsRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		writeServiceError(w, err, "login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken))
	if err != nil {
		writeServiceError(w, err, "refresh")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())

	account, err := h.service.GetAccount(r.Context(), subject)
	if err != nil {
		writeServiceError(w, err, "current_user")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())

	var body credentialsRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(strings.ToLower(body.Username))
	if body.Username != "" && !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}

	account, err := h.service.UpdateProfile(r.Context(), subject, body.Username, body.Password)
	if err != nil {
		writeServiceError(w, err, "update_profile")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())

	if err := h.service.DeleteAccount(r.Context(), subject); err != nil {
		writeServiceError(w, err, "delete_account")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	query := r.URL.Query()

	accounts, err := h.service.SearchAccounts(r.Context(), subject, query.Get("q"), query.Get("role"))
	if err != nil {
		writeServiceError(w, err, "search_accounts")
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), r.PathValue("username"))
	if err != nil {
		writeServiceError(w, err, "get_account")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var body roleRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	username := r.PathValue("username")
	if err := h.service.UpdateRole(r.Context(), username, body.Role); err != nil {
		writeServiceError(w, err, "update_role")
		return
	}

	account, err := h.service.GetAccount(r.Context(), username)
	if err != nil {
		writeServiceError(w, err, "update_role")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) LockUser(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.LockAccount(r.Context(), r.PathValue("username"))
	if err != nil {
		writeServiceError(w, err, "lock_account")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.UnlockAccount(r.Context(), r.PathValue("username"))
	if err != nil {
		writeServiceError(w, err, "unlock_account")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// DeleteUser refuses ADMIN targets; an admin can still delete itself through
// DELETE /auth/me.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	account, err := h.service.GetAccount(r.Context(), username)
	if err != nil {
		writeServiceError(w, err, "delete_account")
		return
	}
	if account.Role == RoleAdmin {
		writeError(w, http.StatusForbidden, "cannot delete admin users")
		return
	}

	if err := h.service.DeleteAccount(r.Context(), username); err != nil {
		writeServiceError(w, err, "delete_account")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeServiceError(w http.ResponseWriter, err error, operation string) {
	var weak WeakPasswordError
	var locked LockedError

	switch {
	case errors.As(err, &weak):
		writeError(w, http.StatusBadRequest, weak.Reason)
	case errors.As(err, &locked):
		if locked.Until == nil {
			writeError(w, http.StatusForbidden, "account locked")
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(locked.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, "account temporarily locked")
	case errors.Is(err, ErrDuplicateUsername):
		writeError(w, http.StatusConflict, "username already exists")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, ErrInvalidRole):
		writeError(w, http.StatusBadRequest, ErrInvalidRole.Error())
	case errors.Is(err, ErrInvalidUsername):
		writeError(w, http.StatusBadRequest, "username format is invalid")
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
	default:
		observability.ReportError(err, operation)
		writeError(w, http.StatusInternalServerError, "failed to "+strings.ReplaceAll(operation, "_", " "))
	}
}

// retryAfterSeconds rounds up so clients never retry before the deadline.
func retryAfterSeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
