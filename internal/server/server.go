package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore"
	authmw "github.com/MrEthical07/authcore/middleware"
	"github.com/MrEthical07/authcore/role"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 16

// HealthCheck backs /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps is everything the router needs.
type Deps struct {
	Engine  *authcore.Engine
	Logger  *slog.Logger
	Metrics http.Handler
	Health  []HealthCheck
}

type handlers struct {
	engine *authcore.Engine
	logger *slog.Logger
	health []HealthCheck
}

// NewRouter exposes every Engine operation over JSON.
func NewRouter(d Deps) http.Handler {
	h := &handlers{engine: d.Engine, logger: d.Logger, health: d.Health}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(authmw.ClientInfo)

	r.Get("/healthz", h.healthz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/login/2fa", h.verifyTwoFactor)
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)
	})

	r.Route("/me", func(r chi.Router) {
		r.Use(authmw.Guard(d.Engine, role.User))

		r.Get("/sessions", h.listOwnSessions)
		r.Delete("/sessions/{sessionID}", h.revokeOwnSession)
		r.Post("/sessions/revoke-others", h.revokeOtherSessions)
		r.Post("/password", h.changePassword)

		r.Post("/2fa/email/enable", h.enableTwoFactor)
		r.Post("/2fa/email/disable", h.disableTwoFactor)
		r.Post("/2fa/email/test", h.sendTestCode)
		r.Post("/2fa/email/test/verify", h.verifyTestCode)

		r.Post("/totp/enroll", h.enrollTOTP)
		r.Post("/totp/confirm", h.confirmTOTP)
		r.Post("/totp/disable", h.disableTOTP)
	})

	owner := authmw.RequireOwner(d.Engine, func(r *http.Request) string {
		return chi.URLParam(r, "accountID")
	})
	r.With(owner).Get("/accounts/{accountID}/sessions", h.listAccountSessions)
	r.With(owner).Post("/accounts/{accountID}/sessions/revoke-all", h.revokeAccountSessions)

	r.Route("/admin", func(r chi.Router) {
		r.Use(authmw.Guard(d.Engine, role.Admin))
		r.Put("/accounts/{accountID}/role", h.changeRole)
		r.Delete("/tokens/{tokenID}", h.revokeToken)
	})

	return r
}

func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

/*
====================================
AUTH
====================================
*/

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type tokensResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	SessionID        string    `json:"session_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	State        authcore.LoginState      `json:"state"`
	UserID       string                   `json:"user_id,omitempty"`
	Tokens       *tokensResponse          `json:"tokens,omitempty"`
	ChallengeRef string                   `json:"challenge_ref,omitempty"`
	Method       authcore.TwoFactorMethod `json:"method,omitempty"`
}

func newTokensResponse(t *authcore.Tokens) *tokensResponse {
	if t == nil {
		return nil
	}
	return &tokensResponse{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		SessionID:        t.SessionID,
		AccessExpiresAt:  t.AccessExpiresAt,
		RefreshExpiresAt: t.RefreshExpiresAt,
	}
}

// newLoginResponse names the account only once tokens are issued.
func newLoginResponse(res *authcore.LoginResult) loginResponse {
	out := loginResponse{
		State:        res.State,
		Tokens:       newTokensResponse(res.Tokens),
		ChallengeRef: res.ChallengeRef,
		Method:       res.Method,
	}
	if res.State == authcore.LoginStateTokensIssued {
		out.UserID = res.UserID
	}
	return out
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoginResponse(res))
}

type codeRequest struct {
	ChallengeRef string `json:"challenge_ref"`
	Code         string `json:"code"`
	Password     string `json:"password"`
}

func (h *handlers) verifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.VerifyTwoFactor(r.Context(), req.ChallengeRef, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoginResponse(res))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	tokens, err := h.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokensResponse(tokens))
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
SELF SERVICE
====================================
*/

func caller(r *http.Request) *authcore.AuthResult {
	res, _ := authmw.AuthResultFromContext(r.Context())
	return res
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	DeviceTag string    `json:"device_tag,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

func (h *handlers) writeSessions(w http.ResponseWriter, r *http.Request, accountID string) {
	sessions, err := h.engine.ListSessions(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *handlers) listOwnSessions(w http.ResponseWriter, r *http.Request) {
	h.writeSessions(w, r, caller(r).UserID)
}

func (h *handlers) revokeOwnSession(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RevokeSession(r.Context(), caller(r).UserID, chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) revokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	n, err := h.engine.RevokeAllSessions(r.Context(), c.UserID, c.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.ChangePassword(r.Context(), caller(r).UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) enableTwoFactor(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.EnableTwoFactor(r.Context(), caller(r).UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.DisableTwoFactor(r.Context(), caller(r).UserID, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sendTestCode(w http.ResponseWriter, r *http.Request) {
	ref, err := h.engine.SendTestTwoFactorCode(r.Context(), caller(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"challenge_ref": ref})
}

func (h *handlers) verifyTestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.VerifyTestTwoFactorCode(r.Context(), caller(r).UserID, req.ChallengeRef, req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) enrollTOTP(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.engine.EnrollTOTP(r.Context(), caller(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           enrollment.Secret,
		"provisioning_uri": enrollment.ProvisioningURI,
		"expires_at":       enrollment.ExpiresAt,
	})
}

func (h *handlers) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.ConfirmTOTP(r.Context(), caller(r).UserID, req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) disableTOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.DisableTOTP(r.Context(), caller(r).UserID, req.Password, req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
OWNER AND ADMIN
====================================
*/

func (h *handlers) listAccountSessions(w http.ResponseWriter, r *http.Request) {
	h.writeSessions(w, r, chi.URLParam(r, "accountID"))
}

func (h *handlers) revokeAccountSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RevokeAllSessions(r.Context(), chi.URLParam(r, "accountID"), "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *handlers) changeRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	newRole, err := role.Parse(req.Role)
	if err != nil {
		h.writeError(w, r, authcore.ErrInvalidRole)
		return
	}
	if err := h.engine.ChangeRole(r.Context(), caller(r), chi.URLParam(r, "accountID"), newRole); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RevokeToken(r.Context(), chi.URLParam(r, "tokenID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.health))
	for _, hc := range h.health {
		if err := hc.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[hc.Name] = err.Error()
			continue
		}
		checks[hc.Name] = "ok"
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

/*
====================================
ENCODING
====================================
*/

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{authcore.ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
	{authcore.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{authcore.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{authcore.ErrTwoFactorAttemptsExceeded, http.StatusUnauthorized, "two_factor_attempts_exceeded"},
	{authcore.ErrTwoFactorExpired, http.StatusUnauthorized, "two_factor_expired"},
	{authcore.ErrTwoFactorInvalid, http.StatusUnauthorized, "two_factor_invalid"},
	{authcore.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{authcore.ErrTokenRevoked, http.StatusUnauthorized, "token_revoked"},
	{authcore.ErrTokenMalformed, http.StatusUnauthorized, "token_malformed"},
	{authcore.ErrAccountInactive, http.StatusForbidden, "account_inactive"},
	{authcore.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{authcore.ErrInsufficientRole, http.StatusForbidden, "insufficient_role"},
	{authcore.ErrSelfRoleChange, http.StatusForbidden, "self_role_change"},
	{authcore.ErrInvalidRole, http.StatusBadRequest, "invalid_role"},
	{authcore.ErrPasswordPolicy, http.StatusBadRequest, "password_policy"},
	{authcore.ErrPasswordUnchanged, http.StatusBadRequest, "password_unchanged"},
	{authcore.ErrNoPasswordSet, http.StatusConflict, "no_password_set"},
	{authcore.ErrEmailNotVerified, http.StatusConflict, "email_not_verified"},
	{authcore.ErrTwoFactorAlreadyEnabled, http.StatusConflict, "two_factor_already_enabled"},
	{authcore.ErrTOTPAlreadyEnabled, http.StatusConflict, "totp_already_enabled"},
	{authcore.ErrTOTPNotEnabled, http.StatusConflict, "totp_not_enabled"},
	{authcore.ErrTOTPEnrollmentNotFound, http.StatusNotFound, "totp_enrollment_not_found"},
	{authcore.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{authcore.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
}

// writeError maps engine errors to statuses. Order matters: joined errors
// take the first matching row.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *authcore.RateLimitedError
	if errors.As(err, &limited) {
		secs := int(limited.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	for _, row := range errorTable {
		if errors.Is(err, row.err) {
			if row.status >= http.StatusInternalServerError {
				h.logger.ErrorContext(r.Context(), "backend unavailable", "path", r.URL.Path, "error", err)
			}
			writeJSON(w, row.status, errorResponse{Error: row.err.Error(), Code: row.code})
			return
		}
	}

	h.logger.ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
}
