package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

// Handler exposes the auth flows over HTTP.
type Handler struct {
	svc        *Service
	logger     *zap.SugaredLogger
	trustProxy bool
}

func NewHandler(svc *Service, logger *zap.SugaredLogger, trustProxy bool) *Handler {
	return &Handler{svc: svc, logger: logger, trustProxy: trustProxy}
}

type messageResponse struct {
	Message string `json:"message"`
}

type codeRequest struct {
	Code  string `json:"code"`
	Token string `json:"token"`
}

func (c codeRequest) value() string {
	if c.Code != "" {
		return c.Code
	}
	return c.Token
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.svc.Register(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginInput
	if !h.decode(w, r, &req) {
		return
	}
	req.IP = ratelimit.ClientIP(r, h.trustProxy)
	sess, err := h.svc.Login(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupLoginInput
	if !h.decode(w, r, &req) {
		return
	}
	req.IP = ratelimit.ClientIP(r, h.trustProxy)
	sess, err := h.svc.VerifyBackupCode(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	// the route only answers 200 or 401
	if err := readJSON(w, r, &req); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		writeError(w, h.logger, apperrors.ErrInvalidRefreshToken)
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}

func (h *Handler) Setup2FA(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	setup, err := h.svc.Setup2FA(r.Context(), p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *Handler) Verify2FA(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Verify2FA(r.Context(), p, req.value()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "2FA enabled successfully"})
}

func (h *Handler) Disable2FA(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Disable2FA(r.Context(), p, req.value()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "2FA disabled successfully"})
}

func (h *Handler) CheckExisting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.CheckExisting(r.Context(), req.Email, req.Username)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Account.Summary())
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Role entity.Role `json:"role"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	sum, err := h.svc.UpdateRole(r.Context(), p, r.PathValue("id"), req.Role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, h.logger, apperrors.ErrUnauthenticated)
	}
	return p, ok
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readJSON(w, r, v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request payload"})
		return false
	}
	return true
}

type errorResponse struct {
	Message     string                 `json:"message"`
	LockUntil   *time.Time             `json:"lockUntil,omitempty"`
	Requires2FA bool                   `json:"requires2FA,omitempty"`
	Errors      []apperrors.FieldError `json:"errors,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, apperrors.ErrUnauthenticated),
		errors.Is(err, apperrors.ErrTokenRevoked),
		errors.Is(err, apperrors.ErrInvalidRefreshToken):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrInternal), !apperrors.IsDomain(err):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

var messages = []struct {
	err error
	msg string
}{
	{apperrors.ErrDuplicateAccount, "User already exists"},
	{apperrors.ErrInvalidCredentials, "Invalid credentials"},
	{apperrors.ErrRequires2FA, "2FA token required"},
	{apperrors.ErrLocked, "Account is locked. Please try again later."},
	{apperrors.ErrInvalidCode, "Invalid verification code"},
	{apperrors.ErrInvalidOrUsed, "Invalid or used backup code"},
	{apperrors.ErrTwoFactorNotInitiated, "2FA setup not initiated"},
	{apperrors.ErrTwoFactorAlreadyEnabled, "2FA is already enabled"},
	{apperrors.ErrWrongCurrentPassword, "Current password is incorrect"},
	{apperrors.ErrReusedPassword, "Password has been used recently"},
	{apperrors.ErrUnauthenticated, "Authentication required"},
	{apperrors.ErrTokenRevoked, "Token has been revoked"},
	{apperrors.ErrInvalidRefreshToken, "Invalid refresh token"},
	{apperrors.ErrForbidden, "Access denied"},
	{apperrors.ErrNotFound, "Not found"},
	{apperrors.ErrConcurrentUpdate, "The account was modified concurrently, please retry"},
	{apperrors.ErrRateLimited, "Too many requests, please try again later"},
}

func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	status := StatusFor(err)
	resp := errorResponse{Message: "Server error"}

	var fe *apperrors.FieldError
	var le *apperrors.LockedError
	switch {
	case errors.As(err, &fe):
		resp.Message = fe.Message
		resp.Errors = []apperrors.FieldError{*fe}
	case errors.As(err, &le):
		resp.Message = "Account is locked. Please try again later."
		until := le.Until.UTC()
		resp.LockUntil = &until
	case status != http.StatusInternalServerError:
		for _, m := range messages {
			if errors.Is(err, m.err) {
				resp.Message = m.msg
				break
			}
		}
	}
	if errors.Is(err, apperrors.ErrRequires2FA) {
		resp.Requires2FA = true
	}
	if status == http.StatusInternalServerError && logger != nil {
		logger.Debugw("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
