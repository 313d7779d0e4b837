package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/totpguard/internal/auth"
	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/BradenHooton/totpguard/internal/rules"
	pkghttp "github.com/BradenHooton/totpguard/pkg/http"
	"github.com/BradenHooton/totpguard/pkg/logger"
)

const maxRequestBodyBytes = 4 << 10

// TwoFactorService is the service surface used by the HTTP layer
type TwoFactorService interface {
	Enroll(ctx context.Context, principalID, accountName string) (*models.Provisioning, error)
	Confirm(ctx context.Context, principalID, code string) (bool, error)
	Verify(ctx context.Context, principalID, candidate string) (bool, error)
	RegenerateRecoveryCodes(ctx context.Context, principalID string) ([]string, error)
	Disable(ctx context.Context, principalID string) error
	CancelPending(ctx context.Context, principalID string) error
	Status(ctx context.Context, principalID string) (*models.TwoFactorStatus, error)
}

// PrincipalResolver returns the principal object for an id. Principals with
// two-factor capability implement rules.TwoFactorAuthenticatable.
type PrincipalResolver func(principalID string) interface{}

// TwoFactorHandler handles two-factor HTTP requests
type TwoFactorHandler struct {
	service  TwoFactorService
	resolve  PrincipalResolver
	timing   *auth.TimingDelay
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewTwoFactorHandler creates a new two-factor handler
func NewTwoFactorHandler(
	service TwoFactorService,
	resolve PrincipalResolver,
	timing *auth.TimingDelay,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) *TwoFactorHandler {
	return &TwoFactorHandler{
		service:  service,
		resolve:  resolve,
		timing:   timing,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Enroll handles POST /2fa/enroll
func (h *TwoFactorHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	user, ctx, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	var req EnrollRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}

	accountName := req.AccountName
	if accountName == "" {
		accountName = user.Email
	}
	if accountName == "" {
		pkghttp.WriteBadRequest(w, "account_name is required")
		return
	}

	p, err := h.service.Enroll(ctx, user.UserID, accountName)
	if err != nil {
		h.writeServiceError(w, user.UserID, "enroll", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, EnrollResponse{
		Secret:        p.Secret,
		URI:           p.URI,
		QRCode:        p.QRCode,
		RecoveryCodes: p.RecoveryCodes,
		Params:        p.Params,
	})
}

// Confirm handles POST /2fa/confirm
func (h *TwoFactorHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	user, ctx, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	confirmed, err := h.service.Confirm(ctx, user.UserID, req.Code)
	if err != nil {
		h.writeServiceError(w, user.UserID, "confirm", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ConfirmResponse{Confirmed: confirmed})
}

// Verify handles POST /2fa/verify. The response is the same for every kind
// of rejection; only a storage failure changes the status code.
func (h *TwoFactorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user, ctx, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	valid, err := h.service.Verify(ctx, user.UserID, req.Code)
	h.timing.WaitFrom(start, valid)
	if err != nil {
		h.writeServiceError(w, user.UserID, "verify", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}

// RegenerateRecoveryCodes handles POST /2fa/recovery-codes
func (h *TwoFactorHandler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	user, ctx, ok := h.authenticated(w, r)
	if !ok {
		return
	}
	if !h.requireCurrentCode(ctx, w, r, user.UserID) {
		return
	}

	codes, err := h.service.RegenerateRecoveryCodes(ctx, user.UserID)
	if err != nil {
		h.writeServiceError(w, user.UserID, "regenerate recovery codes", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, RecoveryCodesResponse{RecoveryCodes: codes})
}

// Status handles GET /2fa/status
func (h *TwoFactorHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, ctx, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(ctx, user.UserID)
	if err != nil {
		h.writeServiceError(w, user.UserID, "status", err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// Disable handles DELETE /2fa. An unconfirmed enrollment has no code to
// check, so it is cancelled without one.
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	user, ctx, ok := h.authenticated(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(ctx, user.UserID)
	if err != nil {
		h.writeServiceError(w, user.UserID, "disable", err)
		return
	}
	if status.Enrolled && !status.Enabled {
		if err := h.service.CancelPending(ctx, user.UserID); err != nil {
			h.writeServiceError(w, user.UserID, "cancel pending enrollment", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !h.requireCurrentCode(ctx, w, r, user.UserID) {
		return
	}

	if err := h.service.Disable(ctx, user.UserID); err != nil {
		h.writeServiceError(w, user.UserID, "disable", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// authenticated returns the caller's claims and a context carrying client
// details for the audit log
func (h *TwoFactorHandler) authenticated(w http.ResponseWriter, r *http.Request) (*models.TokenClaims, context.Context, bool) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return nil, nil, false
	}

	ctx := logger.WithClientInfo(r.Context(), logger.ClientInfo{
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: pkghttp.UserAgent(r),
	})
	return user, ctx, true
}

// requireCurrentCode checks the body's code through the TOTP rule, so a
// recovery code cannot authorize the change
func (h *TwoFactorHandler) requireCurrentCode(ctx context.Context, w http.ResponseWriter, r *http.Request, principalID string) bool {
	var req CodeProtectedRequest
	if !h.decode(w, r, &req) {
		return false
	}

	var principal interface{}
	if h.resolve != nil {
		principal = h.resolve(principalID)
	}

	valid, err := rules.NewTotpCodeRule(principal).Validate(ctx, "code", req.Code)
	if err != nil {
		h.writeServiceError(w, principalID, "check current code", err)
		return false
	}
	if !valid {
		pkghttp.WriteUnauthorized(w, "Invalid code")
		return false
	}
	return true
}

func (h *TwoFactorHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return h.decodeBody(w, r, dst, false)
}

// decodeBody decodes and validates a JSON body. An empty body is accepted
// only when optional is set.
func (h *TwoFactorHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !(optional && errors.Is(err, io.EOF)) {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return false
	}
	if err := ValidateRequest(dst); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

func (h *TwoFactorHandler) writeServiceError(w http.ResponseWriter, principalID, op string, err error) {
	switch {
	case errors.Is(err, models.ErrStorageFailure):
		h.logger.Error("two-factor storage failure",
			slog.String("principal_id", principalID),
			slog.String("op", op),
			slog.Any("error", err))
		pkghttp.WriteServiceUnavailable(w, "Two-factor service temporarily unavailable")
	case errors.Is(err, models.ErrNotEnrolled):
		pkghttp.WriteNotFound(w, "Two-factor authentication is not enrolled")
	case errors.Is(err, models.ErrAlreadyEnrolled), errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
	case errors.Is(err, models.ErrBadRequest), errors.Is(err, models.ErrInvalidAlgorithmParams):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		h.logger.Error("two-factor request failed",
			slog.String("principal_id", principalID),
			slog.String("op", op),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Request failed")
	}
}
