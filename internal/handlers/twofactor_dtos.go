package handlers

import "github.com/BradenHooton/totpguard/internal/models"

// EnrollRequest starts enrollment. AccountName defaults to the token's e-mail.
type EnrollRequest struct {
	AccountName string `json:"account_name" validate:"omitempty,max=255,printascii"`
}

// EnrollResponse is shown to the user exactly once
type EnrollResponse struct {
	Secret        string                 `json:"secret"` // Base32 for manual entry
	URI           string                 `json:"uri"`
	QRCode        string                 `json:"qr_code"` // Data URL
	RecoveryCodes []string               `json:"recovery_codes"`
	Params        models.AlgorithmParams `json:"params"`
}

// ConfirmRequest carries the first code from the authenticator app
type ConfirmRequest struct {
	Code string `json:"code" validate:"required,max=8,numeric"`
}

type ConfirmResponse struct {
	Confirmed bool `json:"confirmed"`
}

// VerifyRequest carries a TOTP code or a recovery code
type VerifyRequest struct {
	Code string `json:"code" validate:"required,max=32,printascii"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// CodeProtectedRequest gates sensitive changes behind a current TOTP code
type CodeProtectedRequest struct {
	Code string `json:"code" validate:"required,max=8,numeric"`
}

type RecoveryCodesResponse struct {
	RecoveryCodes []string `json:"recovery_codes"`
}

type HealthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}
