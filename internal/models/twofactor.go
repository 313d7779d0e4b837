package models

import (
	"fmt"
	"time"
)

// Algorithm is the HMAC digest used to derive codes
type Algorithm string

const (
	AlgorithmSHA1   Algorithm = "SHA1"
	AlgorithmSHA256 Algorithm = "SHA256"
	AlgorithmSHA512 Algorithm = "SHA512"
)

const (
	DefaultDigits = 6
	DefaultPeriod = 30
	MinDigits     = 6
	MaxDigits     = 8
)

// AlgorithmParams are fixed at enrollment and must match what the
// authenticator app was provisioned with.
type AlgorithmParams struct {
	Algorithm Algorithm `json:"algorithm"`
	Digits    int       `json:"digits"`
	Period    int       `json:"period"` // seconds per time step
}

// DefaultAlgorithmParams returns SHA1 / 6 digits / 30 seconds (RFC 6238 defaults)
func DefaultAlgorithmParams() AlgorithmParams {
	return AlgorithmParams{
		Algorithm: AlgorithmSHA1,
		Digits:    DefaultDigits,
		Period:    DefaultPeriod,
	}
}

// Validate checks the parameters are within the supported range
func (p AlgorithmParams) Validate() error {
	switch p.Algorithm {
	case AlgorithmSHA1, AlgorithmSHA256, AlgorithmSHA512:
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidAlgorithmParams, p.Algorithm)
	}
	if p.Digits < MinDigits || p.Digits > MaxDigits {
		return fmt.Errorf("%w: digits must be between %d and %d, got %d",
			ErrInvalidAlgorithmParams, MinDigits, MaxDigits, p.Digits)
	}
	if p.Period <= 0 {
		return fmt.Errorf("%w: period must be positive, got %d", ErrInvalidAlgorithmParams, p.Period)
	}
	return nil
}

// Enrollment is a principal's two-factor secret and its parameters
type Enrollment struct {
	PrincipalID         string
	AccountName         string // provisioning label, also the notification address
	Secret              []byte // plaintext; encrypted only at rest
	Params              AlgorithmParams
	LastConsumedCounter *int64 // nil until the first accepted TOTP code
	CreatedAt           time.Time
	EnabledAt           *time.Time // nil while pending confirmation
}

// IsEnabled reports whether the enrollment has been confirmed
func (e *Enrollment) IsEnabled() bool {
	return e.EnabledAt != nil
}

// RecoveryCode is a single-use fallback credential, stored only as a hash
type RecoveryCode struct {
	ID         string
	CodeHash   string // bcrypt hash
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// IsConsumed reports whether the code has already been used
func (c RecoveryCode) IsConsumed() bool {
	return c.ConsumedAt != nil
}

// TwoFactorStatus is the externally visible state of a principal's enrollment
type TwoFactorStatus struct {
	Enrolled               bool            `json:"enrolled"`
	Enabled                bool            `json:"enabled"`
	Params                 AlgorithmParams `json:"params"`
	CreatedAt              *time.Time      `json:"created_at,omitempty"`
	EnabledAt              *time.Time      `json:"enabled_at,omitempty"`
	RecoveryCodesRemaining int             `json:"recovery_codes_remaining"`
}

// Provisioning is returned once at enrollment so the user can set up an
// authenticator app. It is never persisted in this form.
type Provisioning struct {
	Secret        string          `json:"secret"` // base32, no padding
	URI           string          `json:"uri"`    // otpauth:// key URI
	QRCode        string          `json:"qr_code"`
	RecoveryCodes []string        `json:"recovery_codes"`
	Params        AlgorithmParams `json:"params"`
}
