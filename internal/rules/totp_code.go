// Package rules holds request validation rules that delegate to the
// two-factor core.
package rules

import (
	"context"
	"strconv"
)

// TwoFactorAuthenticatable is implemented by principals that can check a
// second-factor code
type TwoFactorAuthenticatable interface {
	ValidateTwoFactorCode(ctx context.Context, code string) (bool, error)
}

// TotpCodeRule validates that a field holds a valid TOTP code for the
// current principal. Only numeric values are considered, so recovery codes
// never pass through this rule.
type TotpCodeRule struct {
	principal interface{}
}

// NewTotpCodeRule creates a rule for principal, which may be nil or a
// value without two-factor capability
func NewTotpCodeRule(principal interface{}) *TotpCodeRule {
	return &TotpCodeRule{principal: principal}
}

// Validate reports whether value is a valid code. Errors are storage
// failures from the principal and are returned, not folded into false.
func (r *TotpCodeRule) Validate(ctx context.Context, attribute string, value interface{}) (bool, error) {
	code, ok := numeric(value)
	if !ok {
		return false, nil
	}

	principal, ok := r.principal.(TwoFactorAuthenticatable)
	if !ok {
		return false, nil
	}

	return principal.ValidateTwoFactorCode(ctx, code)
}

// numeric returns value as a decimal string when it is an unsigned
// integer or a string of ASCII digits
func numeric(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", false
		}
		for i := 0; i < len(v); i++ {
			if v[i] < '0' || v[i] > '9' {
				return "", false
			}
		}
		return v, true
	case int:
		return nonNegative(int64(v))
	case int32:
		return nonNegative(int64(v))
	case int64:
		return nonNegative(v)
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	default:
		return "", false
	}
}

func nonNegative(v int64) (string, bool) {
	if v < 0 {
		return "", false
	}
	return strconv.FormatInt(v, 10), true
}
