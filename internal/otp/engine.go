// Package otp derives and checks RFC 6238 time-based one-time codes.
// Everything here is a pure function of its inputs.
package otp

import (
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"

	"github.com/BradenHooton/totpguard/internal/models"
	pqotp "github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// DefaultWindowSteps tolerates one step of clock drift in each direction
const DefaultWindowSteps = 1

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrEmptySecret is returned when code derivation is attempted without a key
var ErrEmptySecret = errors.New("otp: secret must not be empty")

// EncodeSecret returns the base32 (unpadded) form shown to users
func EncodeSecret(secret []byte) string {
	return b32NoPadding.EncodeToString(secret)
}

// DecodeSecret parses a base32 secret, with or without padding
func DecodeSecret(encoded string) ([]byte, error) {
	secret, err := b32NoPadding.DecodeString(trimPadding(encoded))
	if err != nil {
		return nil, fmt.Errorf("otp: invalid base32 secret: %w", err)
	}
	return secret, nil
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// Counter maps a unix time to its time-step counter (floor division)
func Counter(nowSeconds int64, period int) int64 {
	p := int64(period)
	c := nowSeconds / p
	if nowSeconds%p != 0 && nowSeconds < 0 {
		c--
	}
	return c
}

// ComputeCode derives the zero-padded code for a counter:
// HMAC(secret, counter as 8-byte big-endian), RFC 4226 dynamic truncation,
// then modulo 10^digits.
func ComputeCode(secret []byte, params models.AlgorithmParams, counter int64) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if err := params.Validate(); err != nil {
		return "", err
	}
	if counter < 0 {
		return "", fmt.Errorf("otp: counter must not be negative, got %d", counter)
	}

	code, err := hotp.GenerateCodeCustom(EncodeSecret(secret), uint64(counter), hotp.ValidateOpts{
		Digits:    pqDigits(params.Digits),
		Algorithm: toLibraryAlgorithm(params.Algorithm),
	})
	if err != nil {
		return "", fmt.Errorf("otp: failed to generate code: %w", err)
	}

	return code, nil
}

// IsValid checks candidate against every counter in
// [current-windowSteps, current+windowSteps] and returns the matched counter.
// Offsets are ranked 0, -1, +1, -2, +2, ... and the best-ranked match wins.
// All counters are compared in constant time and the loop never exits early.
// Malformed candidates and invalid parameters never match.
func IsValid(secret []byte, params models.AlgorithmParams, candidate string, nowSeconds int64, windowSteps int) (int64, bool) {
	if params.Validate() != nil || len(secret) == 0 || windowSteps < 0 {
		return 0, false
	}
	if !WellFormed(candidate, params.Digits) {
		return 0, false
	}

	current := Counter(nowSeconds, params.Period)

	var matched int64
	found := false
	for _, offset := range windowOffsets(windowSteps) {
		counter := current + offset
		if counter < 0 {
			continue
		}

		expected, err := ComputeCode(secret, params, counter)
		if err != nil {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1 && !found {
			matched = counter
			found = true
		}
	}

	return matched, found
}

// WellFormed reports whether candidate is exactly digits ASCII digits
func WellFormed(candidate string, digits int) bool {
	if len(candidate) != digits {
		return false
	}
	for i := 0; i < len(candidate); i++ {
		if candidate[i] < '0' || candidate[i] > '9' {
			return false
		}
	}
	return true
}

// windowOffsets returns 0, -1, +1, -2, +2, ... up to ±steps
func windowOffsets(steps int) []int64 {
	offsets := make([]int64, 0, 2*steps+1)
	offsets = append(offsets, 0)
	for i := int64(1); i <= int64(steps); i++ {
		offsets = append(offsets, -i, i)
	}
	return offsets
}

func toLibraryAlgorithm(a models.Algorithm) pqotp.Algorithm {
	switch a {
	case models.AlgorithmSHA256:
		return pqotp.AlgorithmSHA256
	case models.AlgorithmSHA512:
		return pqotp.AlgorithmSHA512
	default:
		return pqotp.AlgorithmSHA1
	}
}

func pqDigits(d int) pqotp.Digits {
	return pqotp.Digits(d)
}
