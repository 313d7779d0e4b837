package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
)

// SecretStore persists enrollments and recovery codes.
// Load returns models.ErrNotEnrolled when the principal has no enrollment.
type SecretStore interface {
	// Load retrieves the enrollment with its decrypted secret
	Load(ctx context.Context, principalID string) (*models.Enrollment, error)

	// Create stores a pending enrollment with its recovery codes, replacing
	// any earlier pending one. Fails with models.ErrAlreadyEnrolled when an
	// enabled enrollment exists.
	Create(ctx context.Context, enrollment *models.Enrollment, codes []models.RecoveryCode) error

	// Activate marks a pending enrollment as enabled
	Activate(ctx context.Context, principalID string) error

	// UpdateLastConsumedCounter sets the counter only if it is greater than
	// the stored one and reports whether it did
	UpdateLastConsumedCounter(ctx context.Context, principalID string, counter int64) (bool, error)

	// LoadRecoveryCodes returns every recovery code, consumed or not
	LoadRecoveryCodes(ctx context.Context, principalID string) ([]models.RecoveryCode, error)

	// MarkRecoveryCodeConsumed consumes an unused code and reports whether
	// this call was the one that consumed it
	MarkRecoveryCodeConsumed(ctx context.Context, principalID, codeHash string) (bool, error)

	// ReplaceRecoveryCodes swaps the whole recovery code set atomically
	ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []models.RecoveryCode) error

	// Delete removes the enrollment and its recovery codes
	Delete(ctx context.Context, principalID string) error

	// DeleteStalePending purges pending enrollments created before the cutoff
	DeleteStalePending(ctx context.Context, before time.Time) (int64, error)
}

// SecretSealer encrypts secrets before they reach storage
type SecretSealer interface {
	Encrypt(plaintext []byte) ([]byte, []byte, error)
	Decrypt(ciphertext, nonce []byte) ([]byte, error)
}
