// Package recovery issues and redeems single-use recovery codes, the
// fallback when the authenticator device is unavailable.
package recovery

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCount is the number of codes issued per enrollment
	DefaultCount = 8
	// CodeLength excludes the display separator
	CodeLength = 10
	// DefaultHashCost is the bcrypt cost used when none is configured
	DefaultHashCost = bcrypt.DefaultCost

	// A-Z 2-9 without the ambiguous 0/O/1/I/L
	charset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

// ErrInvalidCount is returned when asked for fewer than one code
var ErrInvalidCount = errors.New("recovery code count must be greater than 0")

// Store is the slice of the secret store the manager needs.
// MarkRecoveryCodeConsumed must only succeed for a code that is still unused.
type Store interface {
	LoadRecoveryCodes(ctx context.Context, principalID string) ([]models.RecoveryCode, error)
	MarkRecoveryCodeConsumed(ctx context.Context, principalID, codeHash string) (bool, error)
}

// Manager generates, hashes and consumes recovery codes
type Manager struct {
	store    Store
	hashCost int
}

// NewManager creates a manager. hashCost is the bcrypt cost; values outside
// bcrypt's range fall back to bcrypt.DefaultCost.
func NewManager(store Store, hashCost int) *Manager {
	if hashCost < bcrypt.MinCost || hashCost > bcrypt.MaxCost {
		hashCost = bcrypt.DefaultCost
	}
	return &Manager{
		store:    store,
		hashCost: hashCost,
	}
}

// Generate returns n plaintext codes formatted as XXXXX-XXXXX. They must be
// shown to the user once and never stored.
func (m *Manager) Generate(n int) ([]string, error) {
	if n < 1 {
		return nil, ErrInvalidCount
	}

	alphabet := big.NewInt(int64(len(charset)))
	codes := make([]string, n)
	for i := range codes {
		raw := make([]byte, CodeLength)
		for j := range raw {
			idx, err := rand.Int(rand.Reader, alphabet)
			if err != nil {
				return nil, fmt.Errorf("failed to generate random index: %w", err)
			}
			raw[j] = charset[idx.Int64()]
		}
		codes[i] = format(string(raw))
	}

	return codes, nil
}

// Hash converts plaintext codes into salted bcrypt records
func (m *Manager) Hash(codes []string) ([]models.RecoveryCode, error) {
	now := time.Now()
	records := make([]models.RecoveryCode, len(codes))
	for i, code := range codes {
		hash, err := bcrypt.GenerateFromPassword([]byte(Normalize(code)), m.hashCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash recovery code: %w", err)
		}
		records[i] = models.RecoveryCode{
			ID:        uuid.New().String(),
			CodeHash:  string(hash),
			CreatedAt: now,
		}
	}
	return records, nil
}

// Consume redeems candidate for principalID. The candidate is compared with
// every stored hash, consumed or not, so the time taken does not depend on
// which codes remain. A code consumed by a concurrent request never matches.
func (m *Manager) Consume(ctx context.Context, principalID, candidate string) (bool, error) {
	if !LooksLikeCode(candidate) {
		return false, nil
	}
	normalized := []byte(Normalize(candidate))

	codes, err := m.store.LoadRecoveryCodes(ctx, principalID)
	if err != nil {
		return false, fmt.Errorf("failed to load recovery codes: %w", err)
	}

	var match *models.RecoveryCode
	for i := range codes {
		if bcrypt.CompareHashAndPassword([]byte(codes[i].CodeHash), normalized) == nil && match == nil {
			match = &codes[i]
		}
	}

	if match == nil || match.IsConsumed() {
		return false, nil
	}

	consumed, err := m.store.MarkRecoveryCodeConsumed(ctx, principalID, match.CodeHash)
	if err != nil {
		return false, fmt.Errorf("failed to mark recovery code consumed: %w", err)
	}

	return consumed, nil
}

// Normalize strips separators and whitespace and upper-cases
func Normalize(candidate string) string {
	var b strings.Builder
	b.Grow(len(candidate))
	for _, r := range candidate {
		switch r {
		case '-', ' ', '\t':
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LooksLikeCode reports whether candidate has the shape of a recovery code
func LooksLikeCode(candidate string) bool {
	normalized := Normalize(candidate)
	if len(normalized) != CodeLength {
		return false
	}
	for i := 0; i < len(normalized); i++ {
		if strings.IndexByte(charset, normalized[i]) < 0 {
			return false
		}
	}
	return true
}

// CountUnused returns how many codes are still redeemable
func CountUnused(codes []models.RecoveryCode) int {
	n := 0
	for _, c := range codes {
		if !c.IsConsumed() {
			n++
		}
	}
	return n
}

func format(raw string) string {
	half := len(raw) / 2
	return raw[:half] + "-" + raw[half:]
}
