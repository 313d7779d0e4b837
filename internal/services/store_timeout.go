package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/BradenHooton/totpguard/internal/repositories"
)

// DefaultStoreTimeout bounds every secret store call
const DefaultStoreTimeout = 3 * time.Second

// boundedStore runs each SecretStore call under a timeout and marks
// infrastructure errors with models.ErrStorageFailure. Domain outcomes
// such as ErrNotEnrolled pass through unchanged.
type boundedStore struct {
	inner   repositories.SecretStore
	timeout time.Duration
}

func newBoundedStore(inner repositories.SecretStore, timeout time.Duration) *boundedStore {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &boundedStore{inner: inner, timeout: timeout}
}

func storageFailure(op string, err error) error {
	if errors.Is(err, models.ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrStorageFailure, op, err)
}

func (s *boundedStore) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotEnrolled),
		errors.Is(err, models.ErrAlreadyEnrolled),
		errors.Is(err, models.ErrConflict):
		return err
	default:
		return storageFailure(op, err)
	}
}

func (s *boundedStore) Load(ctx context.Context, principalID string) (*models.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	e, err := s.inner.Load(ctx, principalID)
	return e, s.classify("load enrollment", err)
}

func (s *boundedStore) Create(ctx context.Context, enrollment *models.Enrollment, codes []models.RecoveryCode) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.classify("create enrollment", s.inner.Create(ctx, enrollment, codes))
}

func (s *boundedStore) Activate(ctx context.Context, principalID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.classify("activate enrollment", s.inner.Activate(ctx, principalID))
}

func (s *boundedStore) UpdateLastConsumedCounter(ctx context.Context, principalID string, counter int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.inner.UpdateLastConsumedCounter(ctx, principalID, counter)
	return ok, s.classify("update last consumed counter", err)
}

func (s *boundedStore) LoadRecoveryCodes(ctx context.Context, principalID string) ([]models.RecoveryCode, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	codes, err := s.inner.LoadRecoveryCodes(ctx, principalID)
	return codes, s.classify("load recovery codes", err)
}

func (s *boundedStore) MarkRecoveryCodeConsumed(ctx context.Context, principalID, codeHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.inner.MarkRecoveryCodeConsumed(ctx, principalID, codeHash)
	return ok, s.classify("consume recovery code", err)
}

func (s *boundedStore) ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []models.RecoveryCode) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.classify("replace recovery codes", s.inner.ReplaceRecoveryCodes(ctx, principalID, codes))
}

func (s *boundedStore) Delete(ctx context.Context, principalID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.classify("delete enrollment", s.inner.Delete(ctx, principalID))
}

func (s *boundedStore) DeleteStalePending(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.inner.DeleteStalePending(ctx, before)
	return n, s.classify("delete stale enrollments", err)
}
