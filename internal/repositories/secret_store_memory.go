package repositories

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/google/uuid"
)

type memoryEnrollment struct {
	enrollment models.Enrollment
	codes      []models.RecoveryCode
}

// MemorySecretStore implements SecretStore in process memory.
// Used for single-instance deployments and tests.
type MemorySecretStore struct {
	mu      sync.Mutex
	records map[string]*memoryEnrollment
	now     func() time.Time
}

// NewMemorySecretStore creates an empty in-memory store
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		records: make(map[string]*memoryEnrollment),
		now:     time.Now,
	}
}

func (s *MemorySecretStore) Load(_ context.Context, principalID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[principalID]
	if !ok {
		return nil, models.ErrNotEnrolled
	}
	return cloneEnrollment(&rec.enrollment), nil
}

func (s *MemorySecretStore) Create(_ context.Context, enrollment *models.Enrollment, codes []models.RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[enrollment.PrincipalID]; ok && rec.enrollment.IsEnabled() {
		return models.ErrAlreadyEnrolled
	}

	enrollment.CreatedAt = s.now()
	stored := cloneEnrollment(enrollment)
	stored.EnabledAt = nil
	stored.LastConsumedCounter = nil

	s.records[enrollment.PrincipalID] = &memoryEnrollment{
		enrollment: *stored,
		codes:      s.cloneCodes(codes),
	}
	return nil
}

func (s *MemorySecretStore) Activate(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[principalID]
	if !ok || rec.enrollment.IsEnabled() {
		return models.ErrNotEnrolled
	}
	now := s.now()
	rec.enrollment.EnabledAt = &now
	return nil
}

func (s *MemorySecretStore) UpdateLastConsumedCounter(_ context.Context, principalID string, counter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[principalID]
	if !ok {
		return false, nil
	}
	if last := rec.enrollment.LastConsumedCounter; last != nil && *last >= counter {
		return false, nil
	}
	rec.enrollment.LastConsumedCounter = &counter
	return true, nil
}

func (s *MemorySecretStore) LoadRecoveryCodes(_ context.Context, principalID string) ([]models.RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[principalID]
	if !ok {
		return []models.RecoveryCode{}, nil
	}
	return s.cloneCodes(rec.codes), nil
}

func (s *MemorySecretStore) MarkRecoveryCodeConsumed(_ context.Context, principalID, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[principalID]
	if !ok {
		return false, nil
	}
	for i := range rec.codes {
		if rec.codes[i].CodeHash == codeHash && !rec.codes[i].IsConsumed() {
			now := s.now()
			rec.codes[i].ConsumedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *MemorySecretStore) ReplaceRecoveryCodes(_ context.Context, principalID string, codes []models.RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[principalID]
	if !ok {
		return models.ErrNotEnrolled
	}
	rec.codes = s.cloneCodes(codes)
	return nil
}

func (s *MemorySecretStore) Delete(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[principalID]; !ok {
		return models.ErrNotEnrolled
	}
	delete(s.records, principalID)
	return nil
}

func (s *MemorySecretStore) DeleteStalePending(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if !rec.enrollment.IsEnabled() && rec.enrollment.CreatedAt.Before(before) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemorySecretStore) cloneCodes(codes []models.RecoveryCode) []models.RecoveryCode {
	out := make([]models.RecoveryCode, len(codes))
	for i, c := range codes {
		out[i] = c
		if out[i].ID == "" {
			out[i].ID = uuid.New().String()
		}
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = s.now()
		}
		if c.ConsumedAt != nil {
			t := *c.ConsumedAt
			out[i].ConsumedAt = &t
		}
	}
	return out
}

func cloneEnrollment(e *models.Enrollment) *models.Enrollment {
	out := *e
	out.Secret = bytes.Clone(e.Secret)
	if e.LastConsumedCounter != nil {
		c := *e.LastConsumedCounter
		out.LastConsumedCounter = &c
	}
	if e.EnabledAt != nil {
		t := *e.EnabledAt
		out.EnabledAt = &t
	}
	return &out
}
