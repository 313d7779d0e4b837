package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
)

// MockSecretStore implements repositories.SecretStore for testing
type MockSecretStore struct {
	LoadFunc                      func(ctx context.Context, principalID string) (*models.Enrollment, error)
	CreateFunc                    func(ctx context.Context, enrollment *models.Enrollment, codes []models.RecoveryCode) error
	ActivateFunc                  func(ctx context.Context, principalID string) error
	UpdateLastConsumedCounterFunc func(ctx context.Context, principalID string, counter int64) (bool, error)
	LoadRecoveryCodesFunc         func(ctx context.Context, principalID string) ([]models.RecoveryCode, error)
	MarkRecoveryCodeConsumedFunc  func(ctx context.Context, principalID, codeHash string) (bool, error)
	ReplaceRecoveryCodesFunc      func(ctx context.Context, principalID string, codes []models.RecoveryCode) error
	DeleteFunc                    func(ctx context.Context, principalID string) error
	DeleteStalePendingFunc        func(ctx context.Context, before time.Time) (int64, error)
}

func (m *MockSecretStore) Load(ctx context.Context, principalID string) (*models.Enrollment, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, principalID)
	}
	return nil, models.ErrNotEnrolled
}

func (m *MockSecretStore) Create(ctx context.Context, enrollment *models.Enrollment, codes []models.RecoveryCode) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, enrollment, codes)
	}
	return nil
}

func (m *MockSecretStore) Activate(ctx context.Context, principalID string) error {
	if m.ActivateFunc != nil {
		return m.ActivateFunc(ctx, principalID)
	}
	return nil
}

func (m *MockSecretStore) UpdateLastConsumedCounter(ctx context.Context, principalID string, counter int64) (bool, error) {
	if m.UpdateLastConsumedCounterFunc != nil {
		return m.UpdateLastConsumedCounterFunc(ctx, principalID, counter)
	}
	return true, nil
}

func (m *MockSecretStore) LoadRecoveryCodes(ctx context.Context, principalID string) ([]models.RecoveryCode, error) {
	if m.LoadRecoveryCodesFunc != nil {
		return m.LoadRecoveryCodesFunc(ctx, principalID)
	}
	return []models.RecoveryCode{}, nil
}

func (m *MockSecretStore) MarkRecoveryCodeConsumed(ctx context.Context, principalID, codeHash string) (bool, error) {
	if m.MarkRecoveryCodeConsumedFunc != nil {
		return m.MarkRecoveryCodeConsumedFunc(ctx, principalID, codeHash)
	}
	return false, nil
}

func (m *MockSecretStore) ReplaceRecoveryCodes(ctx context.Context, principalID string, codes []models.RecoveryCode) error {
	if m.ReplaceRecoveryCodesFunc != nil {
		return m.ReplaceRecoveryCodesFunc(ctx, principalID, codes)
	}
	return nil
}

func (m *MockSecretStore) Delete(ctx context.Context, principalID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, principalID)
	}
	return nil
}

func (m *MockSecretStore) DeleteStalePending(ctx context.Context, before time.Time) (int64, error) {
	if m.DeleteStalePendingFunc != nil {
		return m.DeleteStalePendingFunc(ctx, before)
	}
	return 0, nil
}

// MockReplayGuard implements replay.Guard for testing
type MockReplayGuard struct {
	AcceptFunc func(ctx context.Context, principalID string, counter int64) (bool, error)
}

func (m *MockReplayGuard) Accept(ctx context.Context, principalID string, counter int64) (bool, error) {
	if m.AcceptFunc != nil {
		return m.AcceptFunc(ctx, principalID, counter)
	}
	return true, nil
}

// MockForgettingGuard is a MockReplayGuard that also implements replay.Forgetter
type MockForgettingGuard struct {
	MockReplayGuard
	ForgetFunc func(ctx context.Context, principalID string) error
}

func (m *MockForgettingGuard) Forget(ctx context.Context, principalID string) error {
	if m.ForgetFunc != nil {
		return m.ForgetFunc(ctx, principalID)
	}
	return nil
}

// RecordingNotifier captures security events for assertions
type RecordingNotifier struct {
	mu     sync.Mutex
	Events []SecurityEvent
	Err    error
}

func (n *RecordingNotifier) NotifySecurityEvent(_ context.Context, event SecurityEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, event)
	return n.Err
}

// Types returns the recorded event types in order
func (n *RecordingNotifier) Types() []SecurityEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]SecurityEventType, len(n.Events))
	for i, e := range n.Events {
		types[i] = e.Type
	}
	return types
}
