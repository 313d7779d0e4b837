package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/totpguard/internal/auth"
	"github.com/BradenHooton/totpguard/internal/models"
	pkghttp "github.com/BradenHooton/totpguard/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds user claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, userID, email string) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Type:   "access",
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockTwoFactorService implements TwoFactorService for testing
type MockTwoFactorService struct {
	EnrollFunc                  func(ctx context.Context, principalID, accountName string) (*models.Provisioning, error)
	ConfirmFunc                 func(ctx context.Context, principalID, code string) (bool, error)
	VerifyFunc                  func(ctx context.Context, principalID, candidate string) (bool, error)
	RegenerateRecoveryCodesFunc func(ctx context.Context, principalID string) ([]string, error)
	DisableFunc                 func(ctx context.Context, principalID string) error
	CancelPendingFunc           func(ctx context.Context, principalID string) error
	StatusFunc                  func(ctx context.Context, principalID string) (*models.TwoFactorStatus, error)
}

func (m *MockTwoFactorService) Enroll(ctx context.Context, principalID, accountName string) (*models.Provisioning, error) {
	if m.EnrollFunc != nil {
		return m.EnrollFunc(ctx, principalID, accountName)
	}
	return nil, nil
}

func (m *MockTwoFactorService) Confirm(ctx context.Context, principalID, code string) (bool, error) {
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, principalID, code)
	}
	return false, nil
}

func (m *MockTwoFactorService) Verify(ctx context.Context, principalID, candidate string) (bool, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, principalID, candidate)
	}
	return false, nil
}

func (m *MockTwoFactorService) RegenerateRecoveryCodes(ctx context.Context, principalID string) ([]string, error) {
	if m.RegenerateRecoveryCodesFunc != nil {
		return m.RegenerateRecoveryCodesFunc(ctx, principalID)
	}
	return nil, nil
}

func (m *MockTwoFactorService) Disable(ctx context.Context, principalID string) error {
	if m.DisableFunc != nil {
		return m.DisableFunc(ctx, principalID)
	}
	return nil
}

func (m *MockTwoFactorService) CancelPending(ctx context.Context, principalID string) error {
	if m.CancelPendingFunc != nil {
		return m.CancelPendingFunc(ctx, principalID)
	}
	return nil
}

func (m *MockTwoFactorService) Status(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, principalID)
	}
	return &models.TwoFactorStatus{}, nil
}

// MockPrincipal implements rules.TwoFactorAuthenticatable for testing
type MockPrincipal struct {
	ValidateTwoFactorCodeFunc func(ctx context.Context, code string) (bool, error)
}

func (m *MockPrincipal) ValidateTwoFactorCode(ctx context.Context, code string) (bool, error) {
	if m.ValidateTwoFactorCodeFunc != nil {
		return m.ValidateTwoFactorCodeFunc(ctx, code)
	}
	return false, nil
}
