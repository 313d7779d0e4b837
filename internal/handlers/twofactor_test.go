package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/totpguard/internal/auth"
	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/BradenHooton/totpguard/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserID = "user-123"
	testEmail  = "user@example.com"
)

var errStorage = fmt.Errorf("%w: load: connection refused", models.ErrStorageFailure)

func newTestHandler(svc *MockTwoFactorService, principal interface{}) *TwoFactorHandler {
	return NewTwoFactorHandler(
		svc,
		func(string) interface{} { return principal },
		nil,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestEnroll_Success(t *testing.T) {
	svc := &MockTwoFactorService{
		EnrollFunc: func(ctx context.Context, principalID, accountName string) (*models.Provisioning, error) {
			assert.Equal(t, testUserID, principalID)
			assert.Equal(t, testEmail, accountName)
			return &models.Provisioning{
				Secret:        "JBSWY3DPEHPK3PXP",
				URI:           "otpauth://totp/Example:user@example.com?secret=JBSWY3DPEHPK3PXP",
				QRCode:        "data:image/png;base64,AAAA",
				RecoveryCodes: []string{"ABCDE-FGHJK"},
				Params:        models.DefaultAlgorithmParams(),
			}, nil
		},
	}
	h := newTestHandler(svc, nil)

	req := WithAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/2fa/enroll", nil), testUserID, testEmail)
	w := httptest.NewRecorder()
	h.Enroll(w, req)

	var resp EnrollResponse
	AssertJSONResponse(t, w, http.StatusCreated, &resp)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
	assert.Equal(t, []string{"ABCDE-FGHJK"}, resp.RecoveryCodes)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestEnroll_AccountNameFromBody(t *testing.T) {
	var got string
	svc := &MockTwoFactorService{
		EnrollFunc: func(ctx context.Context, principalID, accountName string) (*models.Provisioning, error) {
			got = accountName
			return &models.Provisioning{}, nil
		},
	}
	h := newTestHandler(svc, nil)

	req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/enroll",
		EnrollRequest{AccountName: "alice"}), testUserID, testEmail)
	w := httptest.NewRecorder()
	h.Enroll(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", got)
}

func TestEnroll_AlreadyEnrolled(t *testing.T) {
	svc := &MockTwoFactorService{
		EnrollFunc: func(ctx context.Context, principalID, accountName string) (*models.Provisioning, error) {
			return nil, models.ErrAlreadyEnrolled
		},
	}
	h := newTestHandler(svc, nil)

	req := WithAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/2fa/enroll", nil), testUserID, testEmail)
	w := httptest.NewRecorder()
	h.Enroll(w, req)

	AssertErrorResponse(t, w, http.StatusConflict, "conflict")
}

func TestEnroll_Unauthenticated(t *testing.T) {
	h := newTestHandler(&MockTwoFactorService{}, nil)

	w := httptest.NewRecorder()
	h.Enroll(w, httptest.NewRequest(http.MethodPost, "/api/v1/2fa/enroll", nil))

	AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		confirmed  bool
		err        error
		wantStatus int
		wantError  string
	}{
		{name: "confirmed", body: ConfirmRequest{Code: "123456"}, confirmed: true, wantStatus: http.StatusOK},
		{name: "wrong code", body: ConfirmRequest{Code: "123456"}, wantStatus: http.StatusOK},
		{name: "not enrolled", body: ConfirmRequest{Code: "123456"}, err: models.ErrNotEnrolled, wantStatus: http.StatusNotFound, wantError: "not_found"},
		{name: "already enabled", body: ConfirmRequest{Code: "123456"}, err: models.ErrAlreadyEnrolled, wantStatus: http.StatusConflict, wantError: "conflict"},
		{name: "storage failure", body: ConfirmRequest{Code: "123456"}, err: errStorage, wantStatus: http.StatusServiceUnavailable, wantError: "service_unavailable"},
		{name: "non-numeric code", body: ConfirmRequest{Code: "12ab56"}, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
		{name: "missing code", body: map[string]string{}, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
		{name: "unknown field", body: map[string]string{"code": "123456", "secret": "x"}, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockTwoFactorService{
				ConfirmFunc: func(ctx context.Context, principalID, code string) (bool, error) {
					return tt.confirmed, tt.err
				},
			}
			h := newTestHandler(svc, nil)

			req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/confirm", tt.body), testUserID, testEmail)
			w := httptest.NewRecorder()
			h.Confirm(w, req)

			if tt.wantError != "" {
				AssertErrorResponse(t, w, tt.wantStatus, tt.wantError)
				return
			}
			var resp ConfirmResponse
			AssertJSONResponse(t, w, tt.wantStatus, &resp)
			assert.Equal(t, tt.confirmed, resp.Confirmed)
		})
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		valid      bool
		err        error
		wantStatus int
	}{
		{name: "valid totp", code: "123456", valid: true, wantStatus: http.StatusOK},
		{name: "valid recovery code", code: "ABCDE-FGHJK", valid: true, wantStatus: http.StatusOK},
		{name: "rejected", code: "000000", wantStatus: http.StatusOK},
		{name: "storage failure", code: "123456", err: errStorage, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockTwoFactorService{
				VerifyFunc: func(ctx context.Context, principalID, candidate string) (bool, error) {
					assert.Equal(t, testUserID, principalID)
					assert.Equal(t, tt.code, candidate)
					return tt.valid, tt.err
				},
			}
			h := newTestHandler(svc, nil)

			req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/verify", VerifyRequest{Code: tt.code}), testUserID, testEmail)
			w := httptest.NewRecorder()
			h.Verify(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.err != nil {
				assert.Equal(t, "5", w.Header().Get("Retry-After"))
				assert.NotContains(t, w.Body.String(), "connection refused")
				return
			}
			var resp VerifyResponse
			AssertJSONResponse(t, w, tt.wantStatus, &resp)
			assert.Equal(t, tt.valid, resp.Valid)
		})
	}
}

func TestVerify_NotEnrolledLooksLikeWrongCode(t *testing.T) {
	bodies := make([]string, 0, 2)
	for _, enrolled := range []bool{true, false} {
		svc := &MockTwoFactorService{
			VerifyFunc: func(ctx context.Context, principalID, candidate string) (bool, error) {
				return false, nil
			},
		}
		h := newTestHandler(svc, nil)

		userID := testUserID
		if !enrolled {
			userID = "never-enrolled"
		}
		req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/verify", VerifyRequest{Code: "123456"}), userID, testEmail)
		w := httptest.NewRecorder()
		h.Verify(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		bodies = append(bodies, w.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestVerify_PadsRejectedResponses(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 50})
	svc := &MockTwoFactorService{
		VerifyFunc: func(ctx context.Context, principalID, candidate string) (bool, error) {
			return false, nil
		},
	}
	h := NewTwoFactorHandler(svc, nil, timing, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/verify", VerifyRequest{Code: "000000"}), testUserID, testEmail)
	start := time.Now()
	h.Verify(httptest.NewRecorder(), req)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestVerify_AttachesClientInfo(t *testing.T) {
	var seen context.Context
	svc := &MockTwoFactorService{
		VerifyFunc: func(ctx context.Context, principalID, candidate string) (bool, error) {
			seen = ctx
			return true, nil
		},
	}
	h := newTestHandler(svc, nil)

	req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/verify", VerifyRequest{Code: "123456"}), testUserID, testEmail)
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("User-Agent", "authenticator-test")
	h.Verify(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	info := logger.ClientInfoFrom(seen)
	assert.Equal(t, "203.0.113.7", info.IPAddress)
	assert.Equal(t, "authenticator-test", info.UserAgent)
}

func TestRegenerateRecoveryCodes(t *testing.T) {
	tests := []struct {
		name        string
		principal   interface{}
		regenErr    error
		wantStatus  int
		wantError   string
		wantRegened bool
	}{
		{
			name: "valid current code",
			principal: &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
				return code == "123456", nil
			}},
			wantStatus:  http.StatusOK,
			wantRegened: true,
		},
		{
			name: "wrong current code",
			principal: &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
				return false, nil
			}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthorized",
		},
		{
			name:       "principal without two-factor",
			principal:  struct{}{},
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthorized",
		},
		{
			name: "storage failure during check",
			principal: &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
				return false, errStorage
			}},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "service_unavailable",
		},
		{
			name: "not enrolled",
			principal: &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
				return true, nil
			}},
			regenErr:    models.ErrNotEnrolled,
			wantStatus:  http.StatusNotFound,
			wantError:   "not_found",
			wantRegened: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regenerated := false
			svc := &MockTwoFactorService{
				RegenerateRecoveryCodesFunc: func(ctx context.Context, principalID string) ([]string, error) {
					regenerated = true
					if tt.regenErr != nil {
						return nil, tt.regenErr
					}
					return []string{"ABCDE-FGHJK", "MNPQR-STUVW"}, nil
				},
			}
			h := newTestHandler(svc, tt.principal)

			req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/recovery-codes",
				CodeProtectedRequest{Code: "123456"}), testUserID, testEmail)
			w := httptest.NewRecorder()
			h.RegenerateRecoveryCodes(w, req)

			assert.Equal(t, tt.wantRegened, regenerated)
			if tt.wantError != "" {
				AssertErrorResponse(t, w, tt.wantStatus, tt.wantError)
				return
			}
			var resp RecoveryCodesResponse
			AssertJSONResponse(t, w, tt.wantStatus, &resp)
			assert.Len(t, resp.RecoveryCodes, 2)
		})
	}
}

func TestRegenerateRecoveryCodes_RejectsRecoveryCodeAsAuthorization(t *testing.T) {
	principal := &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
		t.Fatal("recovery codes must not reach the principal")
		return false, nil
	}}
	h := newTestHandler(&MockTwoFactorService{}, principal)

	req := WithAuthContext(NewTestRequest(t, http.MethodPost, "/api/v1/2fa/recovery-codes",
		map[string]string{"code": "ABCDE-FGHJK"}), testUserID, testEmail)
	w := httptest.NewRecorder()
	h.RegenerateRecoveryCodes(w, req)

	AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}

func TestDisable(t *testing.T) {
	principal := &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
		return true, nil
	}}

	t.Run("disabled", func(t *testing.T) {
		var disabled string
		svc := &MockTwoFactorService{
			DisableFunc: func(ctx context.Context, principalID string) error {
				disabled = principalID
				return nil
			},
		}
		h := newTestHandler(svc, principal)

		req := WithAuthContext(NewTestRequest(t, http.MethodDelete, "/api/v1/2fa", CodeProtectedRequest{Code: "123456"}), testUserID, testEmail)
		w := httptest.NewRecorder()
		h.Disable(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, testUserID, disabled)
	})

	t.Run("storage failure", func(t *testing.T) {
		svc := &MockTwoFactorService{
			DisableFunc: func(ctx context.Context, principalID string) error {
				return errStorage
			},
		}
		h := newTestHandler(svc, principal)

		req := WithAuthContext(NewTestRequest(t, http.MethodDelete, "/api/v1/2fa", CodeProtectedRequest{Code: "123456"}), testUserID, testEmail)
		w := httptest.NewRecorder()
		h.Disable(w, req)

		AssertErrorResponse(t, w, http.StatusServiceUnavailable, "service_unavailable")
	})

	t.Run("pending enrollment cancelled without code", func(t *testing.T) {
		var cancelled string
		svc := &MockTwoFactorService{
			StatusFunc: func(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
				return &models.TwoFactorStatus{Enrolled: true}, nil
			},
			CancelPendingFunc: func(ctx context.Context, principalID string) error {
				cancelled = principalID
				return nil
			},
			DisableFunc: func(ctx context.Context, principalID string) error {
				t.Fatal("Disable must not be called for a pending enrollment")
				return nil
			},
		}
		strict := &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
			t.Fatal("a pending enrollment has no code to check")
			return false, nil
		}}
		h := newTestHandler(svc, strict)

		req := WithAuthContext(httptest.NewRequest(http.MethodDelete, "/api/v1/2fa", nil), testUserID, testEmail)
		w := httptest.NewRecorder()
		h.Disable(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, testUserID, cancelled)
	})

	t.Run("confirmed while cancelling", func(t *testing.T) {
		svc := &MockTwoFactorService{
			StatusFunc: func(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
				return &models.TwoFactorStatus{Enrolled: true}, nil
			},
			CancelPendingFunc: func(ctx context.Context, principalID string) error {
				return models.ErrAlreadyEnrolled
			},
		}
		h := newTestHandler(svc, nil)

		req := WithAuthContext(httptest.NewRequest(http.MethodDelete, "/api/v1/2fa", nil), testUserID, testEmail)
		w := httptest.NewRecorder()
		h.Disable(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("enabled enrollment still needs code", func(t *testing.T) {
		svc := &MockTwoFactorService{
			StatusFunc: func(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
				return &models.TwoFactorStatus{Enrolled: true, Enabled: true}, nil
			},
			DisableFunc: func(ctx context.Context, principalID string) error {
				t.Fatal("Disable must not run without a valid code")
				return nil
			},
		}
		rejecting := &MockPrincipal{ValidateTwoFactorCodeFunc: func(ctx context.Context, code string) (bool, error) {
			return false, nil
		}}
		h := newTestHandler(svc, rejecting)

		req := WithAuthContext(NewTestRequest(t, http.MethodDelete, "/api/v1/2fa", CodeProtectedRequest{Code: "123456"}), testUserID, testEmail)
		w := httptest.NewRecorder()
		h.Disable(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("status failure", func(t *testing.T) {
		svc := &MockTwoFactorService{
			StatusFunc: func(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
				return nil, errStorage
			},
		}
		h := newTestHandler(svc, principal)

		req := WithAuthContext(NewTestRequest(t, http.MethodDelete, "/api/v1/2fa", CodeProtectedRequest{Code: "123456"}), testUserID, testEmail)
		w := httptest.NewRecorder()
		h.Disable(w, req)

		AssertErrorResponse(t, w, http.StatusServiceUnavailable, "service_unavailable")
	})
}

func TestStatus(t *testing.T) {
	enabledAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &MockTwoFactorService{
		StatusFunc: func(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
			return &models.TwoFactorStatus{
				Enrolled:               true,
				Enabled:                true,
				Params:                 models.DefaultAlgorithmParams(),
				EnabledAt:              &enabledAt,
				RecoveryCodesRemaining: 7,
			}, nil
		},
	}
	h := newTestHandler(svc, nil)

	req := WithAuthContext(httptest.NewRequest(http.MethodGet, "/api/v1/2fa/status", nil), testUserID, testEmail)
	w := httptest.NewRecorder()
	h.Status(w, req)

	var resp models.TwoFactorStatus
	AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.True(t, resp.Enabled)
	assert.Equal(t, 7, resp.RecoveryCodesRemaining)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestWriteServiceError_UnknownError(t *testing.T) {
	h := newTestHandler(&MockTwoFactorService{}, nil)
	w := httptest.NewRecorder()

	h.writeServiceError(w, testUserID, "status", errors.New("boom"))

	AssertErrorResponse(t, w, http.StatusInternalServerError, "internal_error")
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestHealth(t *testing.T) {
	t.Run("all up", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheckFunc{
			"database": func(ctx context.Context) error { return nil },
		})
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp HealthResponse
		AssertJSONResponse(t, w, http.StatusOK, &resp)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "up", resp.Dependencies["database"])
	})

	t.Run("dependency down", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthCheckFunc{
			"database": func(ctx context.Context) error { return nil },
			"redis":    func(ctx context.Context) error { return errors.New("dial tcp: refused") },
		})
		w := httptest.NewRecorder()
		h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		var resp HealthResponse
		AssertJSONResponse(t, w, http.StatusServiceUnavailable, &resp)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "down", resp.Dependencies["redis"])
		assert.NotContains(t, w.Body.String(), "refused")
	})
}
