package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/BradenHooton/totpguard/internal/otp"
	"github.com/BradenHooton/totpguard/internal/recovery"
	"github.com/BradenHooton/totpguard/internal/replay"
	"github.com/BradenHooton/totpguard/internal/repositories"
	"github.com/BradenHooton/totpguard/pkg/logger"
)

// TwoFactorConfig holds two-factor configuration
type TwoFactorConfig struct {
	Issuer            string
	Params            models.AlgorithmParams
	WindowSteps       int
	SecretSize        int
	RecoveryCodeCount int
	RecoveryHashCost  int
	StoreTimeout      time.Duration
}

// DefaultTwoFactorConfig returns RFC 6238 defaults with one step of drift
func DefaultTwoFactorConfig() TwoFactorConfig {
	return TwoFactorConfig{
		Issuer:            "totpguard",
		Params:            models.DefaultAlgorithmParams(),
		WindowSteps:       otp.DefaultWindowSteps,
		SecretSize:        otp.DefaultSecretSize,
		RecoveryCodeCount: recovery.DefaultCount,
		RecoveryHashCost:  recovery.DefaultHashCost,
		StoreTimeout:      DefaultStoreTimeout,
	}
}

// TwoFactorService verifies second-factor codes and manages enrollments
type TwoFactorService struct {
	store    *boundedStore
	guard    replay.Guard
	recovery *recovery.Manager
	clock    otp.Clock
	locks    *keyedLock
	notifier Notifier
	audit    *logger.AuditLogger
	logger   *slog.Logger
	config   TwoFactorConfig
}

// NewTwoFactorService creates a new two-factor service
func NewTwoFactorService(
	store repositories.SecretStore,
	guard replay.Guard,
	clock otp.Clock,
	notifier Notifier,
	audit *logger.AuditLogger,
	logger *slog.Logger,
	config TwoFactorConfig,
) *TwoFactorService {
	if clock == nil {
		clock = otp.SystemClock{}
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if config.WindowSteps < 0 {
		config.WindowSteps = otp.DefaultWindowSteps
	}
	if config.SecretSize == 0 {
		config.SecretSize = otp.DefaultSecretSize
	}
	if config.RecoveryCodeCount <= 0 {
		config.RecoveryCodeCount = recovery.DefaultCount
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}

	bounded := newBoundedStore(store, config.StoreTimeout)
	return &TwoFactorService{
		store:    bounded,
		guard:    guard,
		recovery: recovery.NewManager(bounded, config.RecoveryHashCost),
		clock:    clock,
		locks:    newKeyedLock(),
		notifier: notifier,
		audit:    audit,
		logger:   logger,
		config:   config,
	}
}

// lock acquires the per-principal lock, waiting at most StoreTimeout
func (s *TwoFactorService) lock(ctx context.Context, principalID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(lockCtx, principalID)
	if err != nil {
		return nil, storageFailure("acquire principal lock", err)
	}
	return unlock, nil
}

// Verify reports whether candidate is a valid second factor for principalID.
// A rejected code, a replayed code, malformed input and a missing enrollment
// all return (false, nil); only storage failures return an error, and those
// satisfy errors.Is(err, models.ErrStorageFailure).
func (s *TwoFactorService) Verify(ctx context.Context, principalID, candidate string) (bool, error) {
	unlock, err := s.lock(ctx, principalID)
	if err != nil {
		s.auditAttempt(ctx, logger.EventTwoFactorVerify, principalID, "", false, logger.ReasonStorageFailure)
		return false, err
	}

	ok, method, reason, event, err := s.verifyLocked(ctx, principalID, candidate)
	unlock()

	if err != nil {
		s.logger.Error("two-factor verification failed",
			slog.String("principal_id", principalID),
			slog.Any("error", err))
	}
	s.auditAttempt(ctx, logger.EventTwoFactorVerify, principalID, method, ok, reason)
	if event != nil {
		s.notify(ctx, *event)
	}
	return ok, err
}

func (s *TwoFactorService) verifyLocked(ctx context.Context, principalID, candidate string) (
	bool, string, string, *SecurityEvent, error,
) {
	enrollment, err := s.store.Load(ctx, principalID)
	if errors.Is(err, models.ErrNotEnrolled) {
		return false, "", logger.ReasonNotEnrolled, nil, nil
	}
	if err != nil {
		return false, "", logger.ReasonStorageFailure, nil, err
	}
	if !enrollment.IsEnabled() {
		return false, "", logger.ReasonNotConfirmed, nil, nil
	}
	if err := enrollment.Params.Validate(); err != nil {
		return false, "", logger.ReasonStorageFailure, nil, storageFailure("stored enrollment", err)
	}

	if recovery.LooksLikeCode(candidate) {
		consumed, err := s.recovery.Consume(ctx, principalID, candidate)
		if err != nil {
			return false, logger.MethodRecoveryCode, logger.ReasonStorageFailure, nil, storageFailure("recovery code", err)
		}
		if !consumed {
			return false, logger.MethodRecoveryCode, logger.ReasonInvalidCode, nil, nil
		}
		return true, logger.MethodRecoveryCode, "", s.recoveryUsedEvent(ctx, enrollment), nil
	}

	if !otp.WellFormed(candidate, enrollment.Params.Digits) {
		return false, "", logger.ReasonMalformed, nil, nil
	}

	accepted, reason, err := s.checkTOTP(ctx, enrollment, candidate)
	return accepted, logger.MethodTOTP, reason, nil, err
}

// checkTOTP matches candidate in the drift window and claims the matched counter
func (s *TwoFactorService) checkTOTP(ctx context.Context, enrollment *models.Enrollment, candidate string) (bool, string, error) {
	counter, ok := otp.IsValid(enrollment.Secret, enrollment.Params, candidate, s.clock.NowSeconds(), s.config.WindowSteps)
	if !ok {
		return false, logger.ReasonInvalidCode, nil
	}

	guardCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	accepted, err := s.guard.Accept(guardCtx, enrollment.PrincipalID, counter)
	if err != nil {
		return false, logger.ReasonStorageFailure, storageFailure("replay guard", err)
	}
	if !accepted {
		return false, logger.ReasonReplay, nil
	}
	return true, "", nil
}

func (s *TwoFactorService) recoveryUsedEvent(ctx context.Context, enrollment *models.Enrollment) *SecurityEvent {
	event := &SecurityEvent{
		Type:        SecurityEventRecoveryCodeUsed,
		PrincipalID: enrollment.PrincipalID,
		Recipient:   enrollment.AccountName,
		OccurredAt:  time.Now(),
	}
	if codes, err := s.store.LoadRecoveryCodes(ctx, enrollment.PrincipalID); err == nil {
		event.CodesRemaining = recovery.CountUnused(codes)
	}
	return event
}

// Enroll creates a pending enrollment and returns the provisioning data.
// The secret and recovery codes are only ever returned here.
func (s *TwoFactorService) Enroll(ctx context.Context, principalID, accountName string) (*models.Provisioning, error) {
	unlock, err := s.lock(ctx, principalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.Load(ctx, principalID)
	switch {
	case err == nil && existing.IsEnabled():
		return nil, models.ErrAlreadyEnrolled
	case err != nil && !errors.Is(err, models.ErrNotEnrolled):
		return nil, err
	}

	key, err := otp.GenerateKey(s.config.Issuer, accountName, s.config.Params, s.config.SecretSize)
	if err != nil {
		s.logger.Error("failed to generate TOTP key", slog.Any("error", err))
		return nil, fmt.Errorf("%w: generate key: %w", models.ErrInternalServer, err)
	}

	codes, records, err := s.newRecoveryCodes()
	if err != nil {
		return nil, err
	}

	// The new secret must not inherit the previous secret's consumed counter
	if err := s.forget(ctx, principalID); err != nil {
		s.logger.Error("failed to reset replay state",
			slog.String("principal_id", principalID),
			slog.Any("error", err))
		return nil, err
	}

	enrollment := &models.Enrollment{
		PrincipalID: principalID,
		AccountName: accountName,
		Secret:      key.Secret,
		Params:      s.config.Params,
	}
	if err := s.store.Create(ctx, enrollment, records); err != nil {
		return nil, err
	}

	s.audit.LogAccountAction(ctx, logger.EventTwoFactorEnroll, principalID, map[string]string{
		"algorithm": string(s.config.Params.Algorithm),
	})
	s.logger.Info("two-factor enrollment started", slog.String("principal_id", principalID))

	return &models.Provisioning{
		Secret:        key.Encoded,
		URI:           key.URI,
		QRCode:        key.QRCodeURL,
		RecoveryCodes: codes,
		Params:        s.config.Params,
	}, nil
}

// Confirm checks a code against a pending enrollment and enables it
func (s *TwoFactorService) Confirm(ctx context.Context, principalID, code string) (bool, error) {
	unlock, err := s.lock(ctx, principalID)
	if err != nil {
		return false, err
	}

	enrollment, reason, err := s.confirmLocked(ctx, principalID, code)
	unlock()

	ok := enrollment != nil
	s.auditAttempt(ctx, logger.EventTwoFactorConfirm, principalID, logger.MethodTOTP, ok, reason)
	if ok {
		s.notify(ctx, SecurityEvent{
			Type:        SecurityEventEnabled,
			PrincipalID: principalID,
			Recipient:   enrollment.AccountName,
			OccurredAt:  time.Now(),
		})
	}
	return ok, err
}

// confirmLocked returns the activated enrollment, or nil with the reason it was not
func (s *TwoFactorService) confirmLocked(ctx context.Context, principalID, code string) (*models.Enrollment, string, error) {
	enrollment, err := s.store.Load(ctx, principalID)
	if err != nil {
		if errors.Is(err, models.ErrNotEnrolled) {
			return nil, logger.ReasonNotEnrolled, err
		}
		return nil, logger.ReasonStorageFailure, err
	}
	if enrollment.IsEnabled() {
		return nil, "", models.ErrAlreadyEnrolled
	}
	if !otp.WellFormed(code, enrollment.Params.Digits) {
		return nil, logger.ReasonMalformed, nil
	}

	accepted, reason, err := s.checkTOTP(ctx, enrollment, code)
	if !accepted || err != nil {
		return nil, reason, err
	}

	if err := s.store.Activate(ctx, principalID); err != nil {
		return nil, logger.ReasonStorageFailure, err
	}
	s.logger.Info("two-factor enabled", slog.String("principal_id", principalID))
	return enrollment, "", nil
}

// CancelPending removes an enrollment that was never confirmed. It returns
// models.ErrAlreadyEnrolled once the enrollment is enabled, since that
// requires Disable and a current code.
func (s *TwoFactorService) CancelPending(ctx context.Context, principalID string) error {
	unlock, err := s.lock(ctx, principalID)
	if err != nil {
		return err
	}
	defer unlock()

	enrollment, err := s.store.Load(ctx, principalID)
	if err != nil {
		return err
	}
	if enrollment.IsEnabled() {
		return models.ErrAlreadyEnrolled
	}
	if err := s.store.Delete(ctx, principalID); err != nil {
		return err
	}

	s.audit.LogAccountAction(ctx, logger.EventTwoFactorDisable, principalID, map[string]string{
		"pending": "true",
	})
	s.logger.Info("pending two-factor enrollment cancelled", slog.String("principal_id", principalID))
	return nil
}

// Disable removes the enrollment and its recovery codes
func (s *TwoFactorService) Disable(ctx context.Context, principalID string) error {
	unlock, err := s.lock(ctx, principalID)
	if err != nil {
		return err
	}

	enrollment, err := s.store.Load(ctx, principalID)
	if err == nil {
		err = s.store.Delete(ctx, principalID)
	}
	if err == nil {
		// Enroll resets again before storing a new secret
		if ferr := s.forget(ctx, principalID); ferr != nil {
			s.logger.Warn("failed to reset replay state",
				slog.String("principal_id", principalID),
				slog.Any("error", ferr))
		}
	}
	unlock()

	if err != nil {
		return err
	}

	s.audit.LogAccountAction(ctx, logger.EventTwoFactorDisable, principalID, nil)
	s.logger.Info("two-factor disabled", slog.String("principal_id", principalID))
	if enrollment.IsEnabled() {
		s.notify(ctx, SecurityEvent{
			Type:        SecurityEventDisabled,
			PrincipalID: principalID,
			Recipient:   enrollment.AccountName,
			OccurredAt:  time.Now(),
		})
	}
	return nil
}

// RegenerateRecoveryCodes replaces the recovery code set of an enabled enrollment
func (s *TwoFactorService) RegenerateRecoveryCodes(ctx context.Context, principalID string) ([]string, error) {
	unlock, err := s.lock(ctx, principalID)
	if err != nil {
		return nil, err
	}

	enrollment, err := s.store.Load(ctx, principalID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !enrollment.IsEnabled() {
		unlock()
		return nil, models.ErrNotEnrolled
	}

	codes, records, err := s.newRecoveryCodes()
	if err == nil {
		err = s.store.ReplaceRecoveryCodes(ctx, principalID, records)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	s.audit.LogAccountAction(ctx, logger.EventRecoveryCodesReset, principalID, nil)
	s.notify(ctx, SecurityEvent{
		Type:        SecurityEventCodesRegenerated,
		PrincipalID: principalID,
		Recipient:   enrollment.AccountName,
		OccurredAt:  time.Now(),
	})
	return codes, nil
}

// Status reports the enrollment state without exposing the secret
func (s *TwoFactorService) Status(ctx context.Context, principalID string) (*models.TwoFactorStatus, error) {
	enrollment, err := s.store.Load(ctx, principalID)
	if errors.Is(err, models.ErrNotEnrolled) {
		return &models.TwoFactorStatus{Enrolled: false}, nil
	}
	if err != nil {
		return nil, err
	}

	codes, err := s.store.LoadRecoveryCodes(ctx, principalID)
	if err != nil {
		return nil, err
	}

	createdAt := enrollment.CreatedAt
	return &models.TwoFactorStatus{
		Enrolled:               true,
		Enabled:                enrollment.IsEnabled(),
		Params:                 enrollment.Params,
		CreatedAt:              &createdAt,
		EnabledAt:              enrollment.EnabledAt,
		RecoveryCodesRemaining: recovery.CountUnused(codes),
	}, nil
}

// PurgeStalePending deletes unconfirmed enrollments created before the cutoff
func (s *TwoFactorService) PurgeStalePending(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.DeleteStalePending(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.audit.LogAccountAction(ctx, logger.EventPendingEnrollPurged, "", map[string]string{
			"count": fmt.Sprintf("%d", n),
		})
	}
	return n, nil
}

// TwoFactorPrincipal adapts one principal to the code-validation capability
type TwoFactorPrincipal struct {
	ID      string
	service *TwoFactorService
}

// Principal returns the two-factor capability for principalID
func (s *TwoFactorService) Principal(principalID string) *TwoFactorPrincipal {
	return &TwoFactorPrincipal{ID: principalID, service: s}
}

// ValidateTwoFactorCode verifies code for this principal
func (p *TwoFactorPrincipal) ValidateTwoFactorCode(ctx context.Context, code string) (bool, error) {
	return p.service.Verify(ctx, p.ID, code)
}

func (s *TwoFactorService) newRecoveryCodes() ([]string, []models.RecoveryCode, error) {
	codes, err := s.recovery.Generate(s.config.RecoveryCodeCount)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate recovery codes: %w", models.ErrInternalServer, err)
	}
	records, err := s.recovery.Hash(codes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: hash recovery codes: %w", models.ErrInternalServer, err)
	}
	return codes, records, nil
}

func (s *TwoFactorService) forget(ctx context.Context, principalID string) error {
	f, ok := s.guard.(replay.Forgetter)
	if !ok {
		return nil
	}
	forgetCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	if err := f.Forget(forgetCtx, principalID); err != nil {
		return storageFailure("reset replay state", err)
	}
	return nil
}

// notify never fails the operation that triggered it
func (s *TwoFactorService) notify(ctx context.Context, event SecurityEvent) {
	if err := s.notifier.NotifySecurityEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("security notification not delivered",
			slog.String("principal_id", event.PrincipalID),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
	}
}

func (s *TwoFactorService) auditAttempt(ctx context.Context, eventType, principalID, method string, success bool, reason string) {
	s.audit.LogTwoFactorAttempt(ctx, logger.AuditEvent{
		EventType:     eventType,
		PrincipalID:   principalID,
		Method:        method,
		Success:       success,
		FailureReason: reason,
	})
}
