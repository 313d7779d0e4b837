package logger

import (
	"context"
	"log/slog"
	"time"
)

// Two-factor audit event types
const (
	EventTwoFactorVerify     = "2fa_verify"
	EventTwoFactorConfirm    = "2fa_confirm"
	EventTwoFactorEnroll     = "2fa_enroll"
	EventTwoFactorDisable    = "2fa_disable"
	EventRecoveryCodesReset  = "2fa_recovery_codes_regenerated"
	EventPendingEnrollPurged = "2fa_pending_purged"
)

// Verification methods recorded on audit events
const (
	MethodTOTP         = "totp"
	MethodRecoveryCode = "recovery_code"
)

// Failure reasons recorded on rejected verifications. They never leave the
// audit log; callers only see a boolean.
const (
	ReasonNotEnrolled    = "not_enrolled"
	ReasonNotConfirmed   = "not_confirmed"
	ReasonMalformed      = "malformed_input"
	ReasonInvalidCode    = "invalid_code"
	ReasonReplay         = "replay_detected"
	ReasonStorageFailure = "storage_failure"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	PrincipalID   string
	Method        string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

type clientKey struct{}

// ClientInfo identifies the caller behind an audited operation
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// WithClientInfo attaches caller details to ctx for audit records
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, info)
}

// ClientInfoFrom returns the caller details stored by WithClientInfo
func ClientInfoFrom(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(clientKey{}).(ClientInfo)
	return info
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogTwoFactorAttempt records a verification or confirmation outcome
func (al *AuditLogger) LogTwoFactorAttempt(ctx context.Context, event AuditEvent) {
	if al == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "2fa"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.PrincipalID != "" {
		attrs = append(attrs, slog.String("principal_id", event.PrincipalID))
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", event.Method))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}
	attrs = appendClient(ctx, attrs)

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogAccountAction logs enrollment lifecycle changes
func (al *AuditLogger) LogAccountAction(ctx context.Context, eventType, principalID string, metadata map[string]string) {
	if al == nil {
		return
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "account"),
		slog.String("event_type", eventType),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if principalID != "" {
		attrs = append(attrs, slog.String("principal_id", principalID))
	}
	attrs = appendClient(ctx, attrs)

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

func appendClient(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	info := ClientInfoFrom(ctx)
	if info.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", info.IPAddress))
	}
	if info.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", info.UserAgent))
	}
	return attrs
}
