package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/totpguard/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SecurityEventType names a change to a principal's second factor
type SecurityEventType string

const (
	SecurityEventEnabled          SecurityEventType = "two_factor_enabled"
	SecurityEventDisabled         SecurityEventType = "two_factor_disabled"
	SecurityEventRecoveryCodeUsed SecurityEventType = "recovery_code_used"
	SecurityEventCodesRegenerated SecurityEventType = "recovery_codes_regenerated"
)

// SecurityEvent is sent to the account owner after a two-factor change
type SecurityEvent struct {
	Type           SecurityEventType
	PrincipalID    string
	Recipient      string
	OccurredAt     time.Time
	CodesRemaining int
}

// Notifier delivers security notifications
type Notifier interface {
	NotifySecurityEvent(ctx context.Context, event SecurityEvent) error
}

// NoopNotifier discards notifications
type NoopNotifier struct{}

func (NoopNotifier) NotifySecurityEvent(context.Context, SecurityEvent) error { return nil }

// sesAPI is the subset of the SES client used for sending
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier sends security notifications using AWS SES
type SESNotifier struct {
	client      sesAPI
	fromAddress string
	issuer      string
	logger      *slog.Logger
}

// NewSESNotifier creates a notifier backed by the default AWS credential chain
func NewSESNotifier(ctx context.Context, region, fromAddress, issuer string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSESNotifier(ses.NewFromConfig(cfg), fromAddress, issuer, logger), nil
}

func newSESNotifier(client sesAPI, fromAddress, issuer string, logger *slog.Logger) *SESNotifier {
	return &SESNotifier{
		client:      client,
		fromAddress: fromAddress,
		issuer:      issuer,
		logger:      logger,
	}
}

// NotifySecurityEvent e-mails the account owner
func (n *SESNotifier) NotifySecurityEvent(ctx context.Context, event SecurityEvent) error {
	if event.Recipient == "" {
		return nil
	}

	subject, body := n.render(event)

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{event.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body)},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send security notification via SES",
			slog.String("email", logger.SanitizedEmail(event.Recipient)),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("security notification sent",
		slog.String("email", logger.SanitizedEmail(event.Recipient)),
		slog.String("event", string(event.Type)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

func (n *SESNotifier) render(event SecurityEvent) (string, string) {
	when := event.OccurredAt.UTC().Format(time.RFC1123)
	footer := "\n\nIf this was not you, secure your account immediately.\n" +
		"This is an automated message. Please do not reply to this email.\n"

	switch event.Type {
	case SecurityEventEnabled:
		return fmt.Sprintf("%s: two-factor authentication enabled", n.issuer),
			fmt.Sprintf("Two-factor authentication was enabled on your %s account at %s.", n.issuer, when) + footer
	case SecurityEventDisabled:
		return fmt.Sprintf("%s: two-factor authentication disabled", n.issuer),
			fmt.Sprintf("Two-factor authentication was disabled on your %s account at %s.", n.issuer, when) + footer
	case SecurityEventRecoveryCodeUsed:
		return fmt.Sprintf("%s: recovery code used", n.issuer),
			fmt.Sprintf("A recovery code was used to sign in to your %s account at %s. %d recovery codes remain.",
				n.issuer, when, event.CodesRemaining) + footer
	case SecurityEventCodesRegenerated:
		return fmt.Sprintf("%s: new recovery codes generated", n.issuer),
			fmt.Sprintf("New recovery codes were generated for your %s account at %s. Previous codes no longer work.",
				n.issuer, when) + footer
	default:
		return fmt.Sprintf("%s: security notice", n.issuer),
			fmt.Sprintf("A security setting changed on your %s account at %s.", n.issuer, when) + footer
	}
}
