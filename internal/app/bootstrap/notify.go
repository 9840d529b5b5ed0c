package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/visa-scheduler/internal/config"
	"github.com/wolfman30/visa-scheduler/internal/notify"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// BuildEmailSender picks SendGrid, then SES, then a logging stub.
func BuildEmailSender(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (notify.EmailSender, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		logger.Info("email provider configured", "provider", "sendgrid")
		return sg, nil
	}

	if cfg.SESFromEmail != "" {
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		ses := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{FromEmail: cfg.SESFromEmail}, logger)
		logger.Info("email provider configured", "provider", "ses")
		return ses, nil
	}

	if cfg.NotifyEmail != "" {
		logger.Warn("NOTIFY_EMAIL set but no email provider configured; notifications will only be logged")
	}
	return notify.NewStubEmailSender(logger), nil
}

// BuildBookingNotifier wires the booking notifier for NOTIFY_EMAIL.
func BuildBookingNotifier(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*notify.BookingNotifier, error) {
	sender, err := BuildEmailSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return notify.NewBookingNotifier(sender, cfg.NotifyEmail, logger), nil
}
