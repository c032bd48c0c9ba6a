package email

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs emails to zap instead of delivering them.
// Use in development or when SMTP is not configured.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender backed by the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the recipient and subject and returns nil. The body is omitted
// because supplier notices can carry certificate details.
func (n *NoopSender) Send(_ context.Context, to, subject, _ string) error {
	if err := validateHeaders(to, subject); err != nil {
		return err
	}
	n.logger.Info("email not sent (noop sender)",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}
