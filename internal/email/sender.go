// Package email delivers supplier notifications.
package email

import (
	"context"
	"errors"
	"strings"

	"github.com/jmerrifield20/materialledger/internal/config"
	"go.uber.org/zap"
)

// ErrInvalidHeader is returned when a recipient or subject would inject headers.
var ErrInvalidHeader = errors.New("email header contains a line break")

// Sender delivers plain-text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New returns an SMTPSender when an SMTP host is configured, otherwise a NoopSender.
func New(cfg config.EmailConfig, logger *zap.Logger) Sender {
	if cfg.SMTPHost == "" {
		logger.Info("email sender: noop (set email.smtp_host to enable SMTP)")
		return NewNoopSender(logger)
	}
	logger.Info("SMTP email sender configured", zap.String("host", cfg.SMTPHost))
	return NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.FromAddress)
}

func validateHeaders(values ...string) error {
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return ErrInvalidHeader
		}
	}
	return nil
}
