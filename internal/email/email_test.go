package email_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/email"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNew_NoopWithoutHost(t *testing.T) {
	s := email.New(config.EmailConfig{}, zap.NewNop())
	assert.IsType(t, &email.NoopSender{}, s)
	assert.NoError(t, s.Send(context.Background(), "ops@example.com", "hi", "body"))
}

func TestNew_SMTPWithHost(t *testing.T) {
	s := email.New(config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587}, zap.NewNop())
	assert.IsType(t, &email.SMTPSender{}, s)
}

func TestSend_RejectsHeaderInjection(t *testing.T) {
	ctx := context.Background()
	noop := email.NewNoopSender(zap.NewNop())
	assert.ErrorIs(t, noop.Send(ctx, "a@example.com\r\nBcc: x@example.com", "s", "b"), email.ErrInvalidHeader)

	smtp := email.NewSMTPSender("127.0.0.1", 1, "", "", "from@example.com")
	assert.ErrorIs(t, smtp.Send(ctx, "a@example.com", "subject\nBcc: x", "b"), email.ErrInvalidHeader)
}

func TestVerificationNotice(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	ok := email.VerificationNotice{
		SupplierName:      "Acme Timber",
		CertificateNumber: "FSC-C000001",
		Provider:          "fsc",
		Verified:          true,
		CheckedAt:         at,
		EventHash:         strings.Repeat("a", 64),
	}
	assert.Equal(t, "Certificate FSC-C000001 verified", ok.Subject())
	assert.Contains(t, ok.Body(), "Hello Acme Timber")
	assert.Contains(t, ok.Body(), "confirmed as valid by FSC")
	assert.Contains(t, ok.Body(), "Ledger reference: "+strings.Repeat("a", 64))

	failed := ok
	failed.Verified = false
	failed.SupplierName = ""
	assert.Equal(t, "Certificate FSC-C000001 could not be verified", failed.Subject())
	assert.Contains(t, failed.Body(), "Hello supplier")
	assert.Contains(t, failed.Body(), "FSC could not confirm certificate FSC-C000001")
}
