package certverify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMail struct {
	to, subject, body string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (r *recordingSender) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMail{to, subject, body})
	return r.err
}

// authority serves certificates from a fixed table; unknown numbers are 404.
func authority(t *testing.T, certs map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		number := strings.TrimPrefix(r.URL.Path, "/certificates/")
		status, ok := certs[number]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if status == "boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"certificate_number":"` + number + `","status":"` + status + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, baseURL string, mailer *recordingSender) (*Service, *eventledger.Ledger) {
	t.Helper()
	ledger := eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())
	cfg := config.CertVerifyConfig{
		Timeout: 2 * time.Second,
		Providers: map[string]config.ProviderConfig{
			"fsc": {BaseURL: baseURL},
		},
	}
	return NewService(context.Background(), ledger, cfg, mailer, zap.NewNop()), ledger
}

func TestVerify_ValidCertificate(t *testing.T) {
	srv := authority(t, map[string]string{"FSC-C012345": "valid"})
	mailer := &recordingSender{}
	svc, ledger := newService(t, srv.URL, mailer)
	ctx := context.Background()
	certID, supplierID := uuid.New(), uuid.New()

	out, err := svc.Verify(ctx, Request{
		CertificationID:   certID,
		SupplierID:        supplierID,
		CertificateNumber: "FSC-C012345",
		Provider:          "fsc",
		NotifyEmail:       "ops@timber.example",
	}, eventledger.Origin{ActorID: "auditor-1"})
	require.NoError(t, err)

	assert.Equal(t, eventledger.StatusVerified, out.Status)
	require.NotNil(t, out.Event)
	assert.Equal(t, eventledger.EventAPIVerified, out.Event.EventType)
	assert.Equal(t, "fsc", out.Event.VerificationSource)
	assert.Equal(t, supplierID, out.Event.SupplierID)
	require.NotNil(t, out.Record)
	assert.Equal(t, srv.URL+"/certificates/FSC-C012345", out.Record.APIEndpoint)

	recs, err := ledger.VerificationRecords(ctx, "certification", certID.String())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, eventledger.StatusVerified, recs[0].VerificationStatus)

	valid, err := ledger.VerifyCertificationEventChain(ctx, certID)
	require.NoError(t, err)
	assert.True(t, valid)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ops@timber.example", mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].body, out.Event.EventHash)
}

func TestVerify_RevokedAndUnknownCertificatesFail(t *testing.T) {
	srv := authority(t, map[string]string{"PEFC-9": "revoked"})
	svc, _ := newService(t, srv.URL, &recordingSender{})

	var alerts []map[string]any
	svc.SetWebhookDispatch(func(_ context.Context, eventType string, payload map[string]any) {
		assert.Equal(t, "certification.verification_failed", eventType)
		alerts = append(alerts, payload)
	})

	for _, number := range []string{"PEFC-9", "NOPE-1"} {
		out, err := svc.Verify(context.Background(), Request{
			CertificationID:   uuid.New(),
			CertificateNumber: number,
			Provider:          "fsc",
		}, eventledger.Origin{})
		require.NoError(t, err)
		assert.Equal(t, eventledger.StatusFailed, out.Status, number)
		require.NotNil(t, out.Event)
		assert.Equal(t, eventledger.EventVerificationFailed, out.Event.EventType)
	}
	assert.Len(t, alerts, 2)
}

func TestVerify_ProviderErrorAppendsNoEvent(t *testing.T) {
	srv := authority(t, map[string]string{"X-1": "boom"})
	mailer := &recordingSender{}
	svc, ledger := newService(t, srv.URL, mailer)
	certID := uuid.New()

	out, err := svc.Verify(context.Background(), Request{
		CertificationID:   certID,
		CertificateNumber: "X-1",
		Provider:          "fsc",
		NotifyEmail:       "ops@timber.example",
	}, eventledger.Origin{})
	require.NoError(t, err)
	assert.Equal(t, eventledger.StatusError, out.Status)
	assert.Nil(t, out.Event)
	assert.Contains(t, out.Detail, "502")

	events, err := ledger.Events(context.Background(), eventledger.CertificationPartition(certID))
	require.NoError(t, err)
	assert.Empty(t, events)

	recs, err := ledger.VerificationRecords(context.Background(), "certification", certID.String())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, eventledger.StatusError, recs[0].VerificationStatus)
	assert.Empty(t, mailer.sent)
}

func TestVerify_EmailFailureIsNotFatal(t *testing.T) {
	srv := authority(t, map[string]string{"FSC-1": "active"})
	mailer := &recordingSender{err: errors.New("smtp down")}
	svc, _ := newService(t, srv.URL, mailer)

	out, err := svc.Verify(context.Background(), Request{
		CertificationID:   uuid.New(),
		CertificateNumber: "FSC-1",
		Provider:          "fsc",
		NotifyEmail:       "ops@timber.example",
	}, eventledger.Origin{})
	require.NoError(t, err)
	assert.Equal(t, eventledger.StatusVerified, out.Status)
	assert.Len(t, mailer.sent, 1)
}

func TestVerify_RejectsBadRequests(t *testing.T) {
	svc, _ := newService(t, "http://127.0.0.1:1", &recordingSender{})

	_, err := svc.Verify(context.Background(), Request{CertificateNumber: "A", Provider: "fsc"}, eventledger.Origin{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Verify(context.Background(), Request{CertificationID: uuid.New(), CertificateNumber: "A", Provider: "nope"}, eventledger.Origin{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

// failingLedger logs verifications but cannot append.
type failingLedger struct {
	*eventledger.Ledger
}

func (failingLedger) AppendCertificationEvent(context.Context, uuid.UUID, uuid.UUID, string, json.RawMessage, string, eventledger.Origin) (*eventledger.Event, error) {
	return nil, eventledger.ErrConcurrentAppend
}

func TestVerify_AppendFailureIsReturned(t *testing.T) {
	srv := authority(t, map[string]string{"FSC-1": "valid"})
	ledger := failingLedger{eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())}
	provider := NewHTTPProvider(context.Background(), "fsc", config.ProviderConfig{BaseURL: srv.URL}, time.Second)
	svc := NewServiceWithProviders(ledger, nil, zap.NewNop(), provider)

	_, err := svc.Verify(context.Background(), Request{
		CertificationID:   uuid.New(),
		CertificateNumber: "FSC-1",
		Provider:          "fsc",
	}, eventledger.Origin{})
	assert.ErrorIs(t, err, eventledger.ErrConcurrentAppend)
}

func TestHTTPProvider_UsesClientCredentials(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/certificates/", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"valid"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewHTTPProvider(context.Background(), "pefc", config.ProviderConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "client",
		ClientSecret: "secret",
		RateLimitRPS: 50,
	}, time.Second)

	res := p.Lookup(context.Background(), "PEFC/01-23")
	require.NoError(t, res.Err)
	assert.Equal(t, eventledger.StatusVerified, res.Status)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, []string{"pefc"}, NewServiceWithProviders(nil, nil, zap.NewNop(), p).Providers())
}
