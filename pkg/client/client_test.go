package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/api"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "sdk-test-secret"

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ledger := eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())
	router := api.NewRouter(config.ServerConfig{JWTSecret: secret}, api.Deps{Ledger: ledger}, zap.NewNop())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "supplier-portal",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := client.New("not a url")
	assert.Error(t, err)
}

func TestClient_SupplyChainRoundTrip(t *testing.T) {
	srv := startServer(t)
	c, err := client.New(srv.URL, client.WithBearerToken(token(t)))
	require.NoError(t, err)
	ctx := context.Background()
	productID := uuid.New()

	first, err := c.AppendSupplyChainEvent(ctx, productID, client.AppendRequest{
		EventType:   eventledger.EventHarvested,
		EventData:   json.RawMessage(`{"kg":800}`),
		BatchNumber: "LOT 7/A",
		Geolocation: &eventledger.Geolocation{Latitude: 6.5, Longitude: 3.4},
	})
	require.NoError(t, err)
	assert.Equal(t, "supplier-portal", first.ActorID)

	second, err := c.AppendSupplyChainEvent(ctx, productID, client.AppendRequest{
		EventType:   eventledger.EventShipped,
		BatchNumber: "LOT 7/A",
	})
	require.NoError(t, err)
	require.NotNil(t, second.PreviousEventHash)
	assert.Equal(t, first.EventHash, *second.PreviousEventHash)

	p := eventledger.SupplyChainPartition(productID, "LOT 7/A")
	events, err := c.Events(ctx, p)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, p, events[0].Partition)

	res, err := c.VerifyChain(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, second.EventHash, res.TipHash)

	keys, err := c.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{p.Key()}, keys)
}

func TestClient_SupplyChainWithoutBatch(t *testing.T) {
	srv := startServer(t)
	c, err := client.New(srv.URL, client.WithBearerToken(token(t)))
	require.NoError(t, err)
	ctx := context.Background()
	productID := uuid.New()

	ev, err := c.AppendSupplyChainEvent(ctx, productID, client.AppendRequest{EventType: eventledger.EventReceived})
	require.NoError(t, err)
	assert.Empty(t, ev.Partition.BatchNumber)

	p := eventledger.SupplyChainPartition(productID, "")
	events, err := c.Events(ctx, p)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.EventHash, events[0].EventHash)

	res, err := c.VerifyChain(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.Checked)
}

func TestClient_Verifications(t *testing.T) {
	srv := startServer(t)
	c, err := client.New(srv.URL, client.WithBearerToken(token(t)))
	require.NoError(t, err)
	ctx := context.Background()
	certID := uuid.NewString()

	rec, err := c.LogVerification(ctx, client.LogVerificationRequest{
		EntityType:      "certification",
		EntityID:        certID,
		APIProvider:     "pefc",
		ResponsePayload: json.RawMessage(`{"status":"valid"}`),
		Status:          eventledger.StatusVerified,
	})
	require.NoError(t, err)

	recs, err := c.Verifications(ctx, "certification", certID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Intact)
	assert.Equal(t, rec.RecordHash, recs[0].RecordHash)
}

func TestClient_Errors(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	anon, err := client.New(srv.URL)
	require.NoError(t, err)
	_, err = anon.AppendProductEvent(ctx, uuid.New(), client.AppendRequest{EventType: "CREATED"})
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	authed, err := client.New(srv.URL, client.WithBearerToken(token(t)))
	require.NoError(t, err)
	_, err = authed.AppendProductEvent(ctx, uuid.New(), client.AppendRequest{
		EventType: strings.Repeat("X", 65),
	})
	assert.ErrorIs(t, err, client.ErrBadRequest)

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
}
