package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/api"
	"github.com/jmerrifield20/materialledger/internal/auditor"
	"github.com/jmerrifield20/materialledger/internal/certverify"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-signing-secret"

func setupRouter(t *testing.T, server config.ServerConfig, deps api.Deps) (*gin.Engine, *eventledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Ledger == nil {
		deps.Ledger = eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())
	}
	return api.NewRouter(server, deps, zap.NewNop()), deps.Ledger
}

func do(t *testing.T, r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestHealthz(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})
	w := do(t, r, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestProductEvents_AppendListVerify(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})
	productID := uuid.New()

	w := do(t, r, http.MethodPost, "/api/v1/products/"+productID.String()+"/events",
		map[string]any{"event_type": "CREATED", "event_data": map[string]any{"name": "Bamboo Flooring", "price": 45.99}}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Nil(t, first["previous_event_hash"])
	assert.Len(t, first["event_hash"], 64)

	w = do(t, r, http.MethodPost, "/api/v1/products/"+productID.String()+"/events",
		map[string]any{"event_type": "CERTIFIED", "event_data": map[string]any{"cert": "FSC"}}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	second := decode(t, w)
	assert.Equal(t, first["event_hash"], second["previous_event_hash"])

	w = do(t, r, http.MethodGet, "/api/v1/ledger/product/"+productID.String()+"/events", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]any)
	assert.Len(t, events, 2)

	w = do(t, r, http.MethodGet, "/api/v1/ledger/product/"+productID.String()+"/verify", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, true, res["valid"])
	assert.Equal(t, float64(2), res["checked"])

	w = do(t, r, http.MethodGet, "/api/v1/ledger/partitions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"product:" + productID.String()}, decode(t, w)["partitions"])
}

func TestSupplyChainEvents(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})
	productID := uuid.New()

	w := do(t, r, http.MethodPost, "/api/v1/products/"+productID.String()+"/supply-chain/events", map[string]any{
		"event_type":   "HARVESTED",
		"batch_number": "LOT-7",
		"supplier_id":  uuid.NewString(),
		"geolocation":  map[string]any{"latitude": 51.5, "longitude": -0.12},
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodGet, "/api/v1/ledger/supply_chain/"+productID.String()+"/verify?batch=LOT-7", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	// No batch is a different (empty) chain, not an error.
	w = do(t, r, http.MethodGet, "/api/v1/ledger/supply_chain/"+productID.String()+"/verify", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["checked"])
}

func TestSupplyChainEvents_WithoutBatch(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})
	productID := uuid.New()
	base := "/api/v1/ledger/supply_chain/" + productID.String()

	for _, eventType := range []string{"HARVESTED", "SHIPPED"} {
		w := do(t, r, http.MethodPost, "/api/v1/products/"+productID.String()+"/supply-chain/events",
			map[string]any{"event_type": eventType}, "")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := do(t, r, http.MethodGet, "/api/v1/ledger/partitions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"supply_chain:" + productID.String() + ":"}, decode(t, w)["partitions"])

	w = do(t, r, http.MethodGet, base+"/events", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode(t, w)["events"], 2)

	for _, path := range []string{base + "/verify", base + "/verify?batch="} {
		w = do(t, r, http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode(t, w)
		assert.Equal(t, true, res["valid"])
		assert.Equal(t, float64(2), res["checked"])
	}
}

func TestNewRouter_CORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	request := func(r http.Handler, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	deps := api.Deps{Ledger: eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())}

	var closed *gin.Engine
	require.NotPanics(t, func() { closed = api.NewRouter(config.ServerConfig{}, deps, zap.NewNop()) })
	w := request(closed, "https://shop.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	open := api.NewRouter(config.ServerConfig{CORSOrigins: []string{"https://shop.example.com"}}, deps, zap.NewNop())
	w = request(open, "https://shop.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAppend_BadInput(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})

	w := do(t, r, http.MethodPost, "/api/v1/products/not-a-uuid/events", map[string]any{"event_type": "CREATED"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/products/"+uuid.NewString()+"/events", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/ledger/warehouse/"+uuid.NewString()+"/events", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteRoutes_RequireToken(t *testing.T) {
	r, ledger := setupRouter(t, config.ServerConfig{JWTSecret: testSecret}, api.Deps{})
	certID := uuid.New()
	path := "/api/v1/certifications/" + certID.String() + "/events"
	body := map[string]any{"event_type": "ISSUED", "verification_source": "FSC"}

	w := do(t, r, http.MethodPost, path, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, path, body, "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, path, body, signToken(t, "inspector-7"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	events, err := ledger.Events(context.Background(), eventledger.CertificationPartition(certID))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "inspector-7", events[0].ActorID)
	assert.NotEmpty(t, events[0].OriginAddress)

	// Reads stay public.
	w = do(t, r, http.MethodGet, "/api/v1/ledger/certification/"+certID.String()+"/events", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVerifications_LogAndList(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})
	certID := uuid.NewString()

	w := do(t, r, http.MethodPost, "/api/v1/verifications", map[string]any{
		"entity_type":         "certification",
		"entity_id":           certID,
		"api_provider":        "fsc",
		"response_payload":    map[string]any{"status": "valid"},
		"verification_status": "VERIFIED",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/verifications", map[string]any{
		"entity_type":         "certification",
		"entity_id":           certID,
		"api_provider":        "fsc",
		"verification_status": "MAYBE",
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/verifications?entity_type=certification&entity_id="+certID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	recs := decode(t, w)["records"].([]any)
	require.Len(t, recs, 1)
	rec := recs[0].(map[string]any)
	assert.Equal(t, true, rec["intact"])
	assert.Equal(t, "VERIFIED", rec["verification_status"])

	w = do(t, r, http.MethodGet, "/api/v1/verifications", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCertificationVerify(t *testing.T) {
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"valid"}`))
	}))
	defer authority.Close()

	ledger := eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())
	svc := certverify.NewService(context.Background(), ledger, config.CertVerifyConfig{
		Providers: map[string]config.ProviderConfig{"fsc": {BaseURL: authority.URL}},
	}, nil, zap.NewNop())
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{Ledger: ledger, CertVerify: svc})
	certID := uuid.New()

	w := do(t, r, http.MethodPost, "/api/v1/certifications/"+certID.String()+"/verify",
		map[string]any{"certificate_number": "FSC-C1", "provider": "fsc"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "VERIFIED", out["status"])

	w = do(t, r, http.MethodPost, "/api/v1/certifications/"+certID.String()+"/verify",
		map[string]any{"certificate_number": "FSC-C1", "provider": "unknown"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/verification-providers", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"fsc"}, decode(t, w)["providers"])
}

func TestOps_LastAudit(t *testing.T) {
	ledger := eventledger.New(eventledger.NewMemoryStore(), zap.NewNop())
	a := auditor.New(ledger, auditor.Config{}, zap.NewNop())
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{Ledger: ledger, Auditor: a})

	w := do(t, r, http.MethodGet, "/api/v1/ops/audit", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	w = do(t, r, http.MethodGet, "/api/v1/ops/audit", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])
}

func TestRateLimiter(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{RateLimitRPS: 1}, api.Deps{})

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		codes[do(t, r, http.MethodGet, "/healthz", nil, "").Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := setupRouter(t, config.ServerConfig{}, api.Deps{})
	do(t, r, http.MethodGet, "/healthz", nil, "")

	w := do(t, r, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "materialledger_requests_total")
}
