package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/certverify"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
)

var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
}

// Is maps the status code onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// AppendRequest is the body of the three append endpoints. Fields that do
// not apply to the target family are ignored by the server.
type AppendRequest struct {
	EventType          string                   `json:"event_type"`
	EventData          json.RawMessage          `json:"event_data,omitempty"`
	SupplierID         uuid.UUID                `json:"supplier_id,omitzero"`
	VerificationSource string                   `json:"verification_source,omitempty"`
	BatchNumber        string                   `json:"batch_number,omitempty"`
	Geolocation        *eventledger.Geolocation `json:"geolocation,omitempty"`
}

// LogVerificationRequest is the body of POST /verifications.
type LogVerificationRequest struct {
	EntityType      string                         `json:"entity_type"`
	EntityID        string                         `json:"entity_id"`
	APIProvider     string                         `json:"api_provider"`
	APIEndpoint     string                         `json:"api_endpoint,omitempty"`
	RequestPayload  json.RawMessage                `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage                `json:"response_payload,omitempty"`
	Status          eventledger.VerificationStatus `json:"verification_status"`
}

// VerificationRecord is a logged API call plus the server's integrity check.
type VerificationRecord struct {
	eventledger.VerificationRecord
	Intact bool `json:"intact"`
}

// CertificateCheck is the body of POST /certifications/:id/verify.
type CertificateCheck struct {
	SupplierID        uuid.UUID `json:"supplier_id,omitzero"`
	CertificateNumber string    `json:"certificate_number"`
	Provider          string    `json:"provider"`
	NotifyEmail       string    `json:"notify_email,omitempty"`
	SupplierName      string    `json:"supplier_name,omitempty"`
}

// Client talks to one ledgerd instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a JWT to every write request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AppendProductEvent appends to the product lifecycle chain of productID.
func (c *Client) AppendProductEvent(ctx context.Context, productID uuid.UUID, req AppendRequest) (*eventledger.Event, error) {
	var ev eventledger.Event
	if err := c.call(ctx, http.MethodPost, "/api/v1/products/"+productID.String()+"/events", nil, req, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// AppendCertificationEvent appends to the chain of certificationID.
func (c *Client) AppendCertificationEvent(ctx context.Context, certificationID uuid.UUID, req AppendRequest) (*eventledger.Event, error) {
	var ev eventledger.Event
	if err := c.call(ctx, http.MethodPost, "/api/v1/certifications/"+certificationID.String()+"/events", nil, req, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// AppendSupplyChainEvent appends to the chain of one product batch.
// req.BatchNumber selects the batch.
func (c *Client) AppendSupplyChainEvent(ctx context.Context, productID uuid.UUID, req AppendRequest) (*eventledger.Event, error) {
	var ev eventledger.Event
	if err := c.call(ctx, http.MethodPost, "/api/v1/products/"+productID.String()+"/supply-chain/events", nil, req, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Events returns the events of p in chain order.
func (c *Client) Events(ctx context.Context, p eventledger.Partition) ([]*eventledger.Event, error) {
	var out struct {
		Events []*eventledger.Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, partitionPath(p, "events"), batchQuery(p), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// VerifyChain asks the server to re-walk p.
func (c *Client) VerifyChain(ctx context.Context, p eventledger.Partition) (*eventledger.VerifyResult, error) {
	var res eventledger.VerifyResult
	if err := c.call(ctx, http.MethodGet, partitionPath(p, "verify"), batchQuery(p), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Partitions lists every partition key known to the server.
func (c *Client) Partitions(ctx context.Context) ([]string, error) {
	var out struct {
		Partitions []string `json:"partitions"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/partitions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Partitions, nil
}

// LogVerification records a third-party API call.
func (c *Client) LogVerification(ctx context.Context, req LogVerificationRequest) (*eventledger.VerificationRecord, error) {
	var rec eventledger.VerificationRecord
	if err := c.call(ctx, http.MethodPost, "/api/v1/verifications", nil, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verifications returns the verification log of one entity, oldest first.
func (c *Client) Verifications(ctx context.Context, entityType, entityID string) ([]VerificationRecord, error) {
	q := url.Values{"entity_type": {entityType}, "entity_id": {entityID}}
	var out struct {
		Records []VerificationRecord `json:"records"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/verifications", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// VerifyCertification asks the server to check a certificate with its issuer.
func (c *Client) VerifyCertification(ctx context.Context, certificationID uuid.UUID, check CertificateCheck) (*certverify.Outcome, error) {
	var out certverify.Outcome
	if err := c.call(ctx, http.MethodPost, "/api/v1/certifications/"+certificationID.String()+"/verify", nil, check, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func partitionPath(p eventledger.Partition, action string) string {
	return fmt.Sprintf("/api/v1/ledger/%s/%s/%s", url.PathEscape(string(p.Family)), p.EntityID, action)
}

func batchQuery(p eventledger.Partition) url.Values {
	if p.BatchNumber == "" {
		return nil
	}
	return url.Values{"batch": {p.BatchNumber}}
}

// call sends reqBody as JSON and decodes a 2xx response into respBody.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return nil, apiErr
	}
	return body, nil
}
