// Package certverify checks certificates with their issuing authorities and
// records the outcome on the ledger.
package certverify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// Lookup is the raw outcome of one provider call.
type Lookup struct {
	Status   eventledger.VerificationStatus
	Endpoint string
	Request  json.RawMessage
	Response json.RawMessage
	// Err is set when Status is ERROR.
	Err error
}

// Provider queries one certification authority.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, certificateNumber string) *Lookup
}

// certificateResponse is the subset of the authority response that decides the outcome.
type certificateResponse struct {
	Number     string `json:"certificate_number"`
	Status     string `json:"status"`
	ValidUntil string `json:"valid_until"`
}

// HTTPProvider calls GET {base_url}/certificates/{number} and expects JSON.
type HTTPProvider struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider builds a provider from cfg. When cfg.TokenURL is set the
// client authenticates with the OAuth2 client-credentials grant.
func NewHTTPProvider(ctx context.Context, name string, cfg config.ProviderConfig, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = timeout
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
		burst = max(1, int(cfg.RateLimitRPS))
	}

	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name returns the provider name recorded as the verification source.
func (p *HTTPProvider) Name() string { return p.name }

// Lookup fetches the certificate. A 404 or a non-active status is FAILED;
// transport errors, throttling and unexpected responses are ERROR.
func (p *HTTPProvider) Lookup(ctx context.Context, certificateNumber string) *Lookup {
	endpoint := p.baseURL + "/certificates/" + url.PathEscape(certificateNumber)
	reqBody, _ := json.Marshal(map[string]string{"certificate_number": certificateNumber})
	out := &Lookup{Endpoint: endpoint, Request: reqBody, Status: eventledger.StatusError}

	if err := p.limiter.Wait(ctx); err != nil {
		out.Err = fmt.Errorf("rate limit %s: %w", p.name, err)
		return out
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		out.Err = fmt.Errorf("build lookup request: %w", err)
		return out
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		out.Err = fmt.Errorf("lookup request to %s: %w", p.name, err)
		return out
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		out.Err = fmt.Errorf("read lookup response: %w", err)
		return out
	}
	if json.Valid(body) {
		out.Response = body
	} else {
		out.Response, _ = json.Marshal(map[string]any{"http_status": resp.StatusCode})
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		out.Status = eventledger.StatusFailed
		return out
	case resp.StatusCode != http.StatusOK:
		out.Err = fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
		return out
	}

	var cert certificateResponse
	if err := json.Unmarshal(body, &cert); err != nil {
		out.Err = fmt.Errorf("decode lookup response: %w", err)
		return out
	}
	if isActive(cert.Status) {
		out.Status = eventledger.StatusVerified
	} else {
		out.Status = eventledger.StatusFailed
	}
	return out
}

func isActive(status string) bool {
	switch strings.ToLower(status) {
	case "valid", "active", "certified":
		return true
	}
	return false
}
