// Package webhooks posts HMAC-signed alerts about ledger integrity to
// operator-configured URLs.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jmerrifield20/materialledger/internal/config"
	"go.uber.org/zap"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Ledger-Signature"

const (
	maxAttempts    = 3
	recentCapacity = 100
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher fans events out to a fixed set of URLs.
type Dispatcher struct {
	urls       []string
	secret     string
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	// delays[i] is the wait before attempt i+1.
	delays []time.Duration

	wg sync.WaitGroup

	mu     sync.Mutex
	recent []Delivery
}

// NewDispatcher creates a Dispatcher from configuration. With no URLs every
// Dispatch is a no-op.
func NewDispatcher(cfg config.WebhooksConfig, logger *zap.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		urls:       cfg.URLs,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetRetryDelays overrides the backoff schedule; delays[0] applies to the first attempt.
func (d *Dispatcher) SetRetryDelays(delays ...time.Duration) {
	d.delays = delays
}

// Dispatch sends an event to every target in the background. Delivery
// outlives ctx's cancellation but keeps its values.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]any) {
	if len(d.urls) == 0 {
		return
	}
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, url := range d.urls {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(ctx, url, eventType, body)
		}(url)
	}
}

// Wait blocks until every in-flight delivery has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns the latest delivery attempts, newest last.
func (d *Dispatcher) Recent() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.recent...)
}

// deliver sends the event to a single URL with retries.
func (d *Dispatcher) deliver(ctx context.Context, url, eventType string, body []byte) {
	signature := signPayload(body, d.secret)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt <= len(d.delays) && d.delays[attempt-1] > 0 {
			time.Sleep(d.delays[attempt-1])
		}

		success, statusCode, errMsg := d.doDelivery(ctx, url, body, signature)
		d.record(Delivery{
			URL:          url,
			EventType:    eventType,
			StatusCode:   statusCode,
			Attempt:      attempt,
			Success:      success,
			ErrorMessage: errMsg,
			DeliveredAt:  time.Now().UTC(),
		})

		if d.onMetrics != nil {
			d.onMetrics(success)
		}

		if success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("type", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
	d.logger.Error("webhook: giving up", zap.String("url", url), zap.String("type", eventType))
}

func (d *Dispatcher) record(del Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, del)
	if len(d.recent) > recentCapacity {
		d.recent = d.recent[len(d.recent)-recentCapacity:]
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate alerts.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}
