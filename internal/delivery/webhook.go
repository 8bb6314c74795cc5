package delivery

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
	"strconv"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/actions"
)

// Headers set on every webhook request.
const (
	HeaderEvent     = "X-Autoflow-Event"
	HeaderTimestamp = "X-Autoflow-Timestamp"
	HeaderSignature = "X-Autoflow-Signature"
)

const (
	defaultWebhookTimeout  = 30 * time.Second
	defaultMaxResponseBody = 64 * 1024
	maxReceiptMessage      = 512
)

// HTTPConfig configures HTTPDelivery.
type HTTPConfig struct {
	// Secret signs the body with HMAC-SHA256. Empty disables signing.
	Secret          string
	Timeout         time.Duration
	MaxResponseBody int64
	UserAgent       string
}

// HTTPDelivery delivers webhook events as signed JSON requests.
type HTTPDelivery struct {
	config HTTPConfig
	client *http.Client
	now    func() time.Time
}

// NewHTTPDelivery creates a webhook delivery collaborator.
func NewHTTPDelivery(cfg HTTPConfig) *HTTPDelivery {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "autoflow-webhook/1"
	}
	// Redirects are not followed so a signed body never lands on an
	// unexpected host.
	client := &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &HTTPDelivery{config: cfg, client: client, now: time.Now}
}

// envelope is the request body.
type envelope struct {
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// DeliverEvent sends ev and reports a non-2xx answer as an unsuccessful
// receipt. Transport failures are returned as errors.
func (d *HTTPDelivery) DeliverEvent(ctx context.Context, ev actions.WebhookEvent) (*actions.DeliveryReceipt, error) {
	ts := d.now().Unix()
	body, err := json.Marshal(envelope{Event: ev.Event, Timestamp: ts, Payload: ev.Payload})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}

	method := strings.ToUpper(ev.Method)
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, ev.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("User-Agent", d.config.UserAgent)
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	// Set last so configured headers cannot replace the envelope metadata.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Event)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Del(HeaderSignature)
	if d.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.config.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request to %s: %w", ev.URL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxResponseBody))
	receipt := &actions.DeliveryReceipt{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
	if !receipt.Success {
		receipt.Message = truncate(strings.TrimSpace(string(respBody)), maxReceiptMessage)
	}
	return receipt, nil
}

// Sign returns the signature header value for a body sent at ts:
// "sha256=" + hex(HMAC-SHA256(secret, "<ts>.<body>")).
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, ts int64, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

var _ actions.WebhookDelivery = (*HTTPDelivery)(nil)
