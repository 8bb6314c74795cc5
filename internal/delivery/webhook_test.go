package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/actions"
)

func TestHTTPDelivery_SignedPost(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
		gotMethod  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDelivery(HTTPConfig{Secret: "s3cret"})
	d.now = func() time.Time { return time.Unix(1700000000, 0) }

	receipt, err := d.DeliverEvent(context.Background(), actions.WebhookEvent{
		URL:     srv.URL + "/hooks",
		Event:   "invoice.created",
		Payload: map[string]any{"invoiceNumber": "INV-001"},
		Headers: map[string]string{"X-Tenant": "acme"},
	})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, http.StatusAccepted, receipt.StatusCode)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "invoice.created", gotHeaders.Get(HeaderEvent))
	assert.Equal(t, "acme", gotHeaders.Get("X-Tenant"))
	assert.Equal(t, "1700000000", gotHeaders.Get(HeaderTimestamp))

	ts, err := strconv.ParseInt(gotHeaders.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify("s3cret", ts, gotBody, gotHeaders.Get(HeaderSignature)))
	assert.False(t, Verify("other", ts, gotBody, gotHeaders.Get(HeaderSignature)))

	var env map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "invoice.created", env["event"])
	assert.Equal(t, "INV-001", env["payload"].(map[string]any)["invoiceNumber"])
}

func TestHTTPDelivery_UnsignedWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	receipt, err := NewHTTPDelivery(HTTPConfig{}).DeliverEvent(context.Background(), actions.WebhookEvent{URL: srv.URL, Method: "put"})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Empty(t, sig)
}

func TestHTTPDelivery_ErrorStatusIsUnsuccessfulReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	receipt, err := NewHTTPDelivery(HTTPConfig{}).DeliverEvent(context.Background(), actions.WebhookEvent{URL: srv.URL})
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Equal(t, http.StatusServiceUnavailable, receipt.StatusCode)
	assert.Equal(t, "maintenance", receipt.Message)
}

func TestHTTPDelivery_RedirectNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example.com", http.StatusFound)
	}))
	defer srv.Close()

	receipt, err := NewHTTPDelivery(HTTPConfig{}).DeliverEvent(context.Background(), actions.WebhookEvent{URL: srv.URL})
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Equal(t, http.StatusFound, receipt.StatusCode)
}

func TestHTTPDelivery_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPDelivery(HTTPConfig{Timeout: 20 * time.Millisecond}).DeliverEvent(context.Background(), actions.WebhookEvent{URL: srv.URL})
	require.Error(t, err)
}

func TestHTTPDelivery_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPDelivery(HTTPConfig{}).DeliverEvent(context.Background(), actions.WebhookEvent{URL: url})
	assert.Error(t, err)
}

func TestHTTPDelivery_HeadersCannotReplaceEnvelope(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	d := NewHTTPDelivery(HTTPConfig{Secret: "s3cret"})
	_, err := d.DeliverEvent(context.Background(), actions.WebhookEvent{
		URL:   srv.URL,
		Event: "invoice.created",
		Headers: map[string]string{
			HeaderSignature: "sha256=forged",
			HeaderEvent:     "other.event",
			HeaderTimestamp: "1",
			"Content-Type":  "text/plain",
			"X-Tenant":      "acme",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "invoice.created", got.Get(HeaderEvent))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "acme", got.Get("X-Tenant"))
	ts, err := strconv.ParseInt(got.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify("s3cret", ts, body, got.Get(HeaderSignature)))

	// Without a secret a configured signature header is dropped, not forwarded.
	_, err = NewHTTPDelivery(HTTPConfig{}).DeliverEvent(context.Background(), actions.WebhookEvent{
		URL:     srv.URL,
		Headers: map[string]string{HeaderSignature: "sha256=forged"},
	})
	require.NoError(t, err)
	assert.Empty(t, got.Get(HeaderSignature))
}

func TestHTTPDelivery_ReusesConnections(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	d := NewHTTPDelivery(HTTPConfig{})
	for range 3 {
		receipt, err := d.DeliverEvent(context.Background(), actions.WebhookEvent{URL: srv.URL})
		require.NoError(t, err)
		assert.True(t, receipt.Success)
	}
	assert.Equal(t, int32(1), conns.Load())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; cutting at 2 would split it.
	got := truncate("aé"+strings.Repeat("x", 10), 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	receipt, err := r.SendEmail(ctx, actions.EmailMessage{To: "a@example.com"})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Contains(t, receipt.MessageID, "sandbox-")

	dr, err := r.DeliverEvent(ctx, actions.WebhookEvent{URL: "https://example.com"})
	require.NoError(t, err)
	assert.True(t, dr.Success)

	assert.Len(t, r.Emails(), 1)
	assert.Len(t, r.Events(), 1)
	r.Reset()
	assert.Empty(t, r.Emails())
	assert.Empty(t, r.Events())
}
