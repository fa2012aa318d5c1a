package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ratchet-hq/ratchet/internal/secrets"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// computed with the integration's shared secret.
const SignatureHeader = "X-Ratchet-Signature"

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultWebhookTimeout  = 30 * time.Second
)

// HTTPDoer is the outbound HTTP surface; satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookCaller posts JSON payloads to external URLs, optionally signing
// the body with a vault-held shared secret.
type WebhookCaller struct {
	Client          HTTPDoer
	Vault           secrets.Vault
	MaxResponseBody int64
}

func (h *WebhookCaller) Kind() schema.ActionKind { return schema.KindCallWebhook }

func (h *WebhookCaller) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.CallWebhookParams)

	target, err := url.Parse(p.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return Permanent(schema.NewErrorf(schema.ErrCodeConfig, "call_webhook: invalid url %q", p.URL))
	}

	body, err := json.Marshal(p.Payload)
	if err != nil {
		return Permanent(schema.NewError(schema.ErrCodeConfig, "call_webhook: payload not serializable").WithCause(err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}

	if p.SecretKey != "" {
		secret, vErr := h.Vault.Resolve(ctx, p.SecretKey)
		if vErr != nil {
			return Permanent(schema.NewErrorf(schema.ErrCodeConfig,
				"call_webhook: secret %q unavailable", p.SecretKey).WithCause(vErr))
		}
		httpReq.Header.Set(SignatureHeader, "sha256="+Sign(secret, body))
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Transient(schema.NewError(schema.ErrCodeUnavailable, "call_webhook: request failed").WithCause(err))
	}
	defer resp.Body.Close()

	maxBody := h.MaxResponseBody
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBody
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body_bytes":  len(respBody),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success(output)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(schema.NewErrorf(schema.ErrCodeUnavailable,
			"call_webhook: %s returned %d", target.Host, resp.StatusCode))
	default:
		return Permanent(schema.NewErrorf(schema.ErrCodePermanent,
			"call_webhook: %s returned %d", target.Host, resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of body under the given secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header value ("sha256=<hex>")
// against the body in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want := Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(header[len(prefix):]))
}
