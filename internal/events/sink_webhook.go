package events

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
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderEvent     = "X-LGH-Event"
	HeaderDelivery  = "X-LGH-Delivery"
	HeaderSignature = "X-LGH-Signature"
)

// WebhookSink POSTs every matching event as JSON.
type WebhookSink struct {
	url    string
	secret string
	kinds  []Kind
	client *http.Client
}

func NewWebhookSink(url, secret string, kinds []Kind, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		secret: secret,
		kinds:  kinds,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string {
	return "webhook:" + s.url
}

func (s *WebhookSink) Deliver(ctx context.Context, event Event) error {
	if len(s.kinds) > 0 && !slices.Contains(s.kinds, event.Kind) {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LGH-Webhook")
	req.Header.Set(HeaderEvent, string(event.Kind))
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if s.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
