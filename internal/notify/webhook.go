package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookSink POSTs the message as JSON, signed with an HMAC-SHA256 of
// the body in the X-Ingestor-Signature header so receivers can verify
// origin.
type WebhookSink struct {
	id     string
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

func NewWebhookSink(id, url, secret string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		id:     id,
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (s *WebhookSink) ID() string { return s.id }

func (s *WebhookSink) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingestor-Signature", computeHMAC(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook delivery to %s: HTTP %d", s.url, resp.StatusCode)
	}

	s.logger.Debug("webhook delivered",
		zap.String("url", s.url),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

// computeHMAC generates a hex-encoded HMAC-SHA256 of the body.
func computeHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
