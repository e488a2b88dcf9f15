package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// EmailSink delivers notifications through a Resend-style transactional
// email API: POST /emails with a bearer key.
type EmailSink struct {
	id      string
	baseURL string
	apiKey  string
	from    string
	to      []string
	client  *http.Client
	logger  *zap.Logger
}

func NewEmailSink(id, baseURL, apiKey, from string, to []string, logger *zap.Logger) *EmailSink {
	return &EmailSink{
		id:      id,
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		to:      to,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (s *EmailSink) ID() string { return s.id }

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (s *EmailSink) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(emailRequest{
		From:    s.from,
		To:      s.to,
		Subject: fmt.Sprintf("[%s] %s", msg.Severity, msg.Title),
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("email delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("email delivery: HTTP %d", resp.StatusCode)
	}

	s.logger.Debug("email dispatched",
		zap.Strings("to", s.to),
		zap.String("severity", msg.Severity),
	)
	return nil
}
