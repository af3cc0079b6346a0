package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one notification to the user-facing channel.
type Sender interface {
	Send(ctx context.Context, job Job) error
	Channel() string
}

// WebhookSender posts notifications to an external delivery endpoint.
type WebhookSender struct {
	URL  string
	HTTP *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:  url,
		HTTP: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSender) Channel() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, job Job) error {
	body, err := json.Marshal(map[string]string{
		"user_id": job.UserID,
		"task_id": job.TaskID,
		"kind":    job.Kind,
		"subject": job.Subject,
		"body":    job.Body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook send: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes notifications to the service log. Used when no webhook
// endpoint is configured, mostly in development.
type LogSender struct {
	Logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{Logger: logger}
}

func (s *LogSender) Channel() string { return "log" }

func (s *LogSender) Send(_ context.Context, job Job) error {
	s.Logger.Info("notification delivered",
		zap.String("user_id", job.UserID),
		zap.String("task_id", job.TaskID),
		zap.String("kind", job.Kind),
		zap.String("subject", job.Subject),
	)
	return nil
}
