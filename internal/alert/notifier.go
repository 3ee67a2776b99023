// Package alert handles outbound notifications and the operator
// command channel.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Discord rejects messages longer than this.
const maxMessageLen = 2000

// Notifier is the interface for sending alert messages.
type Notifier interface {
	Send(message string) error
	Close() error
}

// NoOpNotifier is a notifier that does nothing. It is used when
// alerting is disabled.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing and returns nil.
func (n *NoOpNotifier) Send(message string) error {
	return nil
}

// Close does nothing and returns nil.
func (n *NoOpNotifier) Close() error {
	return nil
}

// WebhookNotifier posts messages to a Discord webhook.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url string, logger *zap.Logger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL must be configured")
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}, nil
}

// Send posts one message. Overlong messages are truncated, not split;
// a notification is advisory and a tail cut is acceptable.
func (n *WebhookNotifier) Send(message string) error {
	if runes := []rune(message); len(runes) > maxMessageLen {
		message = string(runes[:maxMessageLen])
	}

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	resp, err := n.httpClient.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug("notification sent", zap.Int("length", len(message)))
	return nil
}

// Close does nothing; the webhook is stateless.
func (n *WebhookNotifier) Close() error {
	return nil
}
