package alert

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ZerologNotifier writes transitions to an operational logger.
type ZerologNotifier struct {
	Logger zerolog.Logger
}

var _ Notifier = (*ZerologNotifier)(nil)

func (n *ZerologNotifier) Notify(ev Event) error {
	entry := n.Logger.Info()
	if ev.Firing {
		entry = n.Logger.Warn()
	}
	entry.
		Str("rule", ev.Rule).
		Bool("firing", ev.Firing).
		Time("at", ev.At).
		Msg(ev.Message)
	return nil
}

// WebhookNotifier POSTs each transition as JSON to a webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a webhook notifier. A zero timeout
// defaults to 10s.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding alert event: %w", err)
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting alert webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
