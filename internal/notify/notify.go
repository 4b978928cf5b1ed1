// Package notify delivers operational events (purchases, provisioning
// failures, suspensions) to administrators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"nebulapanel-backend/internal/settings"
)

// Event is a single operational notification.
type Event struct {
	Title  string
	Body   string
	Level  string // info | warning | error
	Fields map[string]string
}

// Notifier delivers events. Implementations must not block callers for
// long; delivery failures are logged, never surfaced to request paths.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log. Always available, used
// as the fallback when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event Event) {
	fields := logrus.Fields{}
	for k, v := range event.Fields {
		fields[k] = v
	}
	entry := logrus.WithFields(fields)
	switch event.Level {
	case "error":
		entry.Errorf("%s: %s", event.Title, event.Body)
	case "warning":
		entry.Warnf("%s: %s", event.Title, event.Body)
	default:
		entry.Infof("%s: %s", event.Title, event.Body)
	}
}

// DiscordNotifier posts events as embeds to a Discord webhook configured in
// settings. When the webhook url is unset it degrades to logging only.
type DiscordNotifier struct {
	settings   *settings.Store
	httpClient *http.Client
	fallback   LogNotifier
}

func NewDiscordNotifier(store *settings.Store) *DiscordNotifier {
	return &DiscordNotifier{
		settings:   store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var levelColors = map[string]int{
	"info":    0x57F287,
	"warning": 0xFEE75C,
	"error":   0xED4245,
}

func (n *DiscordNotifier) Notify(ctx context.Context, event Event) {
	n.fallback.Notify(ctx, event)

	webhookURL := n.settings.Get("discord_webhook_url", "")
	if webhookURL == "" {
		return
	}

	color, ok := levelColors[event.Level]
	if !ok {
		color = levelColors["info"]
	}

	embed := map[string]interface{}{
		"title":       event.Title,
		"description": event.Body,
		"color":       color,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if len(event.Fields) > 0 {
		fields := make([]map[string]interface{}, 0, len(event.Fields))
		for k, v := range event.Fields {
			fields = append(fields, map[string]interface{}{
				"name": k, "value": v, "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		logrus.Errorf("Failed to marshal webhook payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		logrus.Errorf("Failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		logrus.Errorf("Failed to deliver webhook notification: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logrus.Errorf("Webhook notification rejected: status %d", resp.StatusCode)
	}
}
