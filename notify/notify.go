// Package notify pushes room lifecycle events to an external endpoint, for
// integrations like study-group dashboards. Delivery is fire-and-forget;
// nothing in the message path waits for it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/studyhall/collab/config"
)

// Notifier receives room lifecycle events.
type Notifier interface {
	RoomEvent(ctx context.Context, event, roomId, userId string) error
}

// NewNotifier creates the notifier selected by the configuration, or nil when
// none is configured.
func NewNotifier(cfg *config.Config, logger hclog.Logger) Notifier {
	if cfg.NotifierConfig.WebhookUrl == "" {
		return nil
	}
	return NewWebhookNotifier(cfg.NotifierConfig.WebhookUrl, logger)
}

// WebhookNotifier POSTs events as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger hclog.Logger
}

func NewWebhookNotifier(url string, logger hclog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.Named("notify"),
	}
}

type eventBody struct {
	Event     string    `json:"event"`
	RoomId    string    `json:"room_id"`
	UserId    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *WebhookNotifier) RoomEvent(ctx context.Context, event, roomId, userId string) error {
	body, err := json.Marshal(eventBody{
		Event:     event,
		RoomId:    roomId,
		UserId:    userId,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	n.logger.Debug("delivered room event", "event", event, "room_id", roomId)
	return nil
}
