// Package notifier presents download lifecycle events to the user. The core
// only depends on the Notifier capability; delivery details live behind it.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
)

// Notifier is the notification presenter the download pipeline calls.
// Progress is invoked with coarse (roughly 10%-step) granularity; Complete
// and Failed once per terminal transition. Errors are logged by callers and
// never affect the download itself.
type Notifier interface {
	Progress(item transfer.DownloadItem) error
	Complete(item transfer.DownloadItem) error
	Failed(item transfer.DownloadItem) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Progress(transfer.DownloadItem) error { return nil }
func (Nop) Complete(transfer.DownloadItem) error { return nil }
func (Nop) Failed(transfer.DownloadItem) error   { return nil }

// WebhookNotifier posts download events as JSON to a webhook URL.
type WebhookNotifier struct {
	WebhookURL string
	Client     *http.Client
}

type webhookPayload struct {
	Event    string  `json:"event"`
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
}

func (w *WebhookNotifier) Progress(item transfer.DownloadItem) error {
	return w.post("download.progress", item)
}

func (w *WebhookNotifier) Complete(item transfer.DownloadItem) error {
	return w.post("download.complete", item)
}

func (w *WebhookNotifier) Failed(item transfer.DownloadItem) error {
	return w.post("download.failed", item)
}

func (w *WebhookNotifier) post(event string, item transfer.DownloadItem) error {
	if w.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(webhookPayload{
		Event:    event,
		ID:       item.ID,
		Title:    item.Title,
		Progress: item.Progress,
		Status:   string(item.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Post(w.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
