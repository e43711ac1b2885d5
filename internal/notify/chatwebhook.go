// chatwebhook.go implements the chat webhook publisher. Release events are
// posted as JSON to a configured incoming-webhook URL; the channel's response
// carries a message id that later edits and deletions reference.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudnetservice/updateserver/internal/versions"
)

// MessageIDProperty is the version property under which the announcement
// message id is stored.
const MessageIDProperty = "chat-message-id"

// ChatWebhookPublisher posts release events to a chat incoming webhook.
type ChatWebhookPublisher struct {
	URL        string
	HTTPClient *http.Client
}

// NewChatWebhookPublisher creates a publisher for the given webhook URL.
func NewChatWebhookPublisher(url string, timeout time.Duration) *ChatWebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChatWebhookPublisher{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatEvent struct {
	Event     string `json:"event"`
	Line      string `json:"line"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type chatResponse struct {
	MessageID string `json:"message_id"`
}

// Announce posts a release.published event and returns the created message id
// as a property for the caller to persist.
func (p *ChatWebhookPublisher) Announce(ctx context.Context, line string, v *versions.Version) (map[string]string, error) {
	resp, err := p.post(ctx, chatEvent{
		Event:   "release.published",
		Line:    line,
		Version: v.Name,
		Commit:  v.CommitInfo.Hash,
	})
	if err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, nil
	}
	return map[string]string{MessageIDProperty: resp.MessageID}, nil
}

// Update posts a release.edited event referencing the original announcement.
func (p *ChatWebhookPublisher) Update(ctx context.Context, line string, v *versions.Version) error {
	_, err := p.post(ctx, chatEvent{
		Event:     "release.edited",
		Line:      line,
		Version:   v.Name,
		Commit:    v.CommitInfo.Hash,
		MessageID: v.Properties[MessageIDProperty],
	})
	return err
}

// Delete posts a release.deleted event referencing the original announcement.
func (p *ChatWebhookPublisher) Delete(ctx context.Context, line string, v *versions.Version) error {
	_, err := p.post(ctx, chatEvent{
		Event:     "release.deleted",
		Line:      line,
		Version:   v.Name,
		MessageID: v.Properties[MessageIDProperty],
	})
	return err
}

func (p *ChatWebhookPublisher) post(ctx context.Context, event chatEvent) (*chatResponse, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post chat event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat webhook returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// Some webhook receivers answer with an empty body; that is fine.
		return &chatResponse{}, nil
	}
	return &parsed, nil
}
