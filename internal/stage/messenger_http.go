package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HTTPMessenger talks to the messaging collaborator over its REST API.
type HTTPMessenger struct {
	base   string
	client *http.Client
}

func NewHTTPMessenger(baseURL string, timeout time.Duration) *HTTPMessenger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMessenger{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

type sendMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
}

func (m *HTTPMessenger) Send(ctx context.Context, channel, text, replyTo string) (string, error) {
	body, err := json.Marshal(sendMessageRequest{Channel: channel, Text: text, ReplyTo: replyTo})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("messenger: send returned %d", resp.StatusCode)
	}

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("messenger: decode response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("messenger: response carried no message id")
	}
	return out.MessageID, nil
}

func (m *HTTPMessenger) Delete(ctx context.Context, channel, messageID string) error {
	u := m.base + "/messages/" + url.PathEscape(messageID) + "?channel=" + url.QueryEscape(channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("messenger: delete returned %d", resp.StatusCode)
	}
	return nil
}

// NopMessenger logs notifications instead of delivering them. Used when no
// messaging collaborator is configured.
type NopMessenger struct {
	Log *slog.Logger

	n int
}

func (m *NopMessenger) Send(ctx context.Context, channel, text, replyTo string) (string, error) {
	if m.Log != nil {
		m.Log.Info("notification (messaging disabled)", "channel", channel, "text", text)
	}
	m.n++
	return fmt.Sprintf("nop-%d", m.n), nil
}

func (m *NopMessenger) Delete(ctx context.Context, channel, messageID string) error {
	return nil
}
