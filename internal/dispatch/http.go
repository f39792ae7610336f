package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callrelay/internal/event"
)

// HTTPSink posts events to a CRM webhook endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type httpEnvelope struct {
	Token     string          `json:"token"`
	UniqueID  string          `json:"unique_id"`
	EventType event.Type      `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

func (s *HTTPSink) Dispatch(ctx context.Context, token, uniqueID string, eventType event.Type, payload []byte) error {
	body, err := json.Marshal(httpEnvelope{
		Token:     token,
		UniqueID:  uniqueID,
		EventType: eventType,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("dispatch: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: consumer returned %d", resp.StatusCode)
	}
	return nil
}
