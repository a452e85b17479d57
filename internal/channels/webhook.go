package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var webhookClient = &http.Client{Timeout: 10 * time.Second}

type errorCallback struct {
	Channel   string `json:"channel"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// postErrorCallback delivers a force-resolve error to an externally-registered
// channel's endpoint.
func postErrorCallback(ctx context.Context, endpoint, channel, text string) error {
	payload, err := json.Marshal(errorCallback{
		Channel:   channel,
		Error:     text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal error callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build error callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := webhookClient.Do(req)
	if err != nil {
		return fmt.Errorf("post error callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("error callback returned status %d", resp.StatusCode)
	}
	return nil
}
