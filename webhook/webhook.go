// Package webhook posts incident reports to an operator-facing webhook
// endpoint, without going through the bot API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Embed is one embed block of an executed webhook.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       uint32 `json:"color,omitempty"`
}

// ExecuteData is the payload POSTed to the webhook URL.
type ExecuteData struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Client executes a single webhook. Failures are for the caller to swallow;
// incident reporting is best-effort by design.
type Client struct {
	// URL is the full webhook endpoint.
	URL string

	// HTTP is the underlying client, defaulting to one with a 10s timeout.
	HTTP *http.Client
}

// NewClient creates a Client for the given webhook URL.
func NewClient(url string) *Client {
	return &Client{
		URL:  url,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

// Execute POSTs the payload to the webhook.
func (c *Client) Execute(ctx context.Context, data ExecuteData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.URL, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to execute webhook")
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
