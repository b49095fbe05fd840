package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BarkNotifier sends notifications via the Bark app.
type BarkNotifier struct {
	baseURL string
	client  *http.Client
}

// NewBarkNotifier creates a Bark notifier for a device URL such as https://api.day.app/<key>.
func NewBarkNotifier(baseURL string) (*BarkNotifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid bark url: %w", err)
	}
	return &BarkNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	// POST with query parameters keeps long bodies out of the path.
	form := url.Values{}
	form.Set("title", title)
	form.Set("body", body)
	form.Set("group", "wingetd")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.URL.RawQuery = form.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
