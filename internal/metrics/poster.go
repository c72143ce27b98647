package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Poster ships metric payloads to an HTTP collector. A nil Poster or an
// empty URL disables posting.
type Poster struct {
	url    string
	client *http.Client
}

// NewPoster builds a poster for the given collector URL. Returns nil when
// url is empty.
func NewPoster(url string) *Poster {
	if url == "" {
		return nil
	}
	return &Poster{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Post JSON-encodes payload and POSTs it to the collector.
func (p *Poster) Post(ctx context.Context, payload any) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode metrics payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build metrics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post metrics: collector returned %s", resp.Status)
	}
	return nil
}
