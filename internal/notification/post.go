package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// poster POSTs JSON bodies for the HTTP-backed notifiers.
type poster struct {
	name   string
	client *http.Client
}

func newPoster(name string) poster {
	return poster{name: name, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p poster) post(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: post: %w", p.name, err)
	}
	defer resp.Body.Close()
	// Drain so the connection is reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: status %d", p.name, resp.StatusCode)
	}
	return nil
}
