// Package webhook fires registered gate webhooks and relays the remote
// response back to the caller.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTriggerFailed marks a webhook call that did not complete with a 2xx
// response, whether the transport failed or the remote rejected it.
var ErrTriggerFailed = errors.New("webhook trigger failed")

// RemoteResponse is the buffered result of a successful webhook call. The
// body is read in full before the caller sees it so a slow remote cannot
// hold the relay's response open.
type RemoteResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type Trigger struct {
	client  *http.Client
	maxBody int64
}

func NewTrigger(timeout time.Duration, maxBodyBytes int64) *Trigger {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Trigger{
		client:  &http.Client{Timeout: timeout},
		maxBody: maxBodyBytes,
	}
}

// Fire performs a single GET against the webhook URL. There is no retry;
// the caller decides whether a failed gate actuation is worth repeating.
func (t *Trigger) Fire(ctx context.Context, url string) (*RemoteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTriggerFailed, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTriggerFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTriggerFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: remote returned HTTP %d", ErrTriggerFailed, resp.StatusCode)
	}

	return &RemoteResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
