// Package push delivers gate commands to registered mobile devices and
// keeps the device-token set healthy by pruning tokens the delivery
// service reports as permanently dead.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTokenInvalid marks a token the push service will never deliver to
	// again; callers should deregister it rather than retry.
	ErrTokenInvalid = errors.New("push token invalid")
	// ErrUnavailable marks a transient delivery failure; the token is kept.
	ErrUnavailable = errors.New("push service unavailable")
)

// Message is the payload carried to the device. Data rides alongside the
// user-visible notification so the app can act without rendering it.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type Client interface {
	Send(ctx context.Context, token string, msg Message) error
}

// NoopClient accepts every delivery. Used when no push service is
// configured and in tests.
type NoopClient struct{}

func (NoopClient) Send(ctx context.Context, token string, msg Message) error { return nil }

// HTTPClient talks to an FCM-style HTTP delivery endpoint.
type HTTPClient struct {
	endpoint string
	key      string
	client   *http.Client
}

func NewHTTPClient(endpoint, key string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimSpace(endpoint),
		key:      strings.TrimSpace(key),
		client:   &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	To           string            `json:"to"`
	Notification map[string]string `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type sendResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// permanently failed token error codes, per the delivery service contract
var permanentCodes = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

func (c *HTTPClient) Send(ctx context.Context, token string, msg Message) error {
	payload := sendRequest{
		To: token,
		Notification: map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		Data: msg.Data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "key="+c.key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: push send HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.Failure == 0 {
		return nil
	}
	for _, r := range out.Results {
		if r.Error == "" {
			continue
		}
		if permanentCodes[r.Error] {
			return fmt.Errorf("%w: %s", ErrTokenInvalid, r.Error)
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, r.Error)
	}
	return fmt.Errorf("%w: delivery failed", ErrUnavailable)
}
