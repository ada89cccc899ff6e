package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu     sync.Mutex
	tokens map[string][]string
}

func newFakeRegistry(userID string, tokens ...string) *fakeRegistry {
	return &fakeRegistry{tokens: map[string][]string{userID: tokens}}
}

func (r *fakeRegistry) Tokens(ctx context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens[userID]...), nil
}

func (r *fakeRegistry) Register(ctx context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[userID] = append(r.tokens[userID], token)
	return nil
}

func (r *fakeRegistry) Remove(ctx context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tokens[userID][:0]
	for _, t := range r.tokens[userID] {
		if t != token {
			kept = append(kept, t)
		}
	}
	r.tokens[userID] = kept
	return nil
}

type fakeClient struct {
	errByToken map[string]error
}

func (c fakeClient) Send(ctx context.Context, token string, msg Message) error {
	return c.errByToken[token]
}

func TestNotifyZeroTokensIsNotAnError(t *testing.T) {
	d := NewDispatcher(NoopClient{}, newFakeRegistry("u1"), nil)

	report, err := d.Notify(context.Background(), "u1", Message{Title: "gate"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Equal(t, 0, report.Delivered)
	assert.False(t, report.Notified)
}

func TestNotifyPartialSuccessCountsAndPrunes(t *testing.T) {
	reg := newFakeRegistry("u1", "tok-ok", "tok-dead", "tok-flaky")
	client := fakeClient{errByToken: map[string]error{
		"tok-dead":  fmt.Errorf("%w: NotRegistered", ErrTokenInvalid),
		"tok-flaky": fmt.Errorf("%w: timeout", ErrUnavailable),
	}}
	d := NewDispatcher(client, reg, nil)

	report, err := d.Notify(context.Background(), "u1", Message{Title: "gate"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Pruned)
	assert.True(t, report.Notified)

	// the dead token is deregistered asynchronously; the flaky one stays
	assert.Eventually(t, func() bool {
		tokens, _ := reg.Tokens(context.Background(), "u1")
		return len(tokens) == 2
	}, 2*time.Second, 10*time.Millisecond)
	tokens, _ := reg.Tokens(context.Background(), "u1")
	assert.Contains(t, tokens, "tok-ok")
	assert.Contains(t, tokens, "tok-flaky")
	assert.NotContains(t, tokens, "tok-dead")
}

func TestNotifyAllFailedIsDistinctFromNoTokens(t *testing.T) {
	reg := newFakeRegistry("u1", "tok-a", "tok-b")
	client := fakeClient{errByToken: map[string]error{
		"tok-a": fmt.Errorf("%w: 503", ErrUnavailable),
		"tok-b": fmt.Errorf("%w: 503", ErrUnavailable),
	}}
	d := NewDispatcher(client, reg, nil)

	report, err := d.Notify(context.Background(), "u1", Message{Title: "gate"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 0, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	assert.False(t, report.Notified)
}

type errRegistry struct{ fakeRegistry }

func (*errRegistry) Tokens(ctx context.Context, userID string) ([]string, error) {
	return nil, errors.New("registry down")
}

func TestNotifyRegistryErrorSurfaces(t *testing.T) {
	d := NewDispatcher(NoopClient{}, &errRegistry{}, nil)
	_, err := d.Notify(context.Background(), "u1", Message{})
	require.Error(t, err)
}
