package readwise

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/readwise-sync/internal/errors"
)

func TestNewClientID_Random(t *testing.T) {
	a, err := NewClientID()
	require.NoError(t, err)
	b, err := NewClientID()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestAuthURL(t *testing.T) {
	c := NewClient(nil, "https://example.test")

	u := c.AuthURL("abc123")
	assert.Contains(t, u, "https://example.test/api_auth?")
	assert.Contains(t, u, "token=abc123")
	assert.Contains(t, u, "service=obsidian")
}

func TestAuthenticate_TokenIssuedAfterPolling(t *testing.T) {
	var calls atomic.Int64

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth", r.URL.Path)
		assert.Equal(t, "client-1", r.URL.Query().Get("token"))

		if calls.Add(1) < 3 {
			io.WriteString(w, `{}`)
			return
		}

		io.WriteString(w, `{"userAccessToken": "tok_issued"}`)
	})

	token, err := c.Authenticate(context.Background(), "client-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "tok_issued", token)
	assert.Equal(t, int64(3), calls.Load())
}

func TestAuthenticate_OpensPageOnce(t *testing.T) {
	var opened []string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"userAccessToken": "tok"}`)
	})

	_, err := c.Authenticate(context.Background(), "client-1", func(url string) error {
		opened = append(opened, url)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, opened, 1)
	assert.Contains(t, opened[0], "/api_auth?")
}

func TestAuthenticate_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int64

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{}`)
	})

	_, err := c.Authenticate(context.Background(), "client-1", nil)
	assert.ErrorIs(t, err, apperrors.ErrAuthTimeout)
	assert.Equal(t, int64(authMaxAttempts), calls.Load())
}

func TestAuthenticate_TransportFailureAborts(t *testing.T) {
	var calls atomic.Int64

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Authenticate(context.Background(), "client-1", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrAuthTimeout, "transport failure is not an attempt-budget failure")
	assert.Equal(t, int64(1), calls.Load(), "no retry within the same call on transport failure")
}

func TestAuthenticate_CancelledDuringSleep(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Authenticate(ctx, "client-1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
