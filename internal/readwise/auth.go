package readwise

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/readwise-sync/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// authPollInterval is the delay between token-exchange attempts
	// while waiting for the user to approve access in the browser.
	authPollInterval = time.Second

	// authMaxAttempts bounds the token poll. At one attempt per second
	// the user has twenty seconds to click through the approval page.
	authMaxAttempts = 20

	// authService is the service name passed to the authorization page.
	// The value is a wire contract with the server.
	authService = "obsidian"

	// clientIDBytes is the length of the random client identifier. The
	// id correlates the browser handshake with the token poll and tags
	// every subsequent request.
	clientIDBytes = 32
)

// NewClientID generates a random client identifier. Callers persist it
// on first generation so every later run reuses the same id.
func NewClientID() (string, error) {
	buf := make([]byte, clientIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client id: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// AuthURL returns the authorization page for the given client id. The
// page is opened in a browser, never fetched directly.
func (c *Client) AuthURL(clientID string) string {
	q := url.Values{}
	q.Set("token", clientID)
	q.Set("service", authService)

	return c.baseURL + "/api_auth?" + q.Encode()
}

// fetchToken performs one token-exchange attempt. An empty token with a
// nil error means the server has not issued one yet.
func (c *Client) fetchToken(ctx context.Context, clientID string) (string, error) {
	q := url.Values{}
	q.Set("token", clientID)

	body, _, err := c.do(ctx, http.MethodGet, "/api/auth", q, nil, maxAPIResponseBytes)
	if err != nil {
		return "", err
	}

	return gjson.GetBytes(body, "userAccessToken").Str, nil
}

// Authenticate runs the out-of-band browser handshake: it opens the
// authorization page via openPage (when non-nil), then polls the
// token-exchange endpoint until the server issues an access token or
// the attempt budget runs out. The returned token is not stored on the
// client; callers persist it and then call SetCredentials.
func (c *Client) Authenticate(ctx context.Context, clientID string, openPage func(url string) error) (string, error) {
	if openPage != nil {
		// A failed open is not fatal: the caller logs the URL so the
		// user can visit it manually while we keep polling.
		_ = openPage(c.AuthURL(clientID))
	}

	for attempt := 0; attempt < authMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, authPollInterval); err != nil {
				return "", err
			}
		}

		token, err := c.fetchToken(ctx, clientID)
		if err != nil {
			return "", fmt.Errorf("exchanging token: %w", err)
		}

		if token != "" {
			return token, nil
		}
	}

	return "", apperrors.ErrAuthTimeout
}
