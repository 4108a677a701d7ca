package readwise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/readwise-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry on a later cycle.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// DefaultBaseURL is the production Readwise endpoint.
const DefaultBaseURL = "https://readwise.io"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided. Artifact downloads get their
	// own, longer timeout via context.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps JSON response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// maxArtifactBytes caps export archive downloads. Readwise exports
	// are zip files of markdown; 1GB is far beyond any real export.
	maxArtifactBytes = 1 << 30

	// exportTarget identifies this client class to the export and
	// refresh endpoints. The value is a wire contract with the server.
	exportTarget = "obsidian"
)

// Client talks to the Readwise export API. The access token and client
// identifier are set once after authentication, before any background
// goroutines start issuing requests.
type Client struct {
	httpClient *http.Client
	baseURL    string

	token    string
	clientID string

	sleep func(ctx context.Context, d time.Duration) error
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the access token
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect
// policy is created. An empty baseURL selects the production endpoint.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		sleep:      sleepCtx,
	}
}

// SetCredentials sets the access token and client identifier attached
// to every subsequent request.
func (c *Client) SetCredentials(token, clientID string) {
	c.token = token
	c.clientID = clientID
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus reports whether an HTTP status is worth retrying on
// a later cycle: server errors and explicit throttling.
func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// statusError maps a non-2xx response to an error. Known conflict
// statuses get dedicated messages so the user can tell "busy" apart
// from "broken".
func statusError(endpoint string, code int, body []byte) error {
	switch code {
	case http.StatusConflict:
		return fmt.Errorf("%w: another client is already syncing (%s returned %d)",
			apperrors.ErrAPIRequest, endpoint, code)
	case http.StatusLocked:
		return fmt.Errorf("%w: export is temporarily locked, try again shortly (%s returned %d)",
			apperrors.ErrAPIRequest, endpoint, code)
	}

	err := fmt.Errorf("%w: %s returned status %d: %s",
		apperrors.ErrAPIRequest, endpoint, code, sanitizeResponseBody(body))
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// do sends a request with auth headers and returns the capped response
// body and status code. Network-level failures come back wrapped in
// TransientError; non-2xx statuses come back as statusError.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, maxBytes int64) ([]byte, int, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	if c.clientID != "" {
		req.Header.Set("Obsidian-Client", c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, 0, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return respBody, resp.StatusCode, statusError(endpoint, resp.StatusCode, respBody)
	}

	return respBody, resp.StatusCode, nil
}

// ExportInit is the server's answer to an export request.
type ExportInit struct {
	// LatestID is the id of the export job that will (or already does)
	// contain the user's data.
	LatestID int64

	// Status is the server's textual status for that job.
	Status string

	// Created reports whether the server started building a new export
	// (HTTP 201) rather than pointing at an already-built one.
	Created bool
}

// InitExport asks the server to begin building an export.
// parentPageDeleted signals that the local base directory is gone so
// the server knows to rebuild everything. statusID, when non-zero, is
// the last completed job id.
func (c *Client) InitExport(ctx context.Context, parentPageDeleted bool, statusID int64) (*ExportInit, error) {
	q := url.Values{}
	q.Set("parentPageDeleted", strconv.FormatBool(parentPageDeleted))

	if statusID > 0 {
		q.Set("statusID", strconv.FormatInt(statusID, 10))
	}

	body, code, err := c.do(ctx, http.MethodGet, "/api/obsidian/init", q, nil, maxAPIResponseBytes)
	if err != nil {
		return nil, err
	}

	latest := gjson.GetBytes(body, "latest_id")
	if !latest.Exists() || latest.Type != gjson.Number {
		return nil, fmt.Errorf("%w: init response missing latest_id: %s",
			apperrors.ErrAPIResponse, sanitizeResponseBody(body))
	}

	return &ExportInit{
		LatestID: latest.Int(),
		Status:   gjson.GetBytes(body, "status").Str,
		Created:  code == http.StatusCreated,
	}, nil
}

// StatusClass buckets a job's taskStatus into the three outcomes the
// poll loop distinguishes.
type StatusClass int

const (
	// StatusWaiting means the job is not ready yet; poll again.
	StatusWaiting StatusClass = iota

	// StatusReady means the archive can be downloaded.
	StatusReady

	// StatusFailed means the job failed or reported an unrecognized
	// state; treat as terminal.
	StatusFailed
)

// ExportStatus is one observation of a running export job.
type ExportStatus struct {
	TotalBooks    int64
	BooksExported int64
	IsFinished    bool
	TaskStatus    string
}

// Class maps the raw taskStatus string onto a poll decision. Everything
// outside the known waiting set and SUCCESS is terminal failure, so an
// unrecognized status never loops forever.
func (s *ExportStatus) Class() StatusClass {
	switch s.TaskStatus {
	case "PENDING", "RECEIVED", "STARTED", "RETRY":
		return StatusWaiting
	case "SUCCESS":
		return StatusReady
	default:
		return StatusFailed
	}
}

// GetExportStatus fetches the current status of an export job. A 2xx
// body without a taskStatus string is a malformed payload, reported as
// ErrAPIResponse rather than trusted.
func (c *Client) GetExportStatus(ctx context.Context, jobID int64) (*ExportStatus, error) {
	q := url.Values{}
	q.Set("exportStatusId", strconv.FormatInt(jobID, 10))

	body, _, err := c.do(ctx, http.MethodGet, "/api/get_export_status", q, nil, maxAPIResponseBytes)
	if err != nil {
		return nil, err
	}

	task := gjson.GetBytes(body, "taskStatus")
	if !task.Exists() || task.Type != gjson.String {
		return nil, fmt.Errorf("%w: status response missing taskStatus: %s",
			apperrors.ErrAPIResponse, sanitizeResponseBody(body))
	}

	return &ExportStatus{
		TotalBooks:    gjson.GetBytes(body, "totalBooks").Int(),
		BooksExported: gjson.GetBytes(body, "booksExported").Int(),
		IsFinished:    gjson.GetBytes(body, "isFinished").Bool(),
		TaskStatus:    task.Str,
	}, nil
}

// DownloadArtifact fetches the packaged archive for a completed job.
func (c *Client) DownloadArtifact(ctx context.Context, jobID int64) ([]byte, error) {
	endpoint := "/api/download_artifact/" + strconv.FormatInt(jobID, 10)

	body, _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, maxArtifactBytes)
	if err != nil {
		return nil, err
	}

	return body, nil
}

// refreshRequest is the body of a refresh_book_export call.
type refreshRequest struct {
	ExportTarget string   `json:"exportTarget"`
	Books        []string `json:"books"`
}

// RefreshBooks asks the server to regenerate the given book ids into
// the next export.
func (c *Client) RefreshBooks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	payload, err := json.Marshal(refreshRequest{
		ExportTarget: exportTarget,
		Books:        ids,
	})
	if err != nil {
		return fmt.Errorf("marshalling refresh request: %w", err)
	}

	_, _, err = c.do(ctx, http.MethodPost, "/api/refresh_book_export", nil, bytes.NewReader(payload), maxAPIResponseBytes)

	return err
}

// AckSync tells the server a sync completed. Best effort: callers log
// failures and move on, a lost ack never rolls back a completed sync.
func (c *Client) AckSync(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodPost, "/api/obsidian/sync_ack", nil, bytes.NewReader([]byte("{}")), maxAPIResponseBytes)

	return err
}
