package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// magicPrefix is the anti-CSRF sentinel Gerrit prepends to every JSON
// response body. It must be stripped before decoding.
// See: https://gerrit-review.googlesource.com/Documentation/rest-api.html#output
const magicPrefix = ")]}'\n"

// ClientConfig configures the Gerrit REST client.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string // HTTP password, not the account password

	// Timeout bounds each individual request (default: 30s).
	Timeout time.Duration
	// MaxConns sizes the connection pool. Match this to the configured
	// review concurrency so parallel diff fetches don't starve.
	MaxConns int
	// RequestsPerSecond caps the request rate against the Gerrit server.
	// Zero disables rate limiting.
	RequestsPerSecond int
}

// Client wraps the subset of the Gerrit REST API the bot needs. All methods
// authenticate with HTTP basic auth against the /a/ endpoints.
type Client struct {
	baseURL string
	user    string
	pass    string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Gerrit REST client with a pooled transport.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 5
	}

	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		user:    cfg.Username,
		pass:    cfg.Password,
		timeout: timeout,
		http:    &http.Client{Transport: transport},
		limiter: limiter,
	}
}

// stripMagicPrefix removes Gerrit's anti-CSRF sentinel from a response body.
func stripMagicPrefix(body []byte) []byte {
	return bytes.TrimPrefix(body, []byte(magicPrefix))
}

// do executes one authenticated request and returns the response body with
// the magic prefix stripped. Non-2xx statuses are returned as errors that
// include the response body.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gerrit API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return stripMagicPrefix(respBody), nil
}

// ListFiles returns the paths of files changed in a revision, including the
// synthetic /COMMIT_MSG entry. Callers filter what they don't want.
func (c *Client) ListFiles(ctx context.Context, changeID, revision string) ([]string, error) {
	path := fmt.Sprintf("/a/changes/%s/revisions/%s/files/", changeID, revision)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list files for %s: %w", changeID, err)
	}

	// The response is a map of file path to file info; only the keys matter.
	var files map[string]json.RawMessage
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("failed to decode file list for %s: %w", changeID, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	return names, nil
}

// GetFileDiff fetches the structured diff of one file in a revision.
func (c *Client) GetFileDiff(ctx context.Context, changeID, revision, file string) (*FileDiff, error) {
	encoded := url.PathEscape(file)
	path := fmt.Sprintf("/a/changes/%s/revisions/%s/files/%s/diff", changeID, revision, encoded)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch diff for %s: %w", file, err)
	}

	var diff FileDiff
	if err := json.Unmarshal(body, &diff); err != nil {
		return nil, fmt.Errorf("failed to decode diff for %s: %w", file, err)
	}
	return &diff, nil
}

// changeInfo is the slice of ChangeInfo the currency check needs.
type changeInfo struct {
	CurrentRevision string `json:"current_revision"`
}

// IsCurrentRevision reports whether revision is still the change's current
// patchset. The pipeline calls this after analysis so a superseded patchset
// never receives a late review.
func (c *Client) IsCurrentRevision(ctx context.Context, changeID, revision string) (bool, error) {
	path := fmt.Sprintf("/a/changes/%s?o=CURRENT_REVISION", changeID)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, fmt.Errorf("failed to fetch change %s: %w", changeID, err)
	}

	var info changeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return false, fmt.Errorf("failed to decode change %s: %w", changeID, err)
	}
	return info.CurrentRevision == revision, nil
}

// ReviewInput is the body of a SetReview call.
type ReviewInput struct {
	Message  string                    `json:"message"`
	Labels   map[string]int            `json:"labels,omitempty"`
	Comments map[string][]CommentInput `json:"comments,omitempty"`
}

// CommentInput is one inline comment in a review post.
type CommentInput struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// SetReview posts a review (message, Code-Review vote, optional inline
// comments) on a revision.
func (c *Client) SetReview(ctx context.Context, changeID, revision string, review ReviewInput) error {
	path := fmt.Sprintf("/a/changes/%s/revisions/%s/review", changeID, revision)

	log.Info().
		Str("change", changeID).
		Int("vote", review.Labels["Code-Review"]).
		Int("inline_comments", len(review.Comments)).
		Msg("Posting review")

	if _, err := c.do(ctx, http.MethodPost, path, review); err != nil {
		return fmt.Errorf("failed to post review on %s: %w", changeID, err)
	}
	return nil
}

// RemoveReviewer removes an account from a change's reviewer list.
func (c *Client) RemoveReviewer(ctx context.Context, changeID, account string) error {
	path := fmt.Sprintf("/a/changes/%s/reviewers/%s", changeID, url.QueryEscape(account))

	log.Info().
		Str("change", changeID).
		Str("account", account).
		Msg("Removing reviewer")

	if _, err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("failed to remove reviewer %s from %s: %w", account, changeID, err)
	}
	return nil
}
