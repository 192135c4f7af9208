// Package backend is the participant's HTTP client for the livestage REST
// API: auth, tokens, entitlements, the active-actions log, attendance and
// the owner's lifecycle and room writes.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("too many requests")
)

// maxResponseBytes bounds every JSON body read from the API.
const maxResponseBytes = 1 << 20

// StatusError is a non-2xx answer. errors.Is matches it against the
// sentinel for its status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrConflict:
		return e.Code == http.StatusConflict
	case ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	}
	return false
}

type Client struct {
	base  *url.URL
	http  *retryablehttp.Client
	clock clockwork.Clock

	mu           sync.RWMutex
	accountToken string
	meetingToken string
}

type ClientOption func(*Client)

// WithRetryMax overrides how often a failed request is retried.
func WithRetryMax(n int) ClientOption {
	return func(c *Client) { c.http.RetryMax = n }
}

func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithAccountToken starts the client signed in.
func WithAccountToken(token string) ClientOption {
	return func(c *Client) { c.accountToken = token }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http(s): %q", baseURL)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = leveled{}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{base: u, http: rc, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// checkRetry retries connection failures and 5xx. A 429 is the server's
// answer to a resend, so it is surfaced right away.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) SetAccountToken(token string) {
	c.mu.Lock()
	c.accountToken = token
	c.mu.Unlock()
}

func (c *Client) AccountToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountToken
}

// bearer prefers the account token; a guest owner-less call falls back to
// the last meeting token.
func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accountToken != "" {
		return c.accountToken
	}
	return c.meetingToken
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/api/" + strings.Join(escaped, "/")
}

// do sends in as JSON (when non-nil) and decodes a 2xx body into out
// (when non-nil).
func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: network error: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// leveled adapts the global zerolog logger to retryablehttp.LeveledLogger.
type leveled struct{}

func (leveled) emit(e *zerolog.Event, msg string, kv []any) {
	e.Str("module", "live.backend").Fields(kv).Msg(msg)
}

func (l leveled) Error(msg string, kv ...any) { l.emit(log.Warn(), msg, kv) }
func (l leveled) Info(msg string, kv ...any)  { l.emit(log.Debug(), msg, kv) }
func (l leveled) Debug(msg string, kv ...any) { l.emit(log.Trace(), msg, kv) }
func (l leveled) Warn(msg string, kv ...any)  { l.emit(log.Warn(), msg, kv) }
