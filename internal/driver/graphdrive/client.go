// Package graphdrive implements the storage driver for Microsoft Graph
// drives (OneDrive, SharePoint document libraries). Items are addressed by
// path relative to the drive root; uploads above the simple-PUT limit go
// through Graph upload sessions.
package graphdrive

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/pathutil"
)

// Retry and backoff constants.
const (
	maxRetries     = 3
	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "canopy/0.1"
)

// defaultBaseURL is the Graph v1.0 endpoint.
const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per Go
// convention; tokenManager is the real implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// client executes Graph API calls with authentication, retry with
// exponential backoff, and status classification into driver error kinds.
type client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func newClient(baseURL string, httpClient *http.Client, token TokenSource) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		sleepFunc:  sleepCtx,
	}
}

// itemPath builds the path-addressed API path for a drive item, e.g.
// "/me/drive/root:/docs/a.txt:" for "/docs/a.txt". op is appended after the
// colon ("/children", "/content", "/createUploadSession").
func itemPath(subpath, op string) (string, error) {
	canon, err := pathutil.Canonicalize(subpath)
	if err != nil {
		return "", err
	}

	if canon == "/" {
		if op == "" {
			return "/me/drive/root", nil
		}

		return "/me/drive/root" + op, nil
	}

	segs := strings.Split(strings.TrimPrefix(canon, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	encoded := "/me/drive/root:/" + strings.Join(segs, "/")
	if op == "" {
		return encoded, nil
	}

	return encoded + ":" + op, nil
}

// do executes a request with retries. The caller closes the response body on
// success. bodyFn is invoked once per attempt so request bodies are safe to
// retry; nil means no body.
func (c *client) do(ctx context.Context, method, path string, bodyFn func() (io.Reader, error), contentType string) (*http.Response, error) {
	fullURL := path
	if !strings.HasPrefix(path, "http") {
		fullURL = c.baseURL + path
	}

	var attempt int

	for {
		var body io.Reader

		if bodyFn != nil {
			var err error
			if body, err = bodyFn(); err != nil {
				return nil, fmt.Errorf("graphdrive: building request body: %w", err)
			}
		}

		resp, err := c.doOnce(ctx, method, fullURL, body, contentType)
		if err != nil {
			if ctx.Err() != nil {
				return nil, driver.E(driver.KindCancelled, "graph."+method, path, ctx.Err())
			}

			if attempt < maxRetries {
				if sleepErr := c.sleepFunc(ctx, c.calcBackoff(attempt)); sleepErr != nil {
					return nil, driver.E(driver.KindCancelled, "graph."+method, path, sleepErr)
				}

				attempt++

				continue
			}

			return nil, driver.E(driver.KindUpstream, "graph."+method, path, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			if sleepErr := c.sleepFunc(ctx, c.retryBackoff(resp, attempt)); sleepErr != nil {
				return nil, driver.E(driver.KindCancelled, "graph."+method, path, sleepErr)
			}

			attempt++

			continue
		}

		return nil, classifyStatus("graph."+method, path, resp.StatusCode, string(errBody))
	}
}

func (c *client) doOnce(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// classifyStatus maps a Graph HTTP status to a driver error kind.
func classifyStatus(op, path string, status int, message string) error {
	var kind driver.Kind

	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = driver.KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = driver.KindForbidden
	case status == http.StatusConflict || status == http.StatusLocked ||
		status == http.StatusPreconditionFailed:
		kind = driver.KindConflict
	case status == http.StatusBadRequest ||
		status == http.StatusRequestedRangeNotSatisfiable:
		kind = driver.KindValidation
	default:
		return &driver.Error{Kind: driver.KindUpstream, Op: op, Path: path, Status: status,
			Err: fmt.Errorf("graph status %d: %s", status, message)}
	}

	return &driver.Error{Kind: kind, Op: op, Path: path, Status: status,
		Err: fmt.Errorf("graph status %d", status)}
}

// isRetryable reports whether the status warrants a retry. 509 is the
// SharePoint bandwidth-exceeded status.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		const statusBandwidthExceeded = 509

		return code == statusBandwidthExceeded
	}
}

// retryBackoff honors Retry-After on 429; everything else gets exponential
// backoff with jitter.
func (c *client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)

	return time.Duration(backoff + jitter)
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
