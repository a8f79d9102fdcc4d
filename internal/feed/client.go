// Package feed fetches upstream map data and discovery documents.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"
)

var (
	// ErrTransport means every attempt failed at the connection level.
	ErrTransport = errors.New("feed: transport failure")
	// ErrStatus means the server answered with a non-2xx status.
	ErrStatus = errors.New("feed: unexpected status")
	// ErrErrorPage means the payload is an HTML page instead of data.
	ErrErrorPage = errors.New("feed: upstream served an error page")
)

// Options configures a Client.
type Options struct {
	Attempts  int           // total attempts per fetch, including the first
	RetryWait time.Duration // fixed pause between attempts
	Timeout   time.Duration // per attempt
	Rate      float64       // requests per second, 0 = unlimited
	Logger    *slog.Logger
}

// DefaultOptions match the upstream's tolerance: three quick attempts.
func DefaultOptions() Options {
	return Options{
		Attempts:  3,
		RetryWait: 150 * time.Millisecond,
		Timeout:   60 * time.Second,
	}
}

// Client fetches feeds with a bounded retry on connection failures. Responses
// are never retried: a well-formed but wrong answer is for the caller to judge.
type Client struct {
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

// NewClient creates a feed client.
func NewClient(opts Options) *Client {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = logger.With("component", "feed")
	rc.RetryMax = opts.Attempts - 1
	rc.RetryWaitMin = opts.RetryWait
	rc.RetryWaitMax = opts.RetryWait
	rc.CheckRetry = retryTransportOnly
	rc.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	// Pooled connections are discarded before a retry so that every attempt
	// after a failure starts on a fresh session.
	rc.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt > 0 {
			rc.HTTPClient.CloseIdleConnections()
		}
	}
	rc.ErrorHandler = func(resp *http.Response, err error, tries int) (*http.Response, error) {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrTransport, tries, err)
	}

	c := &Client{http: rc}
	if opts.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return c
}

// retryTransportOnly retries connection failures, including a connection
// lost while the body is streaming. The body is therefore read here; the
// response handed back to Fetch carries it in memory.
func retryTransportOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	body, rerr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if rerr != nil {
		resp.Body = http.NoBody
		return true, fmt.Errorf("read body: %w", rerr)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return false, nil
}

// Fetch GETs url and returns the body as text. Gzip payloads are inflated.
func (c *Client) Fetch(ctx context.Context, url string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w: %w", url, ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("GET %s: %w %d", url, ErrStatus, resp.StatusCode)
	}

	if isGzip(body) {
		if body, err = inflate(body); err != nil {
			return "", fmt.Errorf("GET %s: inflate: %w", url, err)
		}
	}
	return string(body), nil
}

func isGzip(b []byte) bool {
	return len(b) > 2 && b[0] == 0x1f && b[1] == 0x8b
}

func inflate(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// IsErrorPage reports whether a payload is an HTML document rather than data.
func IsErrorPage(body string) bool {
	head := strings.TrimLeft(body, " \t\r\n\ufeff")
	if len(head) > 15 {
		head = head[:15]
	}
	head = strings.ToLower(head)
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// Lines splits a payload into its non-empty lines.
func Lines(body string) []string {
	raw := strings.Split(body, "\n")
	out := raw[:0]
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
