// Package readiness answers whether the backend serves requests.
//
// Checker probes the health endpoint once. Gate polls it during startup until
// the backend answers or a deadline expires. Monitor keeps probing in the
// background and logs when availability changes.
package readiness

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultURL      = "http://127.0.0.1:8000/health"
	DefaultTimeout  = 2 * time.Second
	DefaultInterval = 500 * time.Millisecond
	DefaultDeadline = 60 * time.Second
)

// Prober is anything which can tell if the backend is up.
type Prober interface {
	CheckHealth(ctx context.Context) bool
}

type Checker struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

type CheckerOption func(*Checker)

func WithClient(client *http.Client) CheckerOption {
	return func(c *Checker) {
		c.client = client
	}
}

func WithCheckerLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// NewChecker returns a Checker for url. Zero values select DefaultURL and
// DefaultTimeout.
func NewChecker(url string, timeout time.Duration, opts ...CheckerOption) *Checker {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Checker{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) URL() string {
	return c.url
}

// CheckHealth issues a single GET. Any 2xx answer is healthy; transport
// errors, timeouts and other statuses are not. It never returns an error.
func (c *Checker) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.logger.DebugContext(ctx, "health request", "url", c.url, "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.DebugContext(ctx, "health probe failed", "url", c.url, "error", err)
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.logger.DebugContext(ctx, "health probe failed", "url", c.url, "status", resp.StatusCode)
	}
	return ok
}
