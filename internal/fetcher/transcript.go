// Package fetcher downloads raw transcripts from company-hosted HTTP(S)
// endpoints. Fetch failures are values, not errors: callers decide whether a
// failed fetch is fatal for the session or merely logged.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result is the outcome of one transcript fetch. OK is false on any non-2xx
// response or network error, with Reason describing the failure.
type Result struct {
	Content string
	OK      bool
	Reason  string
}

// Fetcher retrieves raw transcript text from an authenticated URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, username, password string) Result
}

// Options configures the HTTP transcript fetcher.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	// RatePerSec bounds outbound fetches; 0 disables limiting.
	RatePerSec float64
}

// HTTPFetcher implements Fetcher using net/http with a shared rate limiter.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sessions-cli/1.0"
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		limiter:   limiter,
	}
}

// Fetch downloads the transcript at rawURL. Basic auth is applied only when
// both username and password are present. Never returns an error across this
// boundary; all failures land in Result.Reason.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, username, password string) Result {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return failure(fmt.Sprintf("rate limiter: %v", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return failure(fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	if username != "" && password != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		zap.L().Debug("transcript fetch failed", zap.String("url", rawURL), zap.Error(err))
		return failure(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(fmt.Sprintf("read body: %v", err))
	}

	return Result{Content: string(body), OK: true}
}

func failure(reason string) Result {
	return Result{Reason: reason}
}

// ValidURL reports whether raw is an absolute http(s) URL with a host,
// i.e. something worth attempting to fetch.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
