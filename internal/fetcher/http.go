package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration

	// MaxRetries is the number of retries after the first attempt. Nil
	// means 2; zero disables retries.
	MaxRetries *int

	// RetryBackoff is the initial delay between retries. Default: 500ms.
	RetryBackoff time.Duration

	// RateLimiters maps a host to its limiter. Hosts without an entry use
	// DefaultLimit.
	RateLimiters map[string]*rate.Limiter
	DefaultLimit rate.Limit
}

// HTTPFetcher implements Fetcher using net/http with retry and per-host
// rate limiting.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	retries int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	retries := 2
	if opts.MaxRetries != nil {
		retries = *opts.MaxRetries
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "forexradar/1.0"
	}
	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = 20
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		retries:  retries,
		limiters: limiters,
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.opts.DefaultLimit, int(f.opts.DefaultLimit)+1)
		f.limiters[host] = lim
	}
	return lim
}

// Download fetches the URL and returns the response body. 5xx responses and
// network failures are retried; any other non-200 status is returned as a
// *StatusError without retry.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	lim := f.limiterFor(rawURL)
	cfg := resilience.RetryAttempts(f.retries)
	if f.opts.RetryBackoff > 0 {
		cfg.InitialBackoff = f.opts.RetryBackoff
		cfg.MaxBackoff = 20 * f.opts.RetryBackoff
	}
	cfg.OnRetry = resilience.RetryLogger("http", rawURL)

	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (io.ReadCloser, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "http get"), 0)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			serr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(serr, resp.StatusCode)
			}
			return nil, serr
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	return body, nil
}
