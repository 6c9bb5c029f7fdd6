package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

const maxBodyBytes = 1 << 20

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout bounds each request attempt. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry replaces the in-fetch retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *HTTPClient) {
		c.retry = cfg
	}
}

// WithSessionPool replaces the session pool. The client does not own a
// pool passed this way; Release still closes its session.
func WithSessionPool(p *SessionPool) Option {
	return func(c *HTTPClient) {
		c.pool = p
	}
}

// WithUserAgent sets the User-Agent of the default session factory.
func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) {
		c.userAgent = ua
	}
}

// HTTPClient implements Client over HTTP for one provider.
type HTTPClient struct {
	classifier Classifier
	pool       *SessionPool
	timeout    time.Duration
	retry      resilience.RetryConfig
	userAgent  string
}

// NewHTTPClient creates a client that fetches through c's endpoint.
func NewHTTPClient(c Classifier, opts ...Option) *HTTPClient {
	hc := &HTTPClient{
		classifier: c,
		timeout:    30 * time.Second,
		retry:      resilience.RetryAttempts(2),
		userAgent:  "forexradar/1.0",
	}
	for _, o := range opts {
		o(hc)
	}
	if hc.pool == nil {
		cfg := HTTPSessionConfig{UserAgent: hc.userAgent}
		if w, ok := c.(Warmer); ok {
			cfg.WarmupURL = w.WarmupURL()
		}
		hc.pool = NewSessionPool(NewHTTPSessionFactory(cfg))
	}
	if hc.retry.ShouldRetry == nil {
		hc.retry.ShouldRetry = shouldRetry
	}
	if hc.retry.OnRetry == nil {
		hc.retry.OnRetry = resilience.RetryLogger(string(c.Provider()), "fetch")
	}
	return hc
}

// Provider returns the provider this client fetches from.
func (c *HTTPClient) Provider() model.Provider { return c.classifier.Provider() }

// Fetch implements Client.
func (c *HTTPClient) Fetch(ctx context.Context, date model.Date, from, to string) (*model.RateRecord, error) {
	from, to, err := normalizePair(from, to)
	if err != nil {
		return nil, resilience.NewFatalError(err)
	}
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*model.RateRecord, error) {
		return c.fetchOnce(ctx, date, from, to)
	})
}

// Release closes the provider session. The client can still be used; the
// next Fetch opens a new session.
func (c *HTTPClient) Release() error {
	return c.pool.Release()
}

func (c *HTTPClient) fetchOnce(ctx context.Context, date model.Date, from, to string) (*model.RateRecord, error) {
	sess, err := c.pool.Get(ctx)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.classifier.BuildRequest(ctx, date, from, to)
	if err != nil {
		if resilience.IsFatal(err) {
			return nil, err
		}
		return nil, resilience.NewFatalError(eris.Wrap(err, "provider: build request"))
	}

	resp, err := sess.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "provider: %s timed out after %s", c.Provider(), c.timeout), 0)
		}
		c.pool.Invalidate(sess)
		return nil, resilience.NewTransientError(eris.Wrapf(err, "provider: %s request", c.Provider()), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "provider: %s read body", c.Provider()), resp.StatusCode)
	}

	out := c.classifier.Classify(RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, date, from, to)
	if out.StatusCode == 0 {
		out.StatusCode = resp.StatusCode
	}
	if out.Kind != KindRecord {
		zap.L().Debug("provider outcome",
			zap.String("provider", string(c.Provider())),
			zap.String("date", date.String()),
			zap.String("from", from),
			zap.String("to", to),
			zap.Stringer("kind", out.Kind),
			zap.Int("status", resp.StatusCode),
		)
	}
	return out.Result()
}

func shouldRetry(err error) bool {
	return resilience.IsTransient(err) && !errors.Is(err, ErrNoObservation)
}

func normalizePair(from, to string) (string, string, error) {
	f, err := model.ParseCurrency(from)
	if err != nil {
		return "", "", err
	}
	t, err := model.ParseCurrency(to)
	if err != nil {
		return "", "", err
	}
	if f == t {
		return "", "", eris.Errorf("provider: %s/%s is not a currency pair", f, t)
	}
	return f, t, nil
}
