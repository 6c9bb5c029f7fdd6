package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session is a long-lived connection context to a provider, such as an
// HTTP client holding the cookies of a warmed-up visit.
type Session interface {
	Do(req *http.Request) (*http.Response, error)
	Close() error
}

// SessionFactory creates a new Session. It may be slow.
type SessionFactory func(ctx context.Context) (Session, error)

// SessionPool holds at most one Session. Concurrent first callers share a
// single in-flight creation; a failed creation leaves the slot empty so a
// later call can retry.
type SessionPool struct {
	factory SessionFactory

	mu    sync.Mutex
	sess  Session
	group singleflight.Group
}

// NewSessionPool returns a pool that creates sessions with factory.
func NewSessionPool(factory SessionFactory) *SessionPool {
	return &SessionPool{factory: factory}
}

// Get returns the pooled session, creating it on first use.
func (p *SessionPool) Get(ctx context.Context) (Session, error) {
	p.mu.Lock()
	if p.sess != nil {
		s := p.sess
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	ch := p.group.DoChan("session", func() (any, error) {
		p.mu.Lock()
		if p.sess != nil {
			s := p.sess
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		// Creation outlives the caller that triggered it; the others may
		// still be waiting.
		s, err := p.factory(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.sess = s
		p.mu.Unlock()
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, eris.Wrap(res.Err, "provider: create session")
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "provider: wait for session")
	}
}

// Invalidate drops s if it is still the pooled session. The next Get
// creates a fresh one.
func (p *SessionPool) Invalidate(s Session) {
	p.mu.Lock()
	if p.sess != s || s == nil {
		p.mu.Unlock()
		return
	}
	p.sess = nil
	p.mu.Unlock()
	if err := s.Close(); err != nil {
		zap.L().Debug("close invalidated session", zap.Error(err))
	}
}

// Release closes the pooled session, if any.
func (p *SessionPool) Release() error {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return eris.Wrap(s.Close(), "provider: release session")
}

// HTTPSessionConfig configures sessions created by NewHTTPSessionFactory.
type HTTPSessionConfig struct {
	UserAgent string
	// WarmupURL, when set, is fetched once so the cookie jar holds whatever
	// the provider sets on a first page visit.
	WarmupURL string
	// Transport overrides the default transport.
	Transport http.RoundTripper
}

type httpSession struct {
	client    *http.Client
	userAgent string
}

func (s *httpSession) Do(req *http.Request) (*http.Response, error) {
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	return s.client.Do(req)
}

func (s *httpSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// NewHTTPSessionFactory returns a factory for cookie-carrying HTTP sessions.
func NewHTTPSessionFactory(cfg HTTPSessionConfig) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, eris.Wrap(err, "provider: cookie jar")
		}
		transport := cfg.Transport
		if transport == nil {
			transport = &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}
		}
		s := &httpSession{
			client:    &http.Client{Jar: jar, Transport: transport},
			userAgent: cfg.UserAgent,
		}
		if cfg.WarmupURL == "" {
			return s, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.WarmupURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "provider: warmup request")
		}
		resp, err := s.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "provider: warmup %s", cfg.WarmupURL)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		zap.L().Debug("provider session warmed up",
			zap.String("url", cfg.WarmupURL),
			zap.Int("status", resp.StatusCode),
		)
		return s, nil
	}
}
