package main

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/config"
	"github.com/avishj/ForexRadar-sub001/internal/fetcher"
	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/provider"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// newProviderClient builds the live HTTP client for p from config.
func newProviderClient(c *config.Config, p model.Provider) (*provider.HTTPClient, error) {
	pc := c.Provider(p)
	cl, err := provider.NewClassifier(p, pc.BaseURL)
	if err != nil {
		return nil, err
	}
	return provider.NewHTTPClient(cl,
		provider.WithTimeout(c.Fetch.Timeout()),
		provider.WithRetry(resilience.RetryAttempts(c.Fetch.MaxRetries)),
		provider.WithUserAgent(c.Fetch.UserAgent),
	), nil
}

// newArchiveStore opens the writable archive under archive.dir.
func newArchiveStore(c *config.Config) *archive.Store {
	return archive.NewStore(c.Archive.Dir)
}

// newArchiveReader reads the published archive over HTTP when
// archive.base_url is set and from archive.dir otherwise.
func newArchiveReader(c *config.Config) *archive.Reader {
	var src archive.Source = archive.DirSource(c.Archive.Dir)
	if c.Archive.BaseURL != "" {
		retries := c.Fetch.MaxRetries
		src = archive.HTTPSource{
			BaseURL: c.Archive.BaseURL,
			Fetcher: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent:  c.Fetch.UserAgent,
				Timeout:    c.Fetch.Timeout(),
				MaxRetries: &retries,
			}),
		}
	}
	return archive.NewReader(src, archive.ReaderOptions{MinYear: c.Archive.MinYear})
}

// parseTargets splits a comma-separated currency list, validating and
// de-duplicating the codes in order.
func parseTargets(csv string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := model.ParseCurrency(part)
		if err != nil {
			return nil, err
		}
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return nil, eris.New("no target currencies")
	}
	return out, nil
}
