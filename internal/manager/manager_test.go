package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/cache"
	"github.com/avishj/ForexRadar-sub001/internal/metrics"
	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/provider"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// 13:00 UTC on 2024-03-15, so 2024-03-14 is the newest queryable day.
var testNow = time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)

type fakeArchive struct {
	recs []model.RateRecord
	err  error
}

func (f *fakeArchive) ReadPair(_ context.Context, _, _ string) (*archive.ReadResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &archive.ReadResult{Records: f.recs, Years: []int{2024}}, nil
}

type fakeClient struct {
	mu    sync.Mutex
	dates []string
	fn    func(d model.Date) (*model.RateRecord, error)
}

func (f *fakeClient) Fetch(_ context.Context, d model.Date, _, _ string) (*model.RateRecord, error) {
	f.mu.Lock()
	f.dates = append(f.dates, d.String())
	f.mu.Unlock()
	return f.fn(d)
}

func rec(date string, p model.Provider, rate string) model.RateRecord {
	return model.RateRecord{
		Date:     model.MustParseDate(date),
		From:     "USD",
		To:       "INR",
		Provider: p,
		Rate:     decimal.RequireFromString(rate),
	}
}

func visaAt(rate string) func(d model.Date) (*model.RateRecord, error) {
	return func(d model.Date) (*model.RateRecord, error) {
		r := rec(d.String(), model.ProviderVisa, rate)
		return &r, nil
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck
	return c
}

func newManager(a ArchiveReader, c Cache, clients map[model.Provider]provider.Client, cfg Config, opts ...Option) *Manager {
	if cfg.LiveDelay == 0 {
		cfg.LiveDelay = -1
	}
	m := New(a, c, clients, cfg, opts...)
	m.nowFunc = func() time.Time { return testNow }
	return m
}

func TestFetchRates_CacheOverridesArchive(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Save(ctx, rec("2024-01-01", model.ProviderVisa, "83.2")))

	m := newManager(&fakeArchive{recs: []model.RateRecord{rec("2024-01-01", model.ProviderVisa, "83.0")}}, c, nil, Config{})
	res, err := m.FetchRates(ctx, "USD", "INR", Options{SkipLive: true})
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "83.2", res.Records[0].Rate.String())
	assert.Equal(t, 1, res.Stats.FromServer)
	assert.Equal(t, 1, res.Stats.FromCache)
	assert.Zero(t, res.Stats.FromLive)
	assert.Empty(t, res.Stats.Diagnostics)
}

func TestFetchRates_OneRecordPerDate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Save(ctx, rec("2024-01-01", model.ProviderMastercard, "83.1")))

	m := newManager(&fakeArchive{recs: []model.RateRecord{
		rec("2024-01-02", model.ProviderVisa, "83.3"),
		rec("2024-01-01", model.ProviderVisa, "83.0"),
	}}, c, nil, Config{})
	res, err := m.FetchRates(ctx, "usd", "inr", Options{SkipLive: true})
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Equal(t, "2024-01-01", res.Records[0].Date.String())
	assert.Equal(t, model.ProviderMastercard, res.Records[0].Provider, "the cached record takes the date")
	assert.Equal(t, "83.1", res.Records[0].Rate.String())
	assert.Equal(t, "2024-01-02", res.Records[1].Date.String())
	assert.Equal(t, 2, res.Stats.FromServer)
	assert.Equal(t, 1, res.Stats.FromCache)
}

func TestFetchRates_CacheTakesDateFromOtherProvider(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Save(ctx, rec("2024-03-14", model.ProviderMastercard, "83.4")))

	m := newManager(&fakeArchive{recs: []model.RateRecord{rec("2024-03-14", model.ProviderVisa, "83.0")}}, c, nil, Config{})
	res, err := m.FetchRates(ctx, "USD", "INR", Options{SkipLive: true})
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, model.ProviderMastercard, res.Records[0].Provider)
}

func TestFetchRates_ArchiveFailureDegrades(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Save(ctx, rec("2024-01-01", model.ProviderVisa, "83.2")))

	m := newManager(&fakeArchive{err: errors.New("network down")}, c, nil, Config{})
	res, err := m.FetchRates(ctx, "USD", "INR", Options{SkipLive: true})
	require.NoError(t, err)

	assert.Len(t, res.Records, 1)
	assert.Zero(t, res.Stats.FromServer)
	require.Len(t, res.Stats.Diagnostics, 1)
	assert.Contains(t, res.Stats.Diagnostics[0], "network down")

	stale, err := m.NeedsRefresh(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, stale, "a failed pull does not mark the currency refreshed")
}

func TestFetchRates_ArchivePullMarksRefreshed(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	m := newManager(&fakeArchive{}, c, nil, Config{})

	stale, err := m.NeedsRefresh(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, stale)

	_, err = m.FetchRates(ctx, "USD", "INR", Options{SkipLive: true})
	require.NoError(t, err)

	stale, err = m.NeedsRefresh(ctx, "USD")
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestFetchRates_InvalidCurrency(t *testing.T) {
	m := newManager(&fakeArchive{}, newTestCache(t), nil, Config{})
	_, err := m.FetchRates(context.Background(), "US", "INR", Options{})
	assert.Error(t, err)
}

func TestFetchRates_LiveFillsGapAndPersists(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	visa := &fakeClient{fn: visaAt("83.5")}

	m := newManager(
		&fakeArchive{recs: []model.RateRecord{rec("2024-03-11", model.ProviderVisa, "83.0")}},
		c,
		map[model.Provider]provider.Client{model.ProviderVisa: visa},
		Config{},
	)
	res, err := m.FetchRates(ctx, "USD", "INR", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-03-14", "2024-03-13", "2024-03-12"}, visa.dates)
	assert.Equal(t, 3, res.Stats.FromLive)
	assert.Equal(t, 3, res.Stats.LiveRequests)
	require.Len(t, res.Records, 4)
	assert.Equal(t, "2024-03-14", res.Records[3].Date.String())

	cached, err := c.GetForPair(ctx, "USD", "INR")
	require.NoError(t, err)
	assert.Len(t, cached, 3, "live records are cached")
}

func TestFetchRates_LiveSkippedWhenMergedViewIsCurrent(t *testing.T) {
	visa := &fakeClient{fn: visaAt("83.5")}
	mc := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		r := rec(d.String(), model.ProviderMastercard, "83.1")
		return &r, nil
	}}
	m := newManager(
		&fakeArchive{recs: []model.RateRecord{rec("2024-03-14", model.ProviderVisa, "83.0")}},
		newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa, model.ProviderMastercard: mc},
		Config{LookbackDays: 30},
	)
	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Empty(t, visa.dates)
	assert.Empty(t, mc.dates, "a provider with no data of its own does not trigger a walk")
	assert.Zero(t, res.Stats.LiveRequests)
	assert.Len(t, res.Records, 1)
}

func TestFetchRates_NextProviderFillsOnlyOpenDates(t *testing.T) {
	visa := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		if d.Before(model.MustParseDate("2024-03-14")) {
			return nil, nil
		}
		return visaAt("83.5")(d)
	}}
	mc := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		r := rec(d.String(), model.ProviderMastercard, "83.1")
		return &r, nil
	}}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa, model.ProviderMastercard: mc},
		Config{LookbackDays: 3})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-14", "2024-03-13"}, visa.dates)
	assert.Equal(t, []string{"2024-03-13", "2024-03-12"}, mc.dates)
	require.Len(t, res.Records, 3)
	assert.Equal(t, model.ProviderMastercard, res.Records[0].Provider)
	assert.Equal(t, model.ProviderVisa, res.Records[2].Provider)
	assert.Equal(t, 3, res.Stats.FromLive)
}

func TestFetchRates_LiveSkipLive(t *testing.T) {
	visa := &fakeClient{fn: visaAt("83.5")}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{})
	_, err := m.FetchRates(context.Background(), "USD", "INR", Options{SkipLive: true})
	require.NoError(t, err)
	assert.Empty(t, visa.dates)
}

func TestFetchRates_LiveStopsAtEndOfHistory(t *testing.T) {
	eoh := model.MustParseDate("2024-03-10")
	visa := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		if d.Before(eoh) {
			return nil, nil
		}
		return visaAt("83")(d)
	}}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{LookbackDays: 30})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Len(t, visa.dates, 6, "03-14 back to 03-09")
	assert.Equal(t, 5, res.Stats.FromLive)
	assert.Zero(t, res.Stats.LiveErrors)
}

func TestFetchRates_LiveBoundedByLookback(t *testing.T) {
	visa := &fakeClient{fn: visaAt("83")}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{LookbackDays: 4})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-14", "2024-03-13", "2024-03-12", "2024-03-11"}, visa.dates)
	assert.Equal(t, 4, res.Stats.FromLive)
}

func TestFetchRates_LiveStopsAfterConsecutiveErrors(t *testing.T) {
	visa := &fakeClient{fn: func(model.Date) (*model.RateRecord, error) {
		return nil, resilience.NewTransientError(errors.New("502"), 502)
	}}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err, "live failures never fail the call")
	assert.Len(t, visa.dates, 3)
	assert.Equal(t, 3, res.Stats.LiveErrors)
	assert.Len(t, res.Stats.Diagnostics, 3)
	assert.Empty(t, res.Records)
}

func TestFetchRates_LiveErrorsResetOnSuccess(t *testing.T) {
	calls := 0
	visa := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		calls++
		if calls%2 == 1 {
			return nil, resilience.NewTransientError(errors.New("502"), 502)
		}
		return visaAt("83")(d)
	}}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{LookbackDays: 8})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Len(t, visa.dates, 8)
	assert.Equal(t, 4, res.Stats.LiveErrors)
	assert.Equal(t, 4, res.Stats.FromLive)
}

func TestFetchRates_LiveStopsOnRateLimit(t *testing.T) {
	visa := &fakeClient{fn: func(model.Date) (*model.RateRecord, error) {
		return nil, resilience.NewRateLimitedError(errors.New("429"), 429)
	}}
	mc := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		r := rec(d.String(), model.ProviderMastercard, "83.1")
		return &r, nil
	}}
	m := newManager(&fakeArchive{}, newTestCache(t), map[model.Provider]provider.Client{
		model.ProviderVisa:       visa,
		model.ProviderMastercard: mc,
	}, Config{LookbackDays: 2})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Len(t, visa.dates, 1)
	assert.Len(t, mc.dates, 2, "other providers still fill")
	assert.Equal(t, 1, res.Stats.LiveErrors)
	assert.Equal(t, 2, res.Stats.FromLive)
}

func TestFetchRates_NoObservationIsNotAnError(t *testing.T) {
	visa := &fakeClient{fn: func(model.Date) (*model.RateRecord, error) {
		return nil, resilience.NewTransientError(provider.ErrNoObservation, 200)
	}}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderECB: visa}, Config{LookbackDays: 5})

	res, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Len(t, visa.dates, 5)
	assert.Zero(t, res.Stats.LiveErrors)
	assert.Empty(t, res.Stats.Diagnostics)
}

func TestFetchRates_ProgressStages(t *testing.T) {
	var stages []Stage
	visa := &fakeClient{fn: visaAt("83")}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa},
		Config{LookbackDays: 1},
		WithProgress(func(p Progress) {
			if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
				stages = append(stages, p.Stage)
			}
		}),
	)
	_, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageArchive, StageCache, StageLive, StageDone}, stages)
}

func TestFetchRates_CountsLiveRequests(t *testing.T) {
	mt := metrics.New()
	eoh := model.MustParseDate("2024-03-13")
	visa := &fakeClient{fn: func(d model.Date) (*model.RateRecord, error) {
		if d.Before(eoh) {
			return nil, nil
		}
		return visaAt("83")(d)
	}}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{}, WithMetrics(mt))

	_, err := m.FetchRates(context.Background(), "USD", "INR", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(mt.LiveRequests.WithLabelValues("VISA", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.LiveRequests.WithLabelValues("VISA", "end_of_history")))
}

func TestFetchRates_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	visa := &fakeClient{fn: visaAt("83")}
	m := newManager(&fakeArchive{}, newTestCache(t),
		map[model.Provider]provider.Client{model.ProviderVisa: visa}, Config{})

	_, err := m.FetchRates(ctx, "USD", "INR", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, visa.dates)
}
