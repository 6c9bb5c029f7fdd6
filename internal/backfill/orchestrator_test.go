package backfill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/metrics"
	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// fakeClient answers from a per-date function and records every request.
type fakeClient struct {
	mu        sync.Mutex
	requested []model.Date
	answer    func(date model.Date) (*model.RateRecord, error)
}

func (f *fakeClient) Fetch(_ context.Context, date model.Date, from, to string) (*model.RateRecord, error) {
	f.mu.Lock()
	f.requested = append(f.requested, date)
	f.mu.Unlock()
	return f.answer(date)
}

func (f *fakeClient) dates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requested))
	for i, d := range f.requested {
		out[i] = d.String()
	}
	slices.Sort(out)
	return out
}

func visaRecord(date model.Date) *model.RateRecord {
	return &model.RateRecord{
		Date:     date,
		From:     "INR",
		To:       "USD",
		Provider: model.ProviderVisa,
		Rate:     decimal.RequireFromString("0.012"),
	}
}

func endOfHistoryAt(d model.Date) func(model.Date) (*model.RateRecord, error) {
	return func(date model.Date) (*model.RateRecord, error) {
		if !date.After(d) {
			return nil, nil
		}
		return visaRecord(date), nil
	}
}

func newOrchestrator(t *testing.T, client *fakeClient, batchSize int, opts ...Option) (*Orchestrator, *archive.Store) {
	t.Helper()
	st := archive.NewStore(t.TempDir())
	opts = append([]Option{WithSleep(func(context.Context, time.Duration) error { return nil })}, opts...)
	return New(st, client, model.ProviderVisa, Settings{BatchSize: batchSize}, opts...), st
}

var (
	start = model.MustParseDate("2024-01-10")
	stop  = model.MustParseDate("2024-01-01")
	eoh   = model.MustParseDate("2024-01-05")
)

func job() Job { return Job{From: "INR", To: "USD", Start: start, Stop: stop} }

func TestRun_InsertsWholeRange(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) { return visaRecord(d), nil }}
	o, st := newOrchestrator(t, client, 3)

	res, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Inserted)
	assert.Equal(t, 10, res.Requests)
	assert.Equal(t, 4, res.Batches)
	assert.False(t, res.EndOfHistory)
	assert.NotEmpty(t, res.RunID)

	all, err := st.GetAll(context.Background(), "INR", "USD")
	require.NoError(t, err)
	require.Len(t, all, 10)
	assert.Equal(t, "2024-01-01", all[0].Date.String(), "stop date is included")
	assert.Equal(t, "2024-01-10", all[9].Date.String())
}

func TestRun_EndOfHistoryStopsWalk(t *testing.T) {
	for _, batchSize := range []int{1, 3} {
		t.Run("batch", func(t *testing.T) {
			client := &fakeClient{answer: endOfHistoryAt(eoh)}
			o, st := newOrchestrator(t, client, batchSize)

			res, err := o.Run(context.Background(), job())
			require.NoError(t, err)
			assert.True(t, res.EndOfHistory)
			assert.Equal(t, eoh, res.EndOfHistoryAt)
			assert.Equal(t, 5, res.Inserted)

			// 10..6 return records, 5 signals the end; nothing older is asked.
			assert.Equal(t, []string{
				"2024-01-05", "2024-01-06", "2024-01-07", "2024-01-08", "2024-01-09", "2024-01-10",
			}, client.dates())

			all, err := st.GetAll(context.Background(), "INR", "USD")
			require.NoError(t, err)
			for _, r := range all {
				assert.True(t, r.Date.After(eoh))
			}
		})
	}
}

func TestRun_EndOfHistoryFinishesOutstandingBatch(t *testing.T) {
	client := &fakeClient{answer: endOfHistoryAt(eoh)}
	o, _ := newOrchestrator(t, client, 4)

	res, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	// Batches: [10..7], [6..3]. The second batch runs to completion.
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 8, res.Requests)
	assert.Equal(t, eoh, res.EndOfHistoryAt, "newest end-of-history date in the batch")
	assert.NotContains(t, client.dates(), "2024-01-02")
}

func TestRun_RateLimitAborts(t *testing.T) {
	limited := model.MustParseDate("2024-01-08")
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) {
		if d.Equal(limited) {
			return nil, resilience.NewRateLimitedError(errors.New("status 429"), 429)
		}
		return visaRecord(d), nil
	}}
	m := metrics.New()
	o, _ := newOrchestrator(t, client, 2, WithMetrics(m))

	res, err := o.Run(context.Background(), job())
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	require.NotNil(t, res)
	assert.True(t, res.RateLimited)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, []string{"2024-01-07", "2024-01-08", "2024-01-09", "2024-01-10"}, client.dates(),
		"no batch after the rate-limited one is started")
	assert.Equal(t, 3, res.Inserted, "completed fetches of the aborted batch are kept")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("VISA", "rate_limited")))
}

func TestRun_FatalAborts(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) {
		return nil, resilience.NewFatalError(errors.New("unsupported pair"))
	}}
	o, _ := newOrchestrator(t, client, 2)

	res, err := o.Run(context.Background(), job())
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Equal(t, 1, res.Batches)
}

func TestRun_TransientFailureContinues(t *testing.T) {
	flaky := model.MustParseDate("2024-01-08")
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) {
		if d.Equal(flaky) {
			return nil, resilience.NewTransientError(errors.New("malformed payload"), 200)
		}
		return visaRecord(d), nil
	}}
	o, st := newOrchestrator(t, client, 3)

	res, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, 9, res.Inserted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []model.Date{flaky}, res.FailedDates)
	assert.Equal(t, 10, res.Requests)

	ok, err := st.Has(context.Background(), flaky, "INR", "USD", model.ProviderVisa)
	require.NoError(t, err)
	assert.False(t, ok, "failed date stays eligible for a later run")
}

func TestRun_SkipsExisting(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) { return visaRecord(d), nil }}
	o, st := newOrchestrator(t, client, 2)

	_, err := st.Add(context.Background(), []model.RateRecord{
		*visaRecord(model.MustParseDate("2024-01-09")),
		*visaRecord(model.MustParseDate("2024-01-07")),
	})
	require.NoError(t, err)
	// A different provider on the same date does not count as existing.
	mc := *visaRecord(model.MustParseDate("2024-01-03"))
	mc.Provider = model.ProviderMastercard
	_, err = st.Add(context.Background(), []model.RateRecord{mc})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, 2, res.SkippedExisting)
	assert.Equal(t, 8, res.Requests)
	assert.Equal(t, 8, res.Inserted)
	assert.NotContains(t, client.dates(), "2024-01-09")
	assert.Contains(t, client.dates(), "2024-01-03")
	assert.Equal(t, 4, res.Batches, "batches are built from dates still missing")
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) { return visaRecord(d), nil }}
	o, _ := newOrchestrator(t, client, 5)

	_, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	res, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requests)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 10, res.SkippedExisting)
}

func TestRun_SleepsBetweenBatches(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) { return visaRecord(d), nil }}
	var sleeps []time.Duration
	st := archive.NewStore(t.TempDir())
	o := New(st, client, model.ProviderVisa, Settings{BatchSize: 4, BatchDelay: time.Second},
		WithSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}))

	res, err := o.Run(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeps)
}

func TestRun_LockContention(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) { return visaRecord(d), nil }}
	o, st := newOrchestrator(t, client, 2)

	lock, err := st.Lock("INR")
	require.NoError(t, err)
	defer lock.Release() //nolint:errcheck

	_, err = o.Run(context.Background(), job())
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrLocked)
	assert.Empty(t, client.dates())
}

func TestRun_InvalidRange(t *testing.T) {
	o, _ := newOrchestrator(t, &fakeClient{}, 1)
	_, err := o.Run(context.Background(), Job{From: "INR", To: "USD", Start: stop, Stop: start})
	assert.Error(t, err)
}

func TestRunTargets_WritesManifestAndReleasesLock(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) {
		r := visaRecord(d)
		return r, nil
	}}
	o, st := newOrchestrator(t, client, 5)

	results, err := o.RunTargets(context.Background(), "inr", []string{"USD"}, start, stop)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "INR", results[0].From)

	_, err = os.Stat(filepath.Join(st.Dir(), archive.ManifestFile))
	assert.NoError(t, err)

	lock, err := st.Lock("INR")
	require.NoError(t, err, "lock is released after the run")
	require.NoError(t, lock.Release())
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	client := &fakeClient{answer: func(d model.Date) (*model.RateRecord, error) { return visaRecord(d), nil }}
	ctx, cancel := context.WithCancel(context.Background())
	o, _ := newOrchestrator(t, client, 2, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	res, err := o.Run(ctx, job())
	require.Error(t, err)
	assert.Equal(t, 1, res.Batches)
}

func TestRangeForDays(t *testing.T) {
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC)
	s, e := RangeForDays(now, 7)
	assert.Equal(t, model.LatestAvailable(now), s)
	assert.Equal(t, 6, s.DaysSince(e))

	s, e = RangeForDays(now, 0)
	assert.Equal(t, s, e)
}

func TestDefaultSettings(t *testing.T) {
	assert.Equal(t, 1, DefaultSettings(model.ProviderMastercard).BatchSize)
	assert.Greater(t, DefaultSettings(model.ProviderVisa).BatchSize, 1)
}
