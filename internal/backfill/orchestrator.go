// Package backfill walks a date range backward for one provider and fills
// the archive in parallel batches.
package backfill

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/metrics"
	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/provider"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// Archive is the part of archive.Store a run needs.
type Archive interface {
	Has(ctx context.Context, date model.Date, from, to string, p model.Provider) (bool, error)
	Add(ctx context.Context, records []model.RateRecord) (int, error)
	Lock(from string) (*archive.Lock, error)
	WriteManifest(ctx context.Context) (archive.Manifest, error)
}

// Settings are the per-provider pacing knobs.
type Settings struct {
	// BatchSize is the number of concurrent requests per batch.
	BatchSize int
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
}

// DefaultSettings returns the pacing used when none is configured.
func DefaultSettings(p model.Provider) Settings {
	switch p {
	case model.ProviderMastercard:
		return Settings{BatchSize: 1, BatchDelay: 2 * time.Second}
	case model.ProviderECB:
		return Settings{BatchSize: 4, BatchDelay: 500 * time.Millisecond}
	default:
		return Settings{BatchSize: 8, BatchDelay: time.Second}
	}
}

// Job is one backward walk for a pair, from Start down to Stop inclusive.
type Job struct {
	From  string
	To    string
	Start model.Date
	Stop  model.Date
}

// Result summarizes a run for one pair.
type Result struct {
	RunID           string
	Provider        model.Provider
	From            string
	To              string
	Start           model.Date
	Stop            model.Date
	Inserted        int
	SkippedExisting int
	Failed          int
	FailedDates     []model.Date
	Requests        int
	Batches         int
	EndOfHistory    bool
	EndOfHistoryAt  model.Date
	RateLimited     bool
	Duration        time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics mirrors run counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleep replaces the inter-batch sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithManifest controls whether the archive manifest is rewritten after a
// run that inserted records. Default: true.
func WithManifest(enabled bool) Option {
	return func(o *Orchestrator) { o.writeManifest = enabled }
}

// Orchestrator runs backfill jobs for one provider.
type Orchestrator struct {
	store         Archive
	client        provider.Client
	provider      model.Provider
	settings      Settings
	metrics       *metrics.Metrics
	sleep         func(ctx context.Context, d time.Duration) error
	writeManifest bool
}

// New creates an orchestrator that fetches through client.
func New(store Archive, client provider.Client, p model.Provider, s Settings, opts ...Option) *Orchestrator {
	if s.BatchSize <= 0 {
		s.BatchSize = 1
	}
	o := &Orchestrator{
		store:         store,
		client:        client,
		provider:      p,
		settings:      s,
		sleep:         sleepCtx,
		writeManifest: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run backfills one pair while holding the source currency's writer lock.
// A rate-limit or fatal signal aborts the run with an error; end of history
// ends it normally.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	results, err := o.RunTargets(ctx, job.From, []string{job.To}, job.Start, job.Stop)
	if len(results) == 0 {
		return nil, err
	}
	return results[0], err
}

// RunTargets backfills from against each target in order under a single
// lock. It stops at the first run that fails.
func (o *Orchestrator) RunTargets(ctx context.Context, from string, targets []string, start, stop model.Date) ([]*Result, error) {
	if start.Before(stop) {
		return nil, eris.Errorf("backfill: start %s is before stop %s", start, stop)
	}
	from, err := model.ParseCurrency(from)
	if err != nil {
		return nil, eris.Wrap(err, "backfill")
	}

	lock, err := o.store.Lock(from)
	if err != nil {
		return nil, eris.Wrap(err, "backfill: acquire lock")
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			zap.L().Warn("release archive lock", zap.String("from", from), zap.Error(rerr))
		}
	}()

	var results []*Result
	inserted := 0
	for _, to := range targets {
		res, err := o.runLocked(ctx, Job{From: from, To: to, Start: start, Stop: stop})
		if res != nil {
			results = append(results, res)
			inserted += res.Inserted
		}
		if err != nil {
			o.finish(ctx, inserted)
			return results, err
		}
	}
	o.finish(ctx, inserted)
	return results, nil
}

func (o *Orchestrator) finish(ctx context.Context, inserted int) {
	if !o.writeManifest || inserted == 0 {
		return
	}
	if _, err := o.store.WriteManifest(ctx); err != nil {
		zap.L().Warn("write archive manifest", zap.Error(err))
	}
}

type outcome struct {
	date model.Date
	rec  *model.RateRecord
	err  error
	done bool
}

func (o *Orchestrator) runLocked(ctx context.Context, job Job) (res *Result, err error) {
	to, err := model.ParseCurrency(job.To)
	if err != nil {
		return nil, eris.Wrap(err, "backfill")
	}
	job.To = to

	started := time.Now()
	res = &Result{
		RunID:    uuid.NewString(),
		Provider: o.provider,
		From:     job.From,
		To:       job.To,
		Start:    job.Start,
		Stop:     job.Stop,
	}
	log := zap.L().With(
		zap.String("component", "backfill"),
		zap.String("run_id", res.RunID),
		zap.String("provider", string(o.provider)),
		zap.String("from", job.From),
		zap.String("to", job.To),
	)
	log.Info("backfill started",
		zap.Stringer("start", job.Start),
		zap.Stringer("stop", job.Stop),
		zap.Int("batch_size", o.settings.BatchSize),
	)
	defer func() {
		res.Duration = time.Since(started)
		if o.metrics != nil {
			o.metrics.ObserveRun(string(o.provider), job.From, job.To, started, err)
		}
	}()

	cursor := job.Start
	for !cursor.Before(job.Stop) {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "backfill: cancelled")
		}

		batch, next, err := o.nextBatch(ctx, job, cursor, res)
		if err != nil {
			return res, err
		}
		cursor = next
		if len(batch) == 0 {
			break
		}

		stop, err := o.runBatch(ctx, job, batch, res, log)
		if err != nil || stop {
			return res, err
		}

		if !cursor.Before(job.Stop) {
			if err := o.sleep(ctx, o.settings.BatchDelay); err != nil {
				return res, eris.Wrap(err, "backfill: cancelled")
			}
		}
	}

	log.Info("backfill complete",
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped_existing", res.SkippedExisting),
		zap.Int("failed", res.Failed),
		zap.Int("requests", res.Requests),
		zap.Int("batches", res.Batches),
	)
	return res, nil
}

// nextBatch collects up to BatchSize dates walking backward from cursor,
// skipping dates the archive already holds. It returns the next cursor.
func (o *Orchestrator) nextBatch(ctx context.Context, job Job, cursor model.Date, res *Result) ([]model.Date, model.Date, error) {
	var batch []model.Date
	for len(batch) < o.settings.BatchSize && !cursor.Before(job.Stop) {
		ok, err := o.store.Has(ctx, cursor, job.From, job.To, o.provider)
		if err != nil {
			return nil, cursor, eris.Wrap(err, "backfill: check archive")
		}
		if ok {
			res.SkippedExisting++
			if o.metrics != nil {
				o.metrics.Skipped.WithLabelValues(string(o.provider), job.From, job.To).Inc()
			}
		} else {
			batch = append(batch, cursor)
		}
		cursor = cursor.AddDays(-1)
	}
	return batch, cursor, nil
}

// runBatch fetches every date of the batch concurrently and waits for all of
// them. stop is true when the walk must end without error.
func (o *Orchestrator) runBatch(ctx context.Context, job Job, batch []model.Date, res *Result, log *zap.Logger) (stop bool, err error) {
	res.Batches++
	if o.metrics != nil {
		o.metrics.Batches.WithLabelValues(string(o.provider)).Inc()
	}
	log.Debug("dispatching batch",
		zap.Int("batch", res.Batches),
		zap.Stringer("newest", batch[0]),
		zap.Stringer("oldest", batch[len(batch)-1]),
	)

	outcomes := make([]outcome, len(batch))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, date := range batch {
		g.Go(func() error {
			rec, err := o.client.Fetch(gctx, date, job.From, job.To)
			mu.Lock()
			outcomes[i] = outcome{date: date, rec: rec, err: err, done: true}
			mu.Unlock()
			if resilience.IsRateLimited(err) || resilience.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	abortErr := g.Wait()

	var records []model.RateRecord
	for _, out := range outcomes {
		if !out.done {
			continue
		}
		res.Requests++
		switch {
		case out.err == nil && out.rec != nil:
			records = append(records, *out.rec)
			o.count("record")
		case out.err == nil:
			if !res.EndOfHistory || out.date.After(res.EndOfHistoryAt) {
				res.EndOfHistoryAt = out.date
			}
			res.EndOfHistory = true
			o.count("end_of_history")
		case abortErr != nil && errors.Is(out.err, context.Canceled):
			o.count("aborted")
		case resilience.IsRateLimited(out.err) || resilience.IsFatal(out.err):
			o.count(resilience.Classify(out.err))
		default:
			res.Failed++
			res.FailedDates = append(res.FailedDates, out.date)
			o.count("transient")
			log.Warn("fetch failed, date left for a later run",
				zap.Stringer("date", out.date),
				zap.Error(out.err),
			)
		}
	}

	if len(records) > 0 {
		n, err := o.store.Add(ctx, records)
		res.Inserted += n
		if o.metrics != nil {
			o.metrics.Inserted.WithLabelValues(string(o.provider), job.From, job.To).Add(float64(n))
		}
		if err != nil {
			return true, eris.Wrap(err, "backfill: store batch")
		}
	}

	if abortErr != nil {
		res.RateLimited = resilience.IsRateLimited(abortErr)
		log.Error("backfill aborted",
			zap.String("class", resilience.Classify(abortErr)),
			zap.Int("batch", res.Batches),
			zap.Error(abortErr),
		)
		return true, eris.Wrapf(abortErr, "backfill: %s %s/%s aborted", o.provider, job.From, job.To)
	}

	if res.EndOfHistory {
		log.Info("end of history reached", zap.Stringer("date", res.EndOfHistoryAt))
		if o.metrics != nil {
			o.metrics.EndOfHistory.WithLabelValues(string(o.provider), job.From, job.To).Inc()
		}
		return true, nil
	}
	return false, nil
}

func (o *Orchestrator) count(kind string) {
	if o.metrics != nil {
		o.metrics.Requests.WithLabelValues(string(o.provider), kind).Inc()
	}
}

// RangeForDays returns the walk covering the n most recent available days.
func RangeForDays(now time.Time, n int) (start, stop model.Date) {
	if n < 1 {
		n = 1
	}
	start = model.LatestAvailable(now)
	return start, start.AddDays(-(n - 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
