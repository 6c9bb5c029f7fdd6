// Package manager assembles the rates of a pair from the published archive,
// the client cache and live gap-fill fetches.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/metrics"
	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/provider"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// ArchiveReader loads the published records of a pair.
type ArchiveReader interface {
	ReadPair(ctx context.Context, from, to string) (*archive.ReadResult, error)
}

// Cache is the client cache as seen by the read path.
type Cache interface {
	GetForPair(ctx context.Context, from, to string) ([]model.RateRecord, error)
	Save(ctx context.Context, rec model.RateRecord) error
	MarkRefreshed(ctx context.Context, from string) error
	IsStale(ctx context.Context, from string) (bool, error)
}

// Stage names a step of FetchRates.
type Stage string

const (
	StageArchive Stage = "archive"
	StageCache   Stage = "cache"
	StageLive    Stage = "live"
	StageDone    Stage = "done"
)

// Progress is reported to the progress callback.
type Progress struct {
	Stage   Stage
	Message string
	Err     error
}

// Options tunes one FetchRates call.
type Options struct {
	SkipLive bool
}

// Stats counts where the merged records came from.
type Stats struct {
	FromServer   int
	FromCache    int
	FromLive     int
	LiveRequests int
	LiveErrors   int
	// Diagnostics lists every failure that was absorbed.
	Diagnostics []string
}

// Result is the merged view of a pair.
type Result struct {
	Records []model.RateRecord
	Stats   Stats
}

// Config holds the live gap-fill limits.
type Config struct {
	// LiveDelay is the minimum spacing between live requests. Default: 250ms.
	LiveDelay time.Duration
	// MaxConsecutiveErrors stops a provider's gap-fill. Default: 3.
	MaxConsecutiveErrors int
	// LookbackDays bounds the walk when nothing is known. Default: 365.
	LookbackDays int
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgress installs a progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(m *Manager) { m.onProgress = fn }
}

// WithMetrics counts live requests in m.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager implements the three-tier read: archive, then cache, then live.
// The merged view holds one record per date and later tiers win.
type Manager struct {
	archive    ArchiveReader
	cache      Cache
	clients    map[model.Provider]provider.Client
	cfg        Config
	onProgress func(Progress)
	metrics    *metrics.Metrics
	nowFunc    func() time.Time
}

// New creates a Manager. clients may be empty, which disables live fetches.
func New(a ArchiveReader, c Cache, clients map[model.Provider]provider.Client, cfg Config, opts ...Option) *Manager {
	if cfg.LiveDelay < 0 {
		cfg.LiveDelay = 0
	} else if cfg.LiveDelay == 0 {
		cfg.LiveDelay = 250 * time.Millisecond
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 365
	}
	m := &Manager{
		archive: a,
		cache:   c,
		clients: clients,
		cfg:     cfg,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// merged is the working view of a pair keyed by date.
type merged map[model.Date]model.RateRecord

func (mm merged) put(recs []model.RateRecord) {
	for _, r := range recs {
		mm[r.Date] = r
	}
}

func (mm merged) latest() (model.Date, bool) {
	var out model.Date
	found := false
	for d := range mm {
		if !found || d.After(out) {
			out, found = d, true
		}
	}
	return out, found
}

// FetchRates returns every known record for the pair, ascending by date.
// Failures of a tier are reported in Stats.Diagnostics and through the
// progress callback; they never fail the call.
func (m *Manager) FetchRates(ctx context.Context, from, to string, opts Options) (*Result, error) {
	from, err := model.ParseCurrency(from)
	if err != nil {
		return nil, eris.Wrap(err, "manager")
	}
	to, err = model.ParseCurrency(to)
	if err != nil {
		return nil, eris.Wrap(err, "manager")
	}

	log := zap.L().With(
		zap.String("component", "manager"),
		zap.String("from", from),
		zap.String("to", to),
	)
	res := &Result{}
	slots := make(merged)

	m.loadArchive(ctx, from, to, slots, res, log)
	m.loadCache(ctx, from, to, slots, res, log)
	if !opts.SkipLive {
		m.gapFill(ctx, from, to, slots, res, log)
	}

	res.Records = make([]model.RateRecord, 0, len(slots))
	for _, r := range slots {
		res.Records = append(res.Records, r)
	}
	slices.SortFunc(res.Records, model.Compare)

	m.report(Progress{Stage: StageDone, Message: fmt.Sprintf("%d records", len(res.Records))})
	log.Debug("rates assembled",
		zap.Int("records", len(res.Records)),
		zap.Int("from_server", res.Stats.FromServer),
		zap.Int("from_cache", res.Stats.FromCache),
		zap.Int("from_live", res.Stats.FromLive),
	)
	if err := ctx.Err(); err != nil {
		return res, eris.Wrap(err, "manager: fetch rates")
	}
	return res, nil
}

// NeedsRefresh reports whether the archive should be pulled again for from.
func (m *Manager) NeedsRefresh(ctx context.Context, from string) (bool, error) {
	return m.cache.IsStale(ctx, from)
}

func (m *Manager) loadArchive(ctx context.Context, from, to string, slots merged, res *Result, log *zap.Logger) {
	m.report(Progress{Stage: StageArchive, Message: "loading archive"})
	rr, err := m.archive.ReadPair(ctx, from, to)
	if err != nil {
		m.diagnose(res, StageArchive, err, log)
		return
	}
	for _, skipped := range rr.Skipped {
		m.diagnose(res, StageArchive, skipped, log)
	}
	slots.put(rr.Records)
	res.Stats.FromServer = len(rr.Records)
	m.report(Progress{Stage: StageArchive, Message: fmt.Sprintf("%d records from %d shards", len(rr.Records), len(rr.Years))})

	if err := m.cache.MarkRefreshed(ctx, from); err != nil {
		m.diagnose(res, StageArchive, err, log)
	}
}

func (m *Manager) loadCache(ctx context.Context, from, to string, slots merged, res *Result, log *zap.Logger) {
	m.report(Progress{Stage: StageCache, Message: "loading cache"})
	recs, err := m.cache.GetForPair(ctx, from, to)
	if err != nil {
		m.diagnose(res, StageCache, err, log)
		return
	}
	slots.put(recs)
	res.Stats.FromCache = len(recs)
	m.report(Progress{Stage: StageCache, Message: fmt.Sprintf("%d cached records", len(recs))})
}

// gapFill runs only when the newest merged date is older than the latest
// available day. It walks backward from that day to the newest merged date,
// or LookbackDays back when nothing is known. Providers are tried in order;
// a date filled by one provider is skipped by the next.
func (m *Manager) gapFill(ctx context.Context, from, to string, slots merged, res *Result, log *zap.Logger) {
	yesterday := model.LatestAvailable(m.nowFunc())
	floor := yesterday.AddDays(-m.cfg.LookbackDays)
	if latest, ok := slots.latest(); ok {
		if !latest.Before(yesterday) {
			return
		}
		if latest.After(floor) {
			floor = latest
		}
	}

	bcfg := resilience.DefaultCircuitBreakerConfig()
	bcfg.FailureThreshold = m.cfg.MaxConsecutiveErrors
	bcfg.ShouldTrip = func(err error) bool {
		return !errors.Is(err, provider.ErrNoObservation)
	}
	bcfg.OnStateChange = func(_, state resilience.CircuitState) {
		log.Debug("live gap-fill breaker", zap.Stringer("state", state))
	}
	breakers := resilience.NewBreakers(bcfg)
	limit := rate.Inf
	if m.cfg.LiveDelay > 0 {
		limit = rate.Every(m.cfg.LiveDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, p := range model.Providers {
		client, ok := m.clients[p]
		if !ok {
			continue
		}
		m.report(Progress{Stage: StageLive, Message: fmt.Sprintf("%s: filling %s back to %s", p, yesterday, floor.AddDays(1))})
		m.fillProvider(ctx, p, client, from, to, yesterday, floor, slots, res, breakers.Get(string(p)), limiter, log)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) fillProvider(ctx context.Context, p model.Provider, client provider.Client, from, to string,
	newest, floor model.Date, slots merged, res *Result, cb *resilience.CircuitBreaker, limiter *rate.Limiter, log *zap.Logger) {
	log = log.With(zap.String("provider", string(p)))

	for d := newest; d.After(floor); d = d.AddDays(-1) {
		if _, ok := slots[d]; ok {
			continue
		}
		rec, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*model.RateRecord, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "live delay")
			}
			res.Stats.LiveRequests++
			return client.Fetch(ctx, d, from, to)
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			log.Warn("live gap-fill stopped after consecutive errors", zap.Int("errors", cb.Failures()))
			return
		}
		if err != nil && ctx.Err() != nil {
			m.diagnose(res, StageLive, err, log)
			return
		}
		m.countLive(p, err, rec)

		switch {
		case err == nil && rec == nil:
			log.Debug("live gap-fill reached end of history", zap.Stringer("date", d))
			return
		case err == nil:
			if serr := m.cache.Save(ctx, *rec); serr != nil {
				m.diagnose(res, StageLive, serr, log)
			}
			slots.put([]model.RateRecord{*rec})
			res.Stats.FromLive++
		case errors.Is(err, provider.ErrNoObservation):
			continue
		default:
			res.Stats.LiveErrors++
			m.diagnose(res, StageLive, eris.Wrapf(err, "%s %s", p, d), log)
			if resilience.IsRateLimited(err) || resilience.IsFatal(err) {
				return
			}
		}
	}
}

func (m *Manager) countLive(p model.Provider, err error, rec *model.RateRecord) {
	if m.metrics == nil {
		return
	}
	outcome := resilience.Classify(err)
	if err == nil && rec == nil {
		outcome = "end_of_history"
	}
	m.metrics.LiveRequests.WithLabelValues(string(p), outcome).Inc()
}

func (m *Manager) diagnose(res *Result, stage Stage, err error, log *zap.Logger) {
	res.Stats.Diagnostics = append(res.Stats.Diagnostics, fmt.Sprintf("%s: %v", stage, err))
	log.Warn("stage degraded", zap.String("stage", string(stage)), zap.Error(err))
	m.report(Progress{Stage: stage, Message: "failed", Err: err})
}

func (m *Manager) report(p Progress) {
	if m.onProgress != nil {
		m.onProgress(p)
	}
}
