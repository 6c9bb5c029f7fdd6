package archive

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avishj/ForexRadar-sub001/internal/model"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// MinYear is the oldest year probed when no manifest is published.
	MinYear int
	// Concurrency bounds parallel shard loads. Default: 4.
	Concurrency int
}

// Reader loads published shards for clients. It discovers the years of a
// source currency from the manifest, falling back to probing every year
// from MinYear to the current year.
type Reader struct {
	src     Source
	opts    ReaderOptions
	nowFunc func() time.Time
}

// NewReader creates a Reader over src.
func NewReader(src Source, opts ReaderOptions) *Reader {
	if opts.MinYear <= 0 {
		opts.MinYear = 2010
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Reader{src: src, opts: opts, nowFunc: time.Now}
}

// ReadResult is the outcome of loading a pair from the archive.
type ReadResult struct {
	Records []model.RateRecord
	// Years are the shards that loaded successfully.
	Years []int
	// FromManifest is true when the year list came from the manifest.
	FromManifest bool
	// Skipped holds one error per shard that could not be fetched or parsed.
	Skipped []error
}

// Manifest fetches and decodes the published manifest.
func (r *Reader) Manifest(ctx context.Context) (Manifest, error) {
	body, err := r.src.Open(ctx, ManifestFile)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	var m Manifest
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return nil, &ParseError{Shard: ManifestFile, Err: err}
	}
	return m, nil
}

// Years returns the candidate shard years for from and whether they came
// from the manifest. Without a usable manifest every year in
// [MinYear, current year] is a candidate.
func (r *Reader) Years(ctx context.Context, from string) ([]int, bool) {
	m, err := r.Manifest(ctx)
	if err == nil {
		years := slices.Clone(m[from])
		slices.Sort(years)
		return years, true
	}
	if !errors.Is(err, ErrNotFound) {
		zap.L().Warn("manifest unusable, probing shards",
			zap.String("component", "archive.reader"),
			zap.Error(err),
		)
	}

	current := r.nowFunc().UTC().Year()
	years := make([]int, 0, current-r.opts.MinYear+1)
	for y := r.opts.MinYear; y <= current; y++ {
		years = append(years, y)
	}
	return years, false
}

// ReadPair loads every shard of from and returns the records for to,
// ascending by date. A missing or malformed shard is reported in Skipped
// and does not prevent the other shards from loading; missing shards are
// expected while probing and are not reported then.
func (r *Reader) ReadPair(ctx context.Context, from, to string) (*ReadResult, error) {
	years, fromManifest := r.Years(ctx, from)
	res := &ReadResult{FromManifest: fromManifest}

	var mu sync.Mutex
	loaded := make(map[int][]model.RateRecord)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, year := range years {
		g.Go(func() error {
			recs, err := r.readShard(gctx, from, year)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				loaded[year] = recs
			case errors.Is(err, ErrNotFound) && !fromManifest:
			default:
				res.Skipped = append(res.Skipped, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "archive: read pair")
	}

	for _, year := range years {
		recs, ok := loaded[year]
		if !ok {
			continue
		}
		res.Years = append(res.Years, year)
		for _, rec := range recs {
			if rec.To == to {
				res.Records = append(res.Records, rec)
			}
		}
	}
	slices.SortStableFunc(res.Records, model.Compare)
	return res, nil
}

func (r *Reader) readShard(ctx context.Context, from string, year int) ([]model.RateRecord, error) {
	name := from + "/" + strconv.Itoa(year) + shardExt
	body, err := r.src.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck
	return ParseShard(ctx, body, from, name)
}
