package archive

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/avishj/ForexRadar-sub001/internal/model"
)

// currencyIndex is the in-memory view of one source currency's shards.
type currencyIndex struct {
	keys    map[model.Key]struct{}
	years   map[int][]model.RateRecord
	pairs   map[string][]model.RateRecord // by target, sorted by (date, provider)
	corrupt map[int]bool
}

func newCurrencyIndex() *currencyIndex {
	return &currencyIndex{
		keys:    make(map[model.Key]struct{}),
		years:   make(map[int][]model.RateRecord),
		pairs:   make(map[string][]model.RateRecord),
		corrupt: make(map[int]bool),
	}
}

// buildIndex loads every shard under dir. Unparseable shards are logged and
// marked corrupt so readers skip them and writers refuse to overwrite them.
func buildIndex(ctx context.Context, dir, from string) (*currencyIndex, error) {
	files, err := shardFiles(dir)
	if err != nil {
		return nil, err
	}

	idx := newCurrencyIndex()
	for _, f := range files {
		recs, err := readShardFile(ctx, f.path, from)
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				return nil, err
			}
			zap.L().Warn("skipping malformed shard",
				zap.String("component", "archive.store"),
				zap.String("shard", f.path),
				zap.Error(err),
			)
			idx.corrupt[f.year] = true
			continue
		}
		idx.insert(recs)
	}
	return idx, nil
}

func (idx *currencyIndex) has(k model.Key) bool {
	_, ok := idx.keys[k]
	return ok
}

// insert adds records whose keys are absent; duplicates are dropped.
func (idx *currencyIndex) insert(recs []model.RateRecord) {
	touched := make(map[string]bool)
	for _, r := range recs {
		k := r.Key()
		if idx.has(k) {
			continue
		}
		idx.keys[k] = struct{}{}
		y := r.Date.Year()
		idx.years[y] = append(idx.years[y], r)
		idx.pairs[r.To] = append(idx.pairs[r.To], r)
		touched[r.To] = true
	}
	for to := range touched {
		slices.SortStableFunc(idx.pairs[to], model.Compare)
	}
}
