// Package archive implements the year-sharded, currency-keyed rate archive:
// the durable Store written by backfill runs and the Reader used by clients
// to load the published shards.
package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/avishj/ForexRadar-sub001/internal/model"
)

const shardExt = ".csv"

// Store is the durable archive rooted at a directory laid out as
// <dir>/<FROM>/<YEAR>.csv. It keeps a lazily built in-memory index per
// source currency; the index is derived from the shards and rebuilt after
// ClearCache.
type Store struct {
	dir string

	mu      sync.Mutex
	indexes map[string]*currencyIndex
}

// NewStore returns a Store rooted at dir. Nothing is created until the first
// Add.
func NewStore(dir string) *Store {
	return &Store{
		dir:     dir,
		indexes: make(map[string]*currencyIndex),
	}
}

// Dir returns the archive root.
func (s *Store) Dir() string { return s.dir }

// ShardPath returns the path of the shard for from and year.
func (s *Store) ShardPath(from string, year int) string {
	return filepath.Join(s.dir, from, strconv.Itoa(year)+shardExt)
}

// Add stores every record whose dedup key is not yet present and returns how
// many were inserted. Records sharing a key with a stored record, or with an
// earlier record in the same call, are skipped. Affected shards are
// rewritten in canonical order.
func (s *Store) Add(ctx context.Context, records []model.RateRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return 0, eris.Wrap(err, "archive: add")
		}
	}

	byFrom := make(map[string][]model.RateRecord)
	var order []string
	for _, r := range records {
		if _, ok := byFrom[r.From]; !ok {
			order = append(order, r.From)
		}
		byFrom[r.From] = append(byFrom[r.From], r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, from := range order {
		n, err := s.addLocked(ctx, from, byFrom[from])
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *Store) addLocked(ctx context.Context, from string, records []model.RateRecord) (int, error) {
	idx, err := s.indexLocked(ctx, from)
	if err != nil {
		return 0, err
	}

	seen := make(map[model.Key]struct{})
	pending := make(map[int][]model.RateRecord)
	for _, r := range records {
		k := r.Key()
		if idx.has(k) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		pending[r.Date.Year()] = append(pending[r.Date.Year()], r)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Join(s.dir, from), 0o755); err != nil {
		return 0, eris.Wrapf(err, "archive: create shard dir for %s", from)
	}

	years := make([]int, 0, len(pending))
	for y := range pending {
		years = append(years, y)
	}
	sort.Ints(years)

	inserted := 0
	for _, year := range years {
		if idx.corrupt[year] {
			return inserted, eris.Errorf("archive: refusing to rewrite unreadable shard %s", s.ShardPath(from, year))
		}
		merged := append(slices.Clone(idx.years[year]), pending[year]...)
		if err := writeFileAtomic(s.ShardPath(from, year), SerializeShard(merged)); err != nil {
			// The shard on disk is unchanged; the index still matches it.
			return inserted, eris.Wrapf(err, "archive: write shard %s/%d", from, year)
		}
		idx.insert(pending[year])
		inserted += len(pending[year])
	}
	return inserted, nil
}

// Has reports whether a record exists for the key. An empty provider
// matches any provider.
func (s *Store) Has(ctx context.Context, date model.Date, from, to string, provider model.Provider) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(ctx, from)
	if err != nil {
		return false, err
	}
	if provider != "" {
		return idx.has(model.Key{Date: date, From: from, To: to, Provider: provider}), nil
	}
	for _, p := range model.Providers {
		if idx.has(model.Key{Date: date, From: from, To: to, Provider: p}) {
			return true, nil
		}
	}
	return false, nil
}

// GetAll returns every record for the pair across all years, ascending by date.
func (s *Store) GetAll(ctx context.Context, from, to string) ([]model.RateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(ctx, from)
	if err != nil {
		return nil, err
	}
	return slices.Clone(idx.pairs[to]), nil
}

// LatestDate returns the newest date stored for the pair; ok is false when
// the pair has no records.
func (s *Store) LatestDate(ctx context.Context, from, to string) (d model.Date, ok bool, err error) {
	recs, err := s.GetAll(ctx, from, to)
	if err != nil || len(recs) == 0 {
		return model.Date{}, false, err
	}
	return recs[len(recs)-1].Date, true, nil
}

// OldestDate returns the oldest date stored for the pair.
func (s *Store) OldestDate(ctx context.Context, from, to string) (d model.Date, ok bool, err error) {
	recs, err := s.GetAll(ctx, from, to)
	if err != nil || len(recs) == 0 {
		return model.Date{}, false, err
	}
	return recs[0].Date, true, nil
}

// Targets returns the sorted target currencies observed for from.
func (s *Store) Targets(ctx context.Context, from string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(ctx, from)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(idx.pairs))
	for to, recs := range idx.pairs {
		if len(recs) > 0 {
			out = append(out, to)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Years returns the sorted years that hold at least one record for from.
func (s *Store) Years(ctx context.Context, from string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(ctx, from)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(idx.years))
	for y, recs := range idx.years {
		if len(recs) > 0 {
			out = append(out, y)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Sources returns the sorted source currencies with at least one non-empty
// shard. Hidden and metadata directories are ignored.
func (s *Store) Sources() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "archive: list %s", s.dir)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || !isCurrencyDir(name) {
			continue
		}
		ok, err := s.hasData(name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Store) hasData(from string) (bool, error) {
	files, err := shardFiles(filepath.Join(s.dir, from))
	if err != nil {
		return false, err
	}
	minSize := int64(len(strings.Join(ShardHeader, ",")) + 1)
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			return false, eris.Wrapf(err, "archive: stat %s", f.path)
		}
		if info.Size() > minSize {
			return true, nil
		}
	}
	return false, nil
}

// CountByProvider returns the number of records per provider for the pair,
// with every known provider present.
func (s *Store) CountByProvider(ctx context.Context, from, to string) (map[model.Provider]int, error) {
	recs, err := s.GetAll(ctx, from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Provider]int, len(model.Providers))
	for _, p := range model.Providers {
		counts[p] = 0
	}
	for _, r := range recs {
		counts[r.Provider]++
	}
	return counts, nil
}

// ClearCache drops every in-memory index. The next read rebuilds from the
// shards on disk. Call it after any out-of-band shard modification.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = make(map[string]*currencyIndex)
}

func (s *Store) indexLocked(ctx context.Context, from string) (*currencyIndex, error) {
	if idx, ok := s.indexes[from]; ok {
		return idx, nil
	}
	idx, err := buildIndex(ctx, filepath.Join(s.dir, from), from)
	if err != nil {
		return nil, err
	}
	s.indexes[from] = idx
	return idx, nil
}

func isCurrencyDir(name string) bool {
	if len(name) != 3 {
		return false
	}
	for _, c := range name {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

type shardFile struct {
	path string
	year int
}

func shardFiles(dir string) ([]shardFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "archive: list %s", dir)
	}
	var out []shardFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, shardExt) {
			continue
		}
		year, err := strconv.Atoi(strings.TrimSuffix(name, shardExt))
		if err != nil {
			continue
		}
		out = append(out, shardFile{path: filepath.Join(dir, name), year: year})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].year < out[j].year })
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".shard-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readShardFile(ctx context.Context, path, from string) ([]model.RateRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: read %s", path)
	}
	return ParseShard(ctx, bytes.NewReader(data), from, path)
}
