package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// ManifestFile is the name of the manifest at the archive root.
const ManifestFile = "manifest.json"

// Manifest maps a source currency to the sorted years that have a shard.
type Manifest map[string][]int

// BuildManifest collects the years with data for every source currency.
func (s *Store) BuildManifest(ctx context.Context) (Manifest, error) {
	sources, err := s.Sources()
	if err != nil {
		return nil, err
	}
	m := make(Manifest, len(sources))
	for _, from := range sources {
		years, err := s.Years(ctx, from)
		if err != nil {
			return nil, err
		}
		if len(years) > 0 {
			m[from] = years
		}
	}
	return m, nil
}

// WriteManifest rebuilds and writes <dir>/manifest.json.
func (s *Store) WriteManifest(ctx context.Context) (Manifest, error) {
	m, err := s.BuildManifest(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "archive: marshal manifest")
	}
	data = append(data, '\n')
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "archive: create root")
	}
	if err := writeFileAtomic(filepath.Join(s.dir, ManifestFile), data); err != nil {
		return nil, eris.Wrap(err, "archive: write manifest")
	}
	return m, nil
}
