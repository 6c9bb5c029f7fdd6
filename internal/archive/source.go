package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/avishj/ForexRadar-sub001/internal/fetcher"
)

// ErrNotFound is returned by a Source when the named file does not exist.
var ErrNotFound = eris.New("archive: not found")

// Source opens published archive files by slash-separated name, such as
// "manifest.json" or "INR/2024.csv".
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// DirSource reads the archive from a local directory.
type DirSource string

// Open implements Source.
func (d DirSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(string(d), filepath.FromSlash(name)))
	if os.IsNotExist(err) {
		return nil, eris.Wrap(ErrNotFound, name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "archive: open %s", name)
	}
	return f, nil
}

// HTTPSource reads the archive from static hosting.
type HTTPSource struct {
	BaseURL string
	Fetcher fetcher.Fetcher
}

// Open implements Source.
func (h HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	url := strings.TrimRight(h.BaseURL, "/") + "/" + name
	body, err := h.Fetcher.Download(ctx, url)
	if fetcher.IsNotFound(err) {
		return nil, eris.Wrap(ErrNotFound, name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "archive: fetch %s", url)
	}
	return body, nil
}
