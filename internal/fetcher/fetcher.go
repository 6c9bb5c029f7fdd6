// Package fetcher downloads remote content over HTTP and streams CSV rows.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body. A non-200
	// response is reported as a *StatusError.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
