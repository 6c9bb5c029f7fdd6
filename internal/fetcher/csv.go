package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter rune            // default ','
	HasHeader bool            // if true, first row is not sent on the row channel
	HeaderCh  chan<- []string // optional: receives the header row
	TrimSpace bool
}

// StreamCSV reads r and sends each row to the returned channel. Errors are
// sent on the error channel. Both channels are closed when processing
// completes; the caller must drain the row channel.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.FieldsPerRecord = -1

		first := true
		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			var out chan<- []string = rowCh
			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh == nil {
					continue
				}
				out = opts.HeaderCh
			}
			first = false

			select {
			case out <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// ReadCSV drains StreamCSV into memory and returns the header (if requested)
// and the data rows.
func ReadCSV(ctx context.Context, r io.Reader, hasHeader bool) ([]string, [][]string, error) {
	headerCh := make(chan []string, 1)
	opts := CSVOptions{HasHeader: hasHeader, TrimSpace: true}
	if hasHeader {
		opts.HeaderCh = headerCh
	}
	rowCh, errCh := StreamCSV(ctx, r, opts)

	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, nil, err
	}

	var header []string
	if hasHeader {
		select {
		case header = <-headerCh:
		default:
		}
	}
	return header, rows, nil
}
