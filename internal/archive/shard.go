package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/avishj/ForexRadar-sub001/internal/fetcher"
	"github.com/avishj/ForexRadar-sub001/internal/model"
)

// ShardHeader is the first line of every shard file.
var ShardHeader = []string{"date", "to_curr", "provider", "rate", "markup"}

// ParseError reports malformed shard content.
type ParseError struct {
	Shard string
	Line  int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.Shard, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Shard, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseShard reads one shard for the source currency from. name identifies
// the shard in errors. Any malformed row fails the whole shard.
func ParseShard(ctx context.Context, r io.Reader, from, name string) ([]model.RateRecord, error) {
	header, rows, err := fetcher.ReadCSV(ctx, r, true)
	if err != nil {
		return nil, &ParseError{Shard: name, Err: err}
	}
	if header == nil {
		return nil, nil
	}
	if !slices.Equal(header, ShardHeader) {
		return nil, &ParseError{Shard: name, Line: 1, Err: eris.Errorf("unexpected header %v", header)}
	}

	records := make([]model.RateRecord, 0, len(rows))
	for i, row := range rows {
		rec, err := parseRow(row, from)
		if err != nil {
			return nil, &ParseError{Shard: name, Line: i + 2, Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string, from string) (model.RateRecord, error) {
	if len(row) != len(ShardHeader) {
		return model.RateRecord{}, eris.Errorf("expected %d fields, got %d", len(ShardHeader), len(row))
	}
	date, err := model.ParseDate(row[0])
	if err != nil {
		return model.RateRecord{}, err
	}
	prov, err := model.ParseProvider(row[2])
	if err != nil {
		return model.RateRecord{}, err
	}
	rate, err := decimal.NewFromString(row[3])
	if err != nil {
		return model.RateRecord{}, eris.Wrapf(err, "rate %q", row[3])
	}
	rec := model.RateRecord{
		Date:     date,
		From:     from,
		To:       strings.ToUpper(row[1]),
		Provider: prov,
		Rate:     rate,
	}
	if row[4] != "" {
		m, err := decimal.NewFromString(row[4])
		if err != nil {
			return model.RateRecord{}, eris.Wrapf(err, "markup %q", row[4])
		}
		rec.Markup = &m
	}
	if err := rec.Validate(); err != nil {
		return model.RateRecord{}, err
	}
	return rec, nil
}

// SerializeShard renders records in canonical shard form: header row, rows
// sorted by (date, to_curr, provider), empty markup when absent, trailing
// newline. The input slice is not modified.
func SerializeShard(records []model.RateRecord) []byte {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, model.Compare)

	var buf bytes.Buffer
	buf.WriteString(strings.Join(ShardHeader, ","))
	buf.WriteByte('\n')
	for _, r := range sorted {
		buf.WriteString(r.Date.String())
		buf.WriteByte(',')
		buf.WriteString(r.To)
		buf.WriteByte(',')
		buf.WriteString(string(r.Provider))
		buf.WriteByte(',')
		buf.WriteString(r.Rate.String())
		buf.WriteByte(',')
		if r.Markup != nil {
			buf.WriteString(r.Markup.String())
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
