package provider

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/avishj/ForexRadar-sub001/internal/fetcher"
	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

const ecbBaseURL = "https://data-api.ecb.europa.eu/service/data/EXR"

// ecbFirstDay is the first published euro reference rate.
var ecbFirstDay = model.NewDate(1999, 1, 4)

// ecbCurrencies are the currencies quoted against EUR in the daily
// reference rates.
var ecbCurrencies = map[string]bool{
	"AUD": true, "BGN": true, "BRL": true, "CAD": true, "CHF": true,
	"CNY": true, "CZK": true, "DKK": true, "GBP": true, "HKD": true,
	"HUF": true, "IDR": true, "ILS": true, "INR": true, "ISK": true,
	"JPY": true, "KRW": true, "MXN": true, "MYR": true, "NOK": true,
	"NZD": true, "PHP": true, "PLN": true, "RON": true, "SEK": true,
	"SGD": true, "THB": true, "TRY": true, "USD": true, "ZAR": true,
}

const ecbPrecision = 10

// ECB classifies SDMX CSV responses from the ECB data API. Rates are
// published against EUR; other pairs are derived as EURto / EURfrom.
type ECB struct {
	baseURL string
}

// NewECB returns the ECB classifier for baseURL.
func NewECB(baseURL string) *ECB { return &ECB{baseURL: baseURL} }

// Provider implements Classifier.
func (e *ECB) Provider() model.Provider { return model.ProviderECB }

// Supports reports whether the pair can be derived from the reference rates.
func (e *ECB) Supports(from, to string) bool {
	return (from == "EUR" || ecbCurrencies[from]) && (to == "EUR" || ecbCurrencies[to]) && from != to
}

// BuildRequest implements Classifier.
func (e *ECB) BuildRequest(ctx context.Context, date model.Date, from, to string) (*http.Request, error) {
	if !e.Supports(from, to) {
		return nil, resilience.NewFatalError(eris.Errorf("ecb: unsupported pair %s/%s", from, to))
	}
	var quoted []string
	for _, c := range []string{from, to} {
		if c != "EUR" {
			quoted = append(quoted, c)
		}
	}
	key := "D." + strings.Join(quoted, "+") + ".EUR.SP00.A"

	q := url.Values{}
	q.Set("startPeriod", date.String())
	q.Set("endPeriod", date.String())
	q.Set("format", "csvdata")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/"+key+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "ecb: create request")
	}
	req.Header.Set("Accept", "text/csv")
	return req, nil
}

// Classify implements Classifier.
func (e *ECB) Classify(resp RawResponse, date model.Date, from, to string) Outcome {
	switch {
	case resilience.IsRateLimitHTTPStatus(resp.StatusCode):
		return RateLimited(resp.StatusCode, eris.Errorf("ecb: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || (resp.StatusCode == http.StatusOK && len(bytes.TrimSpace(resp.Body)) == 0):
		return e.noData(resp.StatusCode, date)
	case resp.StatusCode != http.StatusOK:
		return Transient(resp.StatusCode, eris.Errorf("ecb: status %d", resp.StatusCode))
	}

	perEUR, err := parseECB(resp.Body, date)
	if err != nil {
		return Transient(resp.StatusCode, err)
	}
	perEUR["EUR"] = decimal.NewFromInt(1)

	fromRate, okFrom := perEUR[from]
	toRate, okTo := perEUR[to]
	if !okFrom || !okTo {
		return e.noData(resp.StatusCode, date)
	}

	rec := newRecord(model.ProviderECB, date, from, to)
	rec.Rate = toRate.DivRound(fromRate, ecbPrecision)
	if !rec.Rate.IsPositive() {
		return Transient(resp.StatusCode, eris.Errorf("ecb: derived rate %s is not positive", rec.Rate))
	}
	return Record(rec)
}

func (e *ECB) noData(status int, date model.Date) Outcome {
	if date.Before(ecbFirstDay) {
		return EndOfHistory()
	}
	return Transient(status, eris.Wrapf(ErrNoObservation, "ecb: %s", date))
}

// parseECB returns OBS_VALUE by CURRENCY for rows whose TIME_PERIOD is date.
func parseECB(body []byte, date model.Date) (map[string]decimal.Decimal, error) {
	header, rows, err := fetcher.ReadCSV(context.Background(), bytes.NewReader(body), true)
	if err != nil {
		return nil, eris.Wrap(err, "ecb: parse csv")
	}
	col := func(name string) int { return slices.Index(header, name) }
	iPeriod, iCurrency, iValue := col("TIME_PERIOD"), col("CURRENCY"), col("OBS_VALUE")
	if iPeriod < 0 || iCurrency < 0 || iValue < 0 {
		return nil, eris.Errorf("ecb: missing columns in header %v", header)
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		if len(row) <= max(iPeriod, iCurrency, iValue) || row[iPeriod] != date.String() || row[iValue] == "" {
			continue
		}
		v, err := decimal.NewFromString(row[iValue])
		if err != nil {
			return nil, eris.Wrapf(err, "ecb: OBS_VALUE %q", row[iValue])
		}
		out[strings.ToUpper(row[iCurrency])] = v
	}
	return out, nil
}
