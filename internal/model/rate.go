// Package model defines the rate records shared by the archive, the
// backfill orchestrator and the client read path.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Provider identifies the upstream source of a rate.
type Provider string

const (
	ProviderVisa       Provider = "VISA"
	ProviderMastercard Provider = "MASTERCARD"
	ProviderECB        Provider = "ECB"
)

// Providers lists every known provider in canonical order.
var Providers = []Provider{ProviderVisa, ProviderMastercard, ProviderECB}

// String returns the provider code as stored in shards.
func (p Provider) String() string { return string(p) }

// ParseProvider converts a case-insensitive name into a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", eris.Errorf("unknown provider: %q (valid: visa, mastercard, ecb)", s)
}

// ReportsMarkup is true for providers that publish a markup next to the rate.
func (p Provider) ReportsMarkup() bool {
	return p == ProviderVisa
}

// ParseCurrency validates a 3-letter ISO 4217 code and returns it upper-cased.
func ParseCurrency(s string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if len(code) != 3 {
		return "", eris.Errorf("invalid currency code %q", s)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", eris.Wrapf(err, "invalid currency code %q", s)
	}
	return unit.String(), nil
}

// Pair is a source/target currency combination.
type Pair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (p Pair) String() string { return p.From + "/" + p.To }

// Key is the dedup key of a stored fact.
type Key struct {
	Date     Date
	From     string
	To       string
	Provider Provider
}

// RateRecord is one observed conversion rate. Markup is nil for providers
// that do not report it.
type RateRecord struct {
	Date     Date             `json:"date"`
	From     string           `json:"from_curr"`
	To       string           `json:"to_curr"`
	Provider Provider         `json:"provider"`
	Rate     decimal.Decimal  `json:"rate"`
	Markup   *decimal.Decimal `json:"markup,omitempty"`
}

// Key returns the record's dedup key. Rate and markup are not part of it.
func (r RateRecord) Key() Key {
	return Key{Date: r.Date, From: r.From, To: r.To, Provider: r.Provider}
}

// Pair returns the record's currency pair.
func (r RateRecord) Pair() Pair {
	return Pair{From: r.From, To: r.To}
}

// Validate checks the invariants every stored record must satisfy.
func (r RateRecord) Validate() error {
	if r.Date.IsZero() {
		return eris.New("rate record: missing date")
	}
	if len(r.From) != 3 || len(r.To) != 3 {
		return eris.Errorf("rate record: invalid pair %s/%s", r.From, r.To)
	}
	if r.Provider == "" {
		return eris.New("rate record: missing provider")
	}
	if !r.Rate.IsPositive() {
		return eris.Errorf("rate record: rate must be positive, got %s", r.Rate)
	}
	if r.Markup != nil && r.Markup.IsNegative() {
		return eris.Errorf("rate record: markup must be non-negative, got %s", r.Markup)
	}
	return nil
}

// Less orders records by (date, to, provider), the canonical shard order.
func Less(a, b RateRecord) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.To != b.To {
		return a.To < b.To
	}
	return a.Provider < b.Provider
}

// Compare is the three-way form of Less for slices.SortFunc.
func Compare(a, b RateRecord) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
