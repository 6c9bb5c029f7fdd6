package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

const visaBaseURL = "https://www.visa.co.in/cmsapi/fx/rates"

// A 400 whose body names a non-date parameter is a request the calculator
// will never answer; it must not end the walk. Anything else, including an
// empty body, is the calculator refusing a date it has no rate for.
var (
	visaRejectedParam = regexp.MustCompile(`(?i)curr|amount|\bfee\b|invalid parameter`)
	visaDateMention   = regexp.MustCompile(`(?i)date`)
)

// visaDateLayout is the calculator's US-style date parameter.
const visaDateLayout = "01/02/2006"

// Visa classifies responses from the Visa exchange-rate calculator.
type Visa struct {
	baseURL string
}

// NewVisa returns the Visa classifier for baseURL.
func NewVisa(baseURL string) *Visa { return &Visa{baseURL: baseURL} }

// Provider implements Classifier.
func (v *Visa) Provider() model.Provider { return model.ProviderVisa }

// WarmupURL implements Warmer.
func (v *Visa) WarmupURL() string {
	u, err := url.Parse(v.baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// BuildRequest implements Classifier. The calculator names the billing
// currency fromCurr, so the pair is passed reversed.
func (v *Visa) BuildRequest(ctx context.Context, date model.Date, from, to string) (*http.Request, error) {
	q := url.Values{}
	q.Set("amount", "1")
	q.Set("fee", "0")
	q.Set("utcConvertedDate", date.Format(visaDateLayout))
	q.Set("exchangedate", date.Format(visaDateLayout))
	q.Set("fromCurr", to)
	q.Set("toCurr", from)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "visa: create request")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type visaResponse struct {
	OriginalValues struct {
		FxRateVisa                 *decimal.Decimal `json:"fxRateVisa"`
		MarkupWithoutAdditionalFee *decimal.Decimal `json:"markupWithoutAdditionalFee"`
	} `json:"originalValues"`
}

// Classify implements Classifier.
func (v *Visa) Classify(resp RawResponse, date model.Date, from, to string) Outcome {
	switch {
	case resp.StatusCode == http.StatusBadRequest && visaRejectedParam.Match(resp.Body) && !visaDateMention.Match(resp.Body):
		return Fatal(eris.Errorf("visa: request rejected: %s", bodySnippet(resp.Body)))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return EndOfHistory()
	case resilience.IsRateLimitHTTPStatus(resp.StatusCode):
		return RateLimited(resp.StatusCode, eris.Errorf("visa: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Transient(resp.StatusCode, eris.Errorf("visa: status %d", resp.StatusCode))
	}

	var body visaResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Transient(resp.StatusCode, eris.Wrap(err, "visa: decode response"))
	}
	rate := body.OriginalValues.FxRateVisa
	if rate == nil || !rate.IsPositive() {
		return Transient(resp.StatusCode, eris.New("visa: response has no fxRateVisa"))
	}

	rec := newRecord(model.ProviderVisa, date, from, to)
	rec.Rate = *rate
	if m := body.OriginalValues.MarkupWithoutAdditionalFee; m != nil && !m.IsNegative() {
		markup := *m
		rec.Markup = &markup
	}
	return Record(rec)
}
