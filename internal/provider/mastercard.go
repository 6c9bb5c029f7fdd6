package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

const mastercardBaseURL = "https://www.mastercard.us/settlement/currencyrate/conversion-rate"

var mastercardOutOfRange = regexp.MustCompile(`(?i)outside of approved historical rate range`)

// Mastercard classifies responses from the Mastercard settlement-rate API.
// The API answers 200 for in-band errors, so the payload type decides.
type Mastercard struct {
	baseURL string
}

// NewMastercard returns the Mastercard classifier for baseURL.
func NewMastercard(baseURL string) *Mastercard { return &Mastercard{baseURL: baseURL} }

// Provider implements Classifier.
func (m *Mastercard) Provider() model.Provider { return model.ProviderMastercard }

// WarmupURL implements Warmer.
func (m *Mastercard) WarmupURL() string {
	u, err := url.Parse(m.baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// BuildRequest implements Classifier.
func (m *Mastercard) BuildRequest(ctx context.Context, date model.Date, from, to string) (*http.Request, error) {
	q := url.Values{}
	q.Set("fxDate", date.String())
	q.Set("transCurr", from)
	q.Set("crdhldBillCurr", to)
	q.Set("bankFee", "0")
	q.Set("transAmt", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "mastercard: create request")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type mastercardResponse struct {
	Type string `json:"type"`
	Data struct {
		ConversionRate *decimal.Decimal `json:"conversionRate"`
		ErrorCode      string           `json:"errorCode"`
		ErrorMessage   string           `json:"errorMessage"`
	} `json:"data"`
}

// Classify implements Classifier.
func (m *Mastercard) Classify(resp RawResponse, date model.Date, from, to string) Outcome {
	switch {
	case resilience.IsRateLimitHTTPStatus(resp.StatusCode):
		return RateLimited(resp.StatusCode, eris.Errorf("mastercard: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Transient(resp.StatusCode, eris.Errorf("mastercard: status %d", resp.StatusCode))
	}

	var body mastercardResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Transient(resp.StatusCode, eris.Wrap(err, "mastercard: decode response"))
	}
	if strings.EqualFold(body.Type, "error") {
		if mastercardOutOfRange.MatchString(body.Data.ErrorMessage) {
			return EndOfHistory()
		}
		return Transient(resp.StatusCode, eris.Errorf("mastercard: error %s: %s", body.Data.ErrorCode, body.Data.ErrorMessage))
	}

	rate := body.Data.ConversionRate
	if rate == nil || !rate.IsPositive() {
		return Transient(resp.StatusCode, eris.New("mastercard: response has no conversionRate"))
	}
	rec := newRecord(model.ProviderMastercard, date, from, to)
	rec.Rate = *rate
	return Record(rec)
}
