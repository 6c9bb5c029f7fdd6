// Package provider implements the per-provider fetch clients: one HTTP
// client shape parameterized by a Classifier that knows how to build the
// request and read the provider's outcome signals.
package provider

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/avishj/ForexRadar-sub001/internal/model"
	"github.com/avishj/ForexRadar-sub001/internal/resilience"
)

// Client fetches one rate. It returns (nil, nil) when the provider confirms
// it has no data this old (end of history). Failures are classified with
// the resilience error types: RateLimitedError, TransientError, FatalError.
type Client interface {
	Fetch(ctx context.Context, date model.Date, from, to string) (*model.RateRecord, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, date model.Date, from, to string) (*model.RateRecord, error)

// Fetch implements Client.
func (f ClientFunc) Fetch(ctx context.Context, date model.Date, from, to string) (*model.RateRecord, error) {
	return f(ctx, date, from, to)
}

// ErrNoObservation marks a transient outcome where the provider answered
// but published nothing for the date (weekends, holidays). Retrying within
// the same run cannot help.
var ErrNoObservation = eris.New("provider: no observation for date")

// Kind is the classification of one provider response.
type Kind int

const (
	KindRecord Kind = iota
	KindEndOfHistory
	KindRateLimited
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindEndOfHistory:
		return "end_of_history"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what a Classifier makes of a response.
type Outcome struct {
	Kind   Kind
	Record *model.RateRecord
	Err    error
	// StatusCode is the HTTP status the outcome was derived from.
	StatusCode int
}

// Record returns a KindRecord outcome.
func Record(rec *model.RateRecord) Outcome { return Outcome{Kind: KindRecord, Record: rec} }

// EndOfHistory returns a KindEndOfHistory outcome.
func EndOfHistory() Outcome { return Outcome{Kind: KindEndOfHistory} }

// RateLimited returns a KindRateLimited outcome.
func RateLimited(status int, err error) Outcome {
	return Outcome{Kind: KindRateLimited, Err: err, StatusCode: status}
}

// Transient returns a KindTransient outcome.
func Transient(status int, err error) Outcome {
	return Outcome{Kind: KindTransient, Err: err, StatusCode: status}
}

// Fatal returns a KindFatal outcome.
func Fatal(err error) Outcome { return Outcome{Kind: KindFatal, Err: err} }

// Result converts the outcome into the Client return convention.
func (o Outcome) Result() (*model.RateRecord, error) {
	err := o.Err
	if err == nil && o.Kind != KindRecord && o.Kind != KindEndOfHistory {
		err = eris.Errorf("provider: %s", o.Kind)
	}
	switch o.Kind {
	case KindRecord:
		if o.Record == nil {
			return nil, resilience.NewTransientError(eris.New("provider: empty record"), o.StatusCode)
		}
		return o.Record, nil
	case KindEndOfHistory:
		return nil, nil
	case KindRateLimited:
		return nil, resilience.NewRateLimitedError(err, o.StatusCode)
	case KindTransient:
		return nil, resilience.NewTransientError(err, o.StatusCode)
	default:
		return nil, resilience.NewFatalError(err)
	}
}

// RawResponse is the provider reply handed to Classify.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Classifier isolates everything provider specific: request shape and the
// mapping from a raw response to an Outcome.
type Classifier interface {
	Provider() model.Provider
	BuildRequest(ctx context.Context, date model.Date, from, to string) (*http.Request, error)
	Classify(resp RawResponse, date model.Date, from, to string) Outcome
}

// Warmer is implemented by classifiers whose endpoint expects cookies from
// a prior page visit. The session visits WarmupURL once when created.
type Warmer interface {
	WarmupURL() string
}

// DefaultBaseURL returns the public endpoint of p.
func DefaultBaseURL(p model.Provider) string {
	switch p {
	case model.ProviderVisa:
		return visaBaseURL
	case model.ProviderMastercard:
		return mastercardBaseURL
	case model.ProviderECB:
		return ecbBaseURL
	default:
		return ""
	}
}

// NewClassifier returns the classifier for p. An empty baseURL selects the
// provider's public endpoint.
func NewClassifier(p model.Provider, baseURL string) (Classifier, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL(p)
	}
	switch p {
	case model.ProviderVisa:
		return NewVisa(baseURL), nil
	case model.ProviderMastercard:
		return NewMastercard(baseURL), nil
	case model.ProviderECB:
		return NewECB(baseURL), nil
	default:
		return nil, eris.Errorf("provider: no classifier for %q", p)
	}
}

func newRecord(p model.Provider, date model.Date, from, to string) *model.RateRecord {
	return &model.RateRecord{Date: date, From: from, To: to, Provider: p}
}

// bodySnippet returns at most the first 200 bytes of body for error messages.
func bodySnippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
