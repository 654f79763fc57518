package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-maker-service/internal/config"
	"github.com/krobus00/market-maker-service/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	ErrMalformedTicker = errors.New("malformed ticker payload")
)

const (
	defaultPriceField  = "price"
	defaultVolumeField = "volume"
	defaultHTTPTimeout = 10 * time.Second
)

// Source is one external market-data provider. Fetch returns the provider's
// current price quote; a failed fetch returns an error alongside a quote with
// Err set so the aggregator can account for the failure.
type Source interface {
	ID() string
	Fetch(ctx context.Context) (entity.PriceQuote, error)
}

// RESTTickerSource polls a read-only ticker endpoint returning a JSON object
// with price and volume fields.
type RESTTickerSource struct {
	name        string
	url         string
	priceField  string
	volumeField string
	httpClient  *http.Client
}

func NewRESTTickerSource(cfg config.FeedSourceConfig) *RESTTickerSource {
	priceField := strings.TrimSpace(cfg.PriceField)
	if priceField == "" {
		priceField = defaultPriceField
	}

	volumeField := strings.TrimSpace(cfg.VolumeField)
	if volumeField == "" {
		volumeField = defaultVolumeField
	}

	return &RESTTickerSource{
		name:        cfg.Name,
		url:         cfg.URL,
		priceField:  priceField,
		volumeField: volumeField,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (s *RESTTickerSource) ID() string {
	return s.name
}

func (s *RESTTickerSource) Fetch(ctx context.Context) (entity.PriceQuote, error) {
	quote := entity.PriceQuote{Source: s.name, At: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		quote.Err = err
		return quote, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		quote.Err = err
		return quote, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		quote.Err = err
		return quote, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		quote.Err = fmt.Errorf("ticker request failed: status=%d body=%s", resp.StatusCode, string(body))
		return quote, quote.Err
	}

	price, volume, err := parseTickerPayload(body, s.priceField, s.volumeField)
	if err != nil {
		quote.Err = err
		return quote, err
	}

	quote.Price = price
	quote.Volume = volume

	return quote, nil
}

func parseTickerPayload(body []byte, priceField, volumeField string) (price, volume decimal.Decimal, err error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %v", ErrMalformedTicker, err)
	}

	rawPrice, ok := payload[priceField]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: missing field %q", ErrMalformedTicker, priceField)
	}

	price, err = decodeDecimalField(rawPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: field %q: %v", ErrMalformedTicker, priceField, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %s is not positive", ErrMalformedTicker, price)
	}

	if rawVolume, ok := payload[volumeField]; ok {
		volume, err = decodeDecimalField(rawVolume)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: field %q: %v", ErrMalformedTicker, volumeField, err)
		}
	}

	return price, volume, nil
}

// decodeDecimalField accepts both `"12.5"` and `12.5` since providers are
// split on whether numeric ticker fields are quoted.
func decodeDecimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return decimal.NewFromString(strings.TrimSpace(asString))
	}

	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromFloat(asFloat), nil
}
