package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"revshare/services/revshared/config"
)

// Quote is a single observation returned by an upstream feed.
type Quote struct {
	Rate      decimal.Decimal
	Timestamp time.Time
	Source    string
}

// Source resolves the quote-per-base price for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultCoinGeckoEndpoint   = "https://api.coingecko.com/api/v3/simple/price"
	defaultNowPaymentsEndpoint = "https://api.nowpayments.io/v1/exchange/rates"
)

// CoinGeckoSource adapts the public CoinGecko simple price API.
type CoinGeckoSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
	limiter  *rate.Limiter
}

// NewCoinGeckoSource constructs a new adapter. idMap maps asset symbols to
// CoinGecko identifiers; unmapped symbols are sent lower-cased.
func NewCoinGeckoSource(name string, client HTTPDoer, endpoint string, idMap map[string]string, limiter *rate.Limiter) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(name) == "" {
		name = "coingecko"
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoSource{name: name, client: client, endpoint: ep, idMap: mapped, limiter: limiter}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return s.name }

func (s *CoinGeckoSource) assetID(symbol string) string {
	if id, ok := s.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch implements Source.
func (s *CoinGeckoSource) Fetch(ctx context.Context, base, quote string) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("coingecko source not configured")
	}
	if err := wait(ctx, s.limiter); err != nil {
		return Quote{}, err
	}
	id := s.assetID(base)
	vs := strings.ToLower(normaliseSymbol(quote))
	if id == "" || vs == "" {
		return Quote{}, fmt.Errorf("coingecko: unmapped pair %s/%s", base, quote)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", id)
	}
	price, err := parsePositive(entry[vs].String())
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko: %w", err)
	}
	var ts time.Time
	if raw, exists := entry["last_updated_at"]; exists {
		if parsed, err := raw.Int64(); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0).UTC()
		}
	}
	return Quote{Rate: price, Timestamp: ts, Source: s.name}, nil
}

// NowPaymentsSource fetches price data from the NOWPayments rate endpoint.
type NowPaymentsSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
	limiter  *rate.Limiter
}

// NewNowPaymentsSource constructs a NOWPayments adapter. The API key is only
// sent when supplied.
func NewNowPaymentsSource(name string, client HTTPDoer, endpoint, apiKey string, limiter *rate.Limiter) *NowPaymentsSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultNowPaymentsEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(name) == "" {
		name = "nowpayments"
	}
	return &NowPaymentsSource{name: name, client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), limiter: limiter}
}

// Name implements Source.
func (s *NowPaymentsSource) Name() string { return s.name }

// Fetch implements Source.
func (s *NowPaymentsSource) Fetch(ctx context.Context, base, quote string) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("nowpayments source not configured")
	}
	if err := wait(ctx, s.limiter); err != nil {
		return Quote{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("from", normaliseSymbol(base))
	values.Set("to", normaliseSymbol(quote))
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("nowpayments: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("nowpayments: decode: %w", err)
	}
	price, err := parsePositive(payload.Rate)
	if err != nil {
		return Quote{}, fmt.Errorf("nowpayments: %w", err)
	}
	var ts time.Time
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0).UTC()
	}
	return Quote{Rate: price, Timestamp: ts, Source: s.name}, nil
}

// StaticSource serves a fixed operator-provided rate.
type StaticSource struct {
	name string
	rate decimal.Decimal
}

// NewStaticSource returns a source that always answers with value.
func NewStaticSource(name string, value decimal.Decimal) *StaticSource {
	if strings.TrimSpace(name) == "" {
		name = "static"
	}
	return &StaticSource{name: name, rate: value}
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Fetch implements Source.
func (s *StaticSource) Fetch(context.Context, string, string) (Quote, error) {
	if !s.rate.IsPositive() {
		return Quote{}, fmt.Errorf("static: rate must be positive")
	}
	return Quote{Rate: s.rate, Source: s.name}, nil
}

// SourcesFromConfig builds the ordered source list declared in the rates config.
func SourcesFromConfig(cfg config.RatesConfig, client HTTPDoer) ([]Source, error) {
	sources := make([]Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		var limiter *rate.Limiter
		if src.RPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(src.RPS), 1)
		}
		switch strings.ToLower(strings.TrimSpace(src.Type)) {
		case "coingecko":
			sources = append(sources, NewCoinGeckoSource(src.Name, client, src.Endpoint, src.Assets, limiter))
		case "nowpayments":
			sources = append(sources, NewNowPaymentsSource(src.Name, client, src.Endpoint, src.APIKey, limiter))
		case "static":
			sources = append(sources, NewStaticSource(src.Name, src.Rate.Decimal))
		default:
			return nil, fmt.Errorf("rate source %s: unsupported type %q", src.Name, src.Type)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one rate source required")
	}
	return sources, nil
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func parsePositive(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("empty rate")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil || !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid rate %q", raw)
	}
	return value, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
