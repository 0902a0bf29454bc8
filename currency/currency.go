// Package currency resolves exchange rates for price comparison.
package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"pricewatch/logger"
	"pricewatch/metrics"
)

// ErrRateUnavailable means no current or previously known rate exists.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

const (
	defaultTimeout  = 10 * time.Second
	defaultCacheTTL = 12 * time.Hour
	dateLayout      = "2006-01-02"
	latest          = "latest"
	keyPrefix       = "fx:"
)

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithRedis caches rates in Redis for ttl. Last known rates are kept
// without expiry.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(s *Service) {
		s.redis = client
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service resolves rates from a Frankfurter-style API
// (GET {base}/{date}?from=X&to=Y), a Redis cache and an in-memory
// last-known-rate fallback.
type Service struct {
	baseURL string
	client  *http.Client
	redis   *redis.Client
	ttl     time.Duration
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	lastKnown map[string]decimal.Decimal
}

// NewService creates a Service. An empty baseURL disables remote lookups.
func NewService(baseURL string, opts ...Option) *Service {
	s := &Service{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: defaultTimeout},
		ttl:       defaultCacheTTL,
		log:       logger.NewNop(),
		now:       time.Now,
		lastKnown: make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Date  string                     `json:"date"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// Rate returns how many units of to one unit of from buys on the given day.
// A zero or future day means the latest rate. When the day's rate cannot be
// fetched the most recent known rate is used.
func (s *Service) Rate(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error) {
	from, to = strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		s.metrics.FXLookup("identity")
		return decimal.NewFromInt(1), nil
	}
	if from == "" || to == "" {
		return decimal.Zero, fmt.Errorf("%w: missing currency", ErrRateUnavailable)
	}

	day := s.day(on)
	pair := from + ":" + to

	if rate, ok := s.cached(ctx, keyPrefix+pair+":"+day); ok {
		s.metrics.FXLookup("cache")
		return rate, nil
	}

	rate, err := s.fetch(ctx, from, to, day)
	if err == nil {
		s.remember(ctx, pair, day, rate)
		s.metrics.FXLookup("api")
		return rate, nil
	}

	if last, ok := s.last(ctx, pair); ok {
		s.log.Warn("Using last known exchange rate",
			logger.String("pair", pair),
			logger.String("day", day),
			logger.Error(err),
		)
		s.metrics.FXLookup("fallback")
		return last, nil
	}
	s.metrics.FXLookup("miss")
	return decimal.Zero, fmt.Errorf("%w: %s on %s: %w", ErrRateUnavailable, pair, day, err)
}

// Convert converts amount and rounds to cents.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string, on time.Time) (decimal.Decimal, error) {
	rate, err := s.Rate(ctx, from, to, on)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), nil
}

func (s *Service) day(on time.Time) string {
	if on.IsZero() {
		return latest
	}
	on = on.UTC()
	if on.After(s.now().UTC()) {
		return latest
	}
	return on.Format(dateLayout)
}

func (s *Service) fetch(ctx context.Context, from, to, day string) (decimal.Decimal, error) {
	if s.baseURL == "" {
		return decimal.Zero, errors.New("no rates endpoint configured")
	}

	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	endpoint := s.baseURL + "/" + day + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rates request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rates request: status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rates: %w", err)
	}
	rate, ok := body.Rates[to]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("no %s rate in response", to)
	}
	return rate, nil
}

func (s *Service) cached(ctx context.Context, key string) (decimal.Decimal, bool) {
	if s.redis == nil {
		return decimal.Zero, false
	}
	raw, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false
	}
	if err != nil {
		s.log.Debug("Rate cache read failed", logger.String("key", key), logger.Error(err))
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return rate, true
}

func (s *Service) remember(ctx context.Context, pair, day string, rate decimal.Decimal) {
	s.mu.Lock()
	s.lastKnown[pair] = rate
	s.mu.Unlock()

	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, keyPrefix+pair+":"+day, rate.String(), s.ttl).Err(); err != nil {
		s.log.Debug("Rate cache write failed", logger.String("pair", pair), logger.Error(err))
	}
	if err := s.redis.Set(ctx, keyPrefix+pair+":last", rate.String(), 0).Err(); err != nil {
		s.log.Debug("Last rate write failed", logger.String("pair", pair), logger.Error(err))
	}
}

func (s *Service) last(ctx context.Context, pair string) (decimal.Decimal, bool) {
	s.mu.RLock()
	rate, ok := s.lastKnown[pair]
	s.mu.RUnlock()
	if ok {
		return rate, true
	}
	return s.cached(ctx, keyPrefix+pair+":last")
}
