// Package scraper holds the per-source price adapters.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/normalizer"
)

var (
	// ErrAdapterUnavailable is the only error Search returns. The adapter can
	// no longer serve any product and should be excluded from the run.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	// ErrInvalidConfig is returned by Initialize for unusable source configs.
	ErrInvalidConfig = errors.New("invalid source config")

	ErrNoMatch   = errors.New("no matching offers")
	ErrTransient = errors.New("transient source failure")
	ErrBlocked   = errors.New("blocked by bot protection")
	ErrParse     = errors.New("failed to parse offers")
)

// Failure reasons recorded per adapter.
const (
	ReasonNoMatch = "no_match"
	ReasonNetwork = "network"
	ReasonParse   = "parse"
	ReasonBlocked = "blocked"
	ReasonDomain  = "domain"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultRetryBackoff = 500 * time.Millisecond
	defaultMaxResults   = 5
	maxBodyBytes        = 5 << 20
	userAgent           = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Adapter queries one external price source.
//
// Search returns an empty slice on any single-product failure and records
// the reason; it only returns an error wrapping ErrAdapterUnavailable.
type Adapter interface {
	Initialize(ctx context.Context) error
	Search(ctx context.Context, product models.NormalizedProduct) ([]models.Observation, error)
	Shutdown() error
	Source() models.PriceScrapingSource
	Failures() map[string]int
}

// Options are run-level settings shared by every adapter of a job.
type Options struct {
	// MaxRetries is the retry budget for transient failures of one request.
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       logger.Logger
	// OnFailure is called once per failed search with the failure reason.
	OnFailure func(source, reason string)
	Now       func() time.Time
	// BrowserBin overrides the Chromium binary used by headless adapters.
	BrowserBin string
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// rawOffer is one search hit before price parsing and scoring.
type rawOffer struct {
	Title        string
	Price        string
	Currency     string
	URL          string
	Merchant     string
	Availability string
	Shipping     string
	EAN          string
	Brand        string
}

type fetchFunc func(ctx context.Context, pageURL string) ([]rawOffer, error)

// BaseAdapter implements throttling, domain filtering, retries, scoring and
// failure accounting. Concrete adapters only fetch and extract offers.
type BaseAdapter struct {
	source   models.PriceScrapingSource
	opts     Options
	log      logger.Logger
	limiter  *rate.Limiter
	client   *http.Client
	detector *BotDetector

	ready atomic.Bool

	mu       sync.Mutex
	failures map[string]int
}

func newBaseAdapter(source models.PriceScrapingSource, opts Options) *BaseAdapter {
	opts = opts.withDefaults()

	limit := rate.Inf
	if interval := source.MinInterval(); interval > 0 {
		limit = rate.Every(interval)
	}

	return &BaseAdapter{
		source:   source,
		opts:     opts,
		log:      opts.Logger.With(logger.String("source", source.Name)),
		limiter:  rate.NewLimiter(limit, 1),
		detector: NewBotDetector(),
		failures: make(map[string]int),
	}
}

// Source returns the configuration the adapter was built from.
func (b *BaseAdapter) Source() models.PriceScrapingSource {
	return b.source
}

// Failures returns a snapshot of failure counts by reason.
func (b *BaseAdapter) Failures() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.failures))
	for k, v := range b.failures {
		out[k] = v
	}
	return out
}

func (b *BaseAdapter) recordFailure(reason string) {
	b.mu.Lock()
	b.failures[reason]++
	b.mu.Unlock()
	if b.opts.OnFailure != nil {
		b.opts.OnFailure(b.source.Name, reason)
	}
}

// ValidateConfig checks the parts of a source config every adapter kind
// needs: a known kind, an absolute searchUrl and a parsable proxyUrl.
func ValidateConfig(source models.PriceScrapingSource) error {
	cfg := source.Config
	switch kind := cfg.Kind(); kind {
	case models.SourceTypeHTML, models.SourceTypeHeadless, models.SourceTypeAPI:
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidConfig, source.Name, kind)
	}
	if strings.TrimSpace(cfg.SearchURL) == "" {
		return fmt.Errorf("%w: %s has no searchUrl", ErrInvalidConfig, source.Name)
	}
	sample := strings.NewReplacer("{query}", "q", "{ean}", "0", "{region}", "r").Replace(cfg.SearchURL)
	if u, err := url.Parse(sample); err != nil || u.Host == "" {
		return fmt.Errorf("%w: %s searchUrl %q is not an absolute URL", ErrInvalidConfig, source.Name, cfg.SearchURL)
	}
	if cfg.ProxyURL != "" {
		if _, err := url.Parse(cfg.ProxyURL); err != nil {
			return fmt.Errorf("%w: %s proxyUrl: %v", ErrInvalidConfig, source.Name, err)
		}
	}
	return nil
}

// initHTTP validates the config and builds the HTTP client.
func (b *BaseAdapter) initHTTP() error {
	if err := ValidateConfig(b.source); err != nil {
		return err
	}
	cfg := b.source.Config

	client := b.opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return fmt.Errorf("%w: %s proxyUrl: %v", ErrInvalidConfig, b.source.Name, err)
		}
		clone := *client
		clone.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
		client = &clone
	}
	b.client = client
	return nil
}

func (b *BaseAdapter) markReady()    { b.ready.Store(true) }
func (b *BaseAdapter) markStopped()  { b.ready.Store(false) }
func (b *BaseAdapter) isReady() bool { return b.ready.Load() }

// search runs the region loop for one product.
func (b *BaseAdapter) search(ctx context.Context, product models.NormalizedProduct, fetch fetchFunc) ([]models.Observation, error) {
	if !b.isReady() {
		return nil, fmt.Errorf("%w: %s is not initialized", ErrAdapterUnavailable, b.source.Name)
	}

	regions := b.source.Config.RegionPriority
	if len(regions) == 0 {
		regions = []string{""}
	}

	reason := ReasonNoMatch
	for _, region := range regions {
		pageURL, ok := b.searchURL(product, region)
		if !ok {
			continue
		}
		if !b.allowedURL(pageURL) {
			reason = ReasonDomain
			break
		}

		offers, err := b.fetchWithRetry(ctx, pageURL, fetch)
		if err != nil {
			if errors.Is(err, ErrAdapterUnavailable) {
				b.markStopped()
				return nil, err
			}
			reason = reasonFor(err)
			b.log.Debug("Search failed",
				logger.String("product_id", product.ID),
				logger.String("region", region),
				logger.String("reason", reason),
				logger.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		observations, why := b.observations(product, offers, pageURL)
		if len(observations) > 0 {
			return observations, nil
		}
		reason = why
	}

	b.recordFailure(reason)
	return []models.Observation{}, nil
}

func (b *BaseAdapter) fetchWithRetry(ctx context.Context, pageURL string, fetch fetchFunc) ([]rawOffer, error) {
	for attempt := 0; ; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: throttle: %v", ErrTransient, err)
		}

		offers, err := fetch(ctx, pageURL)
		if err == nil {
			return offers, nil
		}
		if !retryable(err) || attempt >= b.opts.MaxRetries || ctx.Err() != nil {
			return nil, err
		}

		backoff := time.Duration(attempt+1) * b.opts.RetryBackoff
		b.log.Debug("Retrying search",
			logger.String("url", pageURL),
			logger.Int("attempt", attempt+1),
			logger.Duration("backoff", backoff),
			logger.Error(err),
		)
		if err := sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrBlocked)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrBlocked):
		return ReasonBlocked
	case errors.Is(err, ErrNoMatch):
		return ReasonNoMatch
	case errors.Is(err, ErrParse):
		return ReasonParse
	default:
		return ReasonNetwork
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// searchURL expands the searchUrl template. It reports false when the
// template needs an EAN the product does not have.
func (b *BaseAdapter) searchURL(product models.NormalizedProduct, region string) (string, bool) {
	tmpl := b.source.Config.SearchURL
	if strings.Contains(tmpl, "{ean}") && !product.HasEAN() {
		return "", false
	}
	return strings.NewReplacer(
		"{query}", url.QueryEscape(product.DisplayName()),
		"{ean}", url.QueryEscape(product.EANValue()),
		"{region}", url.PathEscape(region),
	).Replace(tmpl), true
}

// allowedURL applies denyDomains, then allowDomains. Deny wins.
func (b *BaseAdapter) allowedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())

	for _, d := range b.source.Config.DenyDomains {
		if matchDomain(host, d) {
			return false
		}
	}
	if len(b.source.Config.AllowDomains) == 0 {
		return true
	}
	for _, d := range b.source.Config.AllowDomains {
		if matchDomain(host, d) {
			return true
		}
	}
	return false
}

func matchDomain(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// get fetches pageURL with the source headers and maps HTTP failures onto
// the adapter error taxonomy.
func (b *BaseAdapter) get(ctx context.Context, pageURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrParse, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	for k, v := range b.source.Config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoMatch
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: status %d", ErrBlocked, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	return body, nil
}

// observations parses, filters and scores raw offers. When nothing survives
// it returns the reason the last offer was rejected.
func (b *BaseAdapter) observations(product models.NormalizedProduct, offers []rawOffer, pageURL string) ([]models.Observation, string) {
	if len(offers) == 0 {
		return nil, ReasonNoMatch
	}

	cfg := b.source.Config
	now := b.opts.Now()
	reason := ReasonNoMatch
	out := make([]models.Observation, 0, len(offers))

	for _, o := range offers {
		link := resolveURL(pageURL, o.URL)
		if link != "" && !b.allowedURL(link) {
			reason = ReasonDomain
			continue
		}

		price, detected, err := normalizer.ParseAmount(o.Price)
		if err != nil || !price.IsPositive() {
			reason = ReasonParse
			continue
		}

		obs := models.Observation{
			SourceID:       b.source.ID,
			SourceName:     b.source.Name,
			SourcePriority: b.source.Priority,
			Title:          o.Title,
			Brand:          o.Brand,
			EAN:            normalizer.DigitsOnly(o.EAN),
			Merchant:       firstNonEmpty(o.Merchant, b.source.Name),
			URL:            link,
			Price:          price,
			Currency:       b.offerCurrency(o.Currency, detected, product.Currency),
			Availability:   o.Availability,
			Confidence:     Score(product, o.Title, o.Brand, o.EAN),
			ScrapedAt:      now,
		}

		switch {
		case cfg.IncludeVAT:
			obs.PriceInclVat = decimal.NewNullDecimal(price)
		case cfg.VATRate > 0:
			obs.PriceInclVat = decimal.NewNullDecimal(withVAT(price, cfg.VATRate))
		}
		if cfg.IncludeShipping {
			if cost, ok := parseShipping(o.Shipping); ok {
				obs.ShippingCost = decimal.NewNullDecimal(cost)
			}
		}

		out = append(out, obs)
	}

	if len(out) == 0 {
		return nil, reason
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if limit := b.maxResults(); len(out) > limit {
		out = out[:limit]
	}
	return out, ""
}

func (b *BaseAdapter) maxResults() int {
	if v, ok := b.source.Config.Extra["maxResults"].(float64); ok && v >= 1 {
		return int(v)
	}
	return defaultMaxResults
}

func (b *BaseAdapter) offerCurrency(explicit, detected, fallback string) string {
	if code, ok := normalizer.NormalizeCurrency(explicit); ok {
		return code
	}
	if detected != "" {
		return detected
	}
	if s, ok := b.source.Config.Extra["currency"].(string); ok {
		if code, ok := normalizer.NormalizeCurrency(s); ok {
			return code
		}
	}
	return fallback
}

// withVAT applies a VAT rate given either as a percentage (21) or a fraction (0.21).
func withVAT(price decimal.Decimal, rate float64) decimal.Decimal {
	r := decimal.NewFromFloat(rate)
	if rate > 1 {
		r = r.Div(decimal.NewFromInt(100))
	}
	return price.Mul(decimal.NewFromInt(1).Add(r)).Round(2)
}

func parseShipping(text string) (decimal.Decimal, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return decimal.Zero, false
	}
	for _, free := range []string{"free", "gratis", "kostenlos", "gratuit"} {
		if strings.Contains(text, free) {
			return decimal.Zero, true
		}
	}
	cost, _, err := normalizer.ParseAmount(text)
	if err != nil || cost.IsNegative() {
		return decimal.Zero, false
	}
	return cost, true
}

func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
