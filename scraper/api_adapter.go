package scraper

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"pricewatch/models"
)

// default JSON field names of an offer; overridable through selectors.
var apiFields = map[string]string{
	"item":         "offers",
	"title":        "title",
	"price":        "price",
	"currency":     "currency",
	"url":          "url",
	"merchant":     "merchant",
	"availability": "availability",
	"shipping":     "shipping",
	"ean":          "ean",
	"brand":        "brand",
}

// APIAdapter queries a JSON offers endpoint. The response is either an
// object holding the offer list under the "item" path (default "offers",
// any gjson path) or a bare array. Field selectors are gjson paths relative
// to one offer.
type APIAdapter struct {
	*BaseAdapter
	fields map[string]string
}

// NewAPIAdapter creates an uninitialized API adapter.
func NewAPIAdapter(source models.PriceScrapingSource, opts Options) *APIAdapter {
	fields := make(map[string]string, len(apiFields))
	for k, v := range apiFields {
		fields[k] = v
	}
	for k, v := range source.Config.Selectors {
		fields[k] = v
	}
	return &APIAdapter{
		BaseAdapter: newBaseAdapter(source, opts),
		fields:      fields,
	}
}

// Initialize validates the config and prepares the HTTP client.
func (a *APIAdapter) Initialize(ctx context.Context) error {
	if err := a.initHTTP(); err != nil {
		return err
	}
	a.markReady()
	a.log.Info("API adapter initialized")
	return nil
}

// Search queries the endpoint for the product.
func (a *APIAdapter) Search(ctx context.Context, product models.NormalizedProduct) ([]models.Observation, error) {
	return a.search(ctx, product, a.fetch)
}

func (a *APIAdapter) fetch(ctx context.Context, pageURL string) ([]rawOffer, error) {
	body, err := a.get(ctx, pageURL, "application/json")
	if err != nil {
		return nil, err
	}
	return a.decode(body)
}

func (a *APIAdapter) decode(body []byte) ([]rawOffer, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrParse)
	}

	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get(a.fields["item"])
		if !list.Exists() {
			return nil, ErrNoMatch
		}
		if !list.IsArray() {
			return nil, fmt.Errorf("%w: %q is not a list", ErrParse, a.fields["item"])
		}
	}

	var (
		entries int
		offers  []rawOffer
	)
	list.ForEach(func(_, entry gjson.Result) bool {
		entries++
		if !entry.IsObject() {
			return true
		}
		offers = append(offers, rawOffer{
			Title:        a.field(entry, "title"),
			Price:        a.field(entry, "price"),
			Currency:     a.field(entry, "currency"),
			URL:          a.field(entry, "url"),
			Merchant:     a.field(entry, "merchant"),
			Availability: a.field(entry, "availability"),
			Shipping:     a.field(entry, "shipping"),
			EAN:          a.field(entry, "ean"),
			Brand:        a.field(entry, "brand"),
		})
		return true
	})
	if entries == 0 {
		return nil, ErrNoMatch
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("%w: offers are not objects", ErrParse)
	}
	return offers, nil
}

// field renders the scalar at the configured path as text. Prices arrive as
// numbers or strings; objects and lists yield "".
func (a *APIAdapter) field(entry gjson.Result, name string) string {
	path := a.fields[name]
	if path == "" {
		return ""
	}
	v := entry.Get(path)
	if !v.Exists() || v.IsObject() || v.IsArray() {
		return ""
	}
	return strings.TrimSpace(v.String())
}

// Shutdown releases idle connections. Safe to call more than once.
func (a *APIAdapter) Shutdown() error {
	a.markStopped()
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}
