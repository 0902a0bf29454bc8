package scraper

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// selectorSet is the CSS selector config of an HTML source. Each selector may
// end in "@attr" to read an attribute instead of the text, e.g. "a@href".
// A selector of just "@attr" reads the attribute of the item itself.
type selectorSet struct {
	Item         string
	Title        string
	Price        string
	URL          string
	Merchant     string
	Availability string
	Shipping     string
	EAN          string
	Brand        string
	Currency     string
}

func newSelectorSet(cfg map[string]string) selectorSet {
	s := selectorSet{
		Item:         cfg["item"],
		Title:        cfg["title"],
		Price:        cfg["price"],
		URL:          cfg["url"],
		Merchant:     cfg["merchant"],
		Availability: cfg["availability"],
		Shipping:     cfg["shipping"],
		EAN:          cfg["ean"],
		Brand:        cfg["brand"],
		Currency:     cfg["currency"],
	}
	if s.URL == "" {
		s.URL = "a@href"
	}
	return s
}

func (s selectorSet) validate() error {
	var missing []string
	if s.Item == "" {
		missing = append(missing, "item")
	}
	if s.Title == "" {
		missing = append(missing, "title")
	}
	if s.Price == "" {
		missing = append(missing, "price")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing selectors %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// extractOffers parses a search result page. A page without result items is
// either a bot wall (ErrBlocked) or a genuine miss (ErrNoMatch).
func extractOffers(body []byte, sel selectorSet, detector *BotDetector) ([]rawOffer, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	items := doc.Find(sel.Item)
	if items.Length() == 0 {
		doc.Find("script, style, noscript").Remove()
		title := strings.TrimSpace(doc.Find("title").First().Text())
		if v := detector.Inspect(doc.Find("body").Text(), title); v.Blocked {
			return nil, fmt.Errorf("%w: %s (%s)", ErrBlocked, v.Kind, strings.Join(v.Reasons, "; "))
		}
		return nil, ErrNoMatch
	}

	offers := make([]rawOffer, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		o := rawOffer{
			Title:        pick(item, sel.Title),
			Price:        pick(item, sel.Price),
			URL:          pick(item, sel.URL),
			Merchant:     pick(item, sel.Merchant),
			Availability: pick(item, sel.Availability),
			Shipping:     pick(item, sel.Shipping),
			EAN:          pick(item, sel.EAN),
			Brand:        pick(item, sel.Brand),
			Currency:     pick(item, sel.Currency),
		}
		if o.Title == "" && o.Price == "" {
			return
		}
		offers = append(offers, o)
	})

	if len(offers) == 0 {
		return nil, fmt.Errorf("%w: %d items without title or price", ErrParse, items.Length())
	}
	return offers, nil
}

func pick(item *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	query, attr, hasAttr := strings.Cut(selector, "@")
	target := item
	if query != "" {
		target = item.Find(query).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := target.Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(target.Text()), " ")
}
