package scraper

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"pricewatch/models"
	"pricewatch/normalizer"
)

// Confidence bands.
const (
	eanMatchBase   = 0.9
	brandMatchBase = 0.5
	brandMatchSpan = 0.3
	weakMatchCap   = 0.44
	eanConflictCap = 0.3
	minBrandTitle  = 0.3
)

// Score estimates how likely an offer is the queried product.
//
//	EAN match:               [0.9, 1.0]
//	brand + similar title:   [0.5, 0.8]
//	anything else:           [0, 0.44]
//
// An offer carrying a different EAN never scores above 0.3.
func Score(product models.NormalizedProduct, title, brand, ean string) float64 {
	sim := TitleSimilarity(product.DisplayName(), title)

	offerEAN := normalizer.DigitsOnly(ean)
	if product.HasEAN() && offerEAN != "" {
		if sameGTIN(product.EANValue(), offerEAN) {
			return clamp(eanMatchBase + (1-eanMatchBase)*sim)
		}
		return clamp(min(weakMatchCap*sim, eanConflictCap))
	}

	if brandMatches(product.Brand, brand, title) && sim >= minBrandTitle {
		return clamp(brandMatchBase + brandMatchSpan*sim)
	}
	return clamp(weakMatchCap * sim)
}

// TitleSimilarity compares two titles as token sets, ignoring case, accents
// and punctuation. It blends how much of the query the title covers with the
// Dice coefficient so long shop titles are not over-penalized.
func TitleSimilarity(query, title string) float64 {
	q := tokenSet(query)
	t := tokenSet(title)
	if len(q) == 0 || len(t) == 0 {
		return 0
	}

	shared := 0
	for tok := range q {
		if _, ok := t[tok]; ok {
			shared++
		}
	}
	coverage := float64(shared) / float64(len(q))
	dice := 2 * float64(shared) / float64(len(q)+len(t))
	return clamp(0.7*coverage + 0.3*dice)
}

func brandMatches(want, offerBrand, title string) bool {
	brand := tokenSet(want)
	if len(brand) == 0 {
		return false
	}
	if offerBrand != "" {
		return equalSets(brand, tokenSet(offerBrand))
	}
	t := tokenSet(title)
	for tok := range brand {
		if _, ok := t[tok]; !ok {
			return false
		}
	}
	return true
}

func sameGTIN(a, b string) bool {
	return strings.TrimLeft(a, "0") == strings.TrimLeft(b, "0")
}

// Tokens lowercases s, strips diacritics and splits it on anything that is
// not a letter or digit. Safe for concurrent use: the transformer chain is
// stateful, so each call builds its own.
func Tokens(s string) []string {
	foldAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(foldAccents, s)
	if err != nil {
		folded = s
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(s string) map[string]struct{} {
	toks := Tokens(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func equalSets(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
