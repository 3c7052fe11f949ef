package retailer

import (
	"html"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

var (
	priceCharsRe = regexp.MustCompile(`[^0-9.,\-]`)
	spaceRe      = regexp.MustCompile(`\s+`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// ParsePrice reads a display price such as "$1,299.99", "1.299,99 €" or
// "19". The last separator followed by one or two digits is the decimal
// mark; everything else is grouping.
func ParsePrice(text string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(text)
	s := priceCharsRe.ReplaceAllString(raw, "")
	s = strings.Trim(s, ".,")
	if s == "" {
		return decimal.Decimal{}, eris.Errorf("no digits in price %q", raw)
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Decimal{}, eris.Errorf("negative price %q", raw)
	}

	lastSep := strings.LastIndexAny(s, ".,")
	if lastSep >= 0 {
		intPart, frac := s[:lastSep], s[lastSep+1:]
		sep := s[lastSep]
		mixed := strings.ContainsAny(intPart, ".,") && strings.IndexByte(intPart, sep) < 0
		repeated := strings.IndexByte(intPart, sep) >= 0
		switch {
		case mixed:
			// "1.299,99" or "1,299.99"
			s = stripSeparators(intPart) + "." + frac
		case repeated:
			// "1,299,000" or "1.299.000"
			s = stripSeparators(s)
		case len(frac) == 3 && sep == ',':
			// "1,299"
			s = intPart + frac
		default:
			s = intPart + "." + frac
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, eris.Wrapf(err, "invalid price %q", raw)
	}
	return d, nil
}

func stripSeparators(s string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(s)
}

// availability values that mean the item can be bought now.
var availableWords = []string{
	"instock", "in stock", "in_stock", "onlineonly", "limitedavailability",
	"instoreonly", "preorder", "presale", "backorder", "available", "true", "yes", "1",
}

// availability values that mean it cannot.
var unavailableWords = []string{
	"outofstock", "out of stock", "out_of_stock", "soldout", "sold out",
	"discontinued", "unavailable", "not available", "false", "no", "0",
}

// negatedRe matches phrases that deny an available word, such as
// "not in stock" or "no longer available".
var negatedRe = regexp.MustCompile(`^(?:not|no longer)\b|\b(?:not|no longer|isn't|is not)\s+(?:\w+\s+)?(?:in stock|in_stock|instock|available|for sale)`)

// ParseAvailability interprets schema.org availability URLs and common
// storefront phrases. known is false when the text matches neither form.
func ParseAvailability(text string) (available, known bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return false, false
	}
	if i := strings.LastIndex(s, "/"); i >= 0 && strings.Contains(s, "schema.org") {
		s = s[i+1:]
	}
	if negatedRe.MatchString(s) {
		return false, true
	}
	for _, w := range unavailableWords {
		if s == w || len(w) > 3 && strings.Contains(s, w) {
			return false, true
		}
	}
	for _, w := range availableWords {
		if s == w || len(w) > 3 && strings.Contains(s, w) {
			return true, true
		}
	}
	return false, false
}

// cleanText strips tags and entities and collapses whitespace.
func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
