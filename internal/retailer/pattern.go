package retailer

import (
	"regexp"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

var patternFields = []string{"sku", "name", "url", "price", "currency", "availability"}

// PatternScraper extracts fields from raw markup with regular expressions,
// for shops without structured data. Each pattern yields its "value" group,
// else its first group, else the whole match.
type PatternScraper struct {
	base
	patterns map[string]*regexp.Regexp
}

func newPatternScraper(b base) (*PatternScraper, error) {
	patterns := map[string]*regexp.Regexp{"name": titleRe}
	for k, v := range b.cfg.Fields {
		if !isPatternField(k) {
			return nil, eris.Errorf("retailer %s: unknown field %q", b.cfg.Name, k)
		}
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, eris.Wrapf(err, "retailer %s: invalid pattern for %s", b.cfg.Name, k)
		}
		patterns[k] = re
	}
	for _, required := range []string{"sku", "price"} {
		if patterns[required] == nil {
			return nil, eris.Errorf("retailer %s: pattern kind requires a %s pattern", b.cfg.Name, required)
		}
	}
	return &PatternScraper{base: b, patterns: patterns}, nil
}

// ParseProduct implements Scraper.
func (s *PatternScraper) ParseProduct(page *Page) (*model.ProductRecord, error) {
	x := extracted{
		sku:          s.match("sku", page.Body),
		name:         s.match("name", page.Body),
		url:          s.match("url", page.Body),
		price:        s.match("price", page.Body),
		currency:     s.match("currency", page.Body),
		availability: s.match("availability", page.Body),
	}
	return s.record(page, x)
}

func (s *PatternScraper) match(field string, body []byte) string {
	re := s.patterns[field]
	if re == nil {
		return ""
	}
	m := re.FindSubmatch(body)
	if m == nil {
		return ""
	}
	if i := re.SubexpIndex("value"); i > 0 {
		return cleanText(string(m[i]))
	}
	if len(m) > 1 {
		return cleanText(string(m[1]))
	}
	return cleanText(string(m[0]))
}

func isPatternField(k string) bool {
	for _, f := range patternFields {
		if f == k {
			return true
		}
	}
	return false
}
