package retailer

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// defaultSelectors address schema.org microdata. Config fields override them
// per retailer.
var defaultSelectors = map[string]string{
	"sku":          `[itemprop="sku"], [itemprop="productID"]`,
	"name":         `[itemtype$="/Product"] [itemprop="name"], [itemprop="name"]`,
	"price":        `[itemprop="price"]`,
	"currency":     `[itemprop="priceCurrency"]`,
	"availability": `[itemprop="availability"]`,
	"url":          `link[rel="canonical"]`,
}

// MicrodataScraper extracts fields with CSS selectors.
type MicrodataScraper struct {
	base
	selectors map[string]string
}

func newMicrodataScraper(b base) (*MicrodataScraper, error) {
	selectors := make(map[string]string, len(defaultSelectors))
	for k, v := range defaultSelectors {
		selectors[k] = v
	}
	for k, v := range b.cfg.Fields {
		if _, ok := defaultSelectors[k]; !ok {
			return nil, eris.Errorf("retailer %s: unknown field %q", b.cfg.Name, k)
		}
		if _, err := cascadia.ParseGroup(v); err != nil {
			return nil, eris.Wrapf(err, "retailer %s: invalid selector for %s", b.cfg.Name, k)
		}
		selectors[k] = v
	}
	return &MicrodataScraper{base: b, selectors: selectors}, nil
}

// ParseProduct implements Scraper.
func (s *MicrodataScraper) ParseProduct(page *Page) (*model.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, resilience.NewParseError("html", page.URL, err)
	}

	x := extracted{
		sku:          selectValue(doc.Selection, s.selectors["sku"]),
		name:         selectValue(doc.Selection, s.selectors["name"]),
		url:          selectValue(doc.Selection, s.selectors["url"]),
		price:        selectValue(doc.Selection, s.selectors["price"]),
		currency:     selectValue(doc.Selection, s.selectors["currency"]),
		availability: selectValue(doc.Selection, s.selectors["availability"]),
	}
	return s.record(page, x)
}

// selectValue reads the first match's content, value or href attribute,
// falling back to its text.
func selectValue(root *goquery.Selection, selector string) string {
	sel := root.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"content", "value", "href"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(sel.Text())
}
