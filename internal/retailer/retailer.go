// Package retailer defines the contract every storefront adapter fulfils
// and the config-driven variants that implement it.
package retailer

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/fetcher"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/resilience"
)

// Page is the raw payload fetched for one product URL.
type Page struct {
	// RequestedURL is the URL taken from the listing.
	RequestedURL string
	// URL is the final URL after redirects.
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Scraper is one retailer's adapter. Implementations are safe to call from
// a single run worker; they hold no per-run state.
type Scraper interface {
	// Name is the retailer's unique source name.
	Name() string

	// ListProductURLs enumerates product page URLs, de-duplicated and in
	// listing order.
	ListProductURLs(ctx context.Context) ([]string, error)

	// FetchProductPage downloads one product page. Errors are classified
	// by the resilience taxonomy.
	FetchProductPage(ctx context.Context, url string) (*Page, error)

	// ParseProduct extracts a normalized record. A missing SKU, price
	// (unless explicitly unavailable) or URL is a *resilience.ParseError.
	ParseProduct(page *Page) (*model.ProductRecord, error)
}

// extracted holds the raw field text a variant pulled out of a page.
type extracted struct {
	sku          string
	name         string
	url          string
	price        string
	currency     string
	availability string
	// availableSet marks availability given as a typed boolean.
	availableSet bool
	available    bool
}

// base carries what every variant shares: config, fetcher and listing.
type base struct {
	cfg     config.RetailerConfig
	fetcher fetcher.Fetcher
	include *regexp.Regexp
	exclude *PathMatcher
	log     *zap.Logger
}

func newBase(cfg config.RetailerConfig, f fetcher.Fetcher) (base, error) {
	b := base{
		cfg:     cfg,
		fetcher: f,
		exclude: NewPathMatcher(cfg.Listing.Exclude),
		log:     zap.L().With(zap.String("component", "retailer"), zap.String("source", cfg.Name)),
	}
	if cfg.Listing.Include != "" {
		re, err := regexp.Compile(cfg.Listing.Include)
		if err != nil {
			return base{}, eris.Wrapf(err, "retailer %s: compile listing include", cfg.Name)
		}
		b.include = re
	}
	return b, nil
}

func (b *base) Name() string { return b.cfg.Name }

func (b *base) FetchProductPage(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := b.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	return &Page{
		RequestedURL: rawURL,
		URL:          finalURL,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		Body:         resp.Body,
	}, nil
}

// record validates and normalizes the extracted fields.
func (b *base) record(page *Page, x extracted) (*model.ProductRecord, error) {
	sku := strings.TrimSpace(x.sku)
	if sku == "" {
		return nil, resilience.NewParseError("sku", page.URL, eris.New("not found"))
	}

	productURL := page.URL
	if u := strings.TrimSpace(x.url); u != "" {
		resolved, err := resolveURL(page.URL, u)
		if err != nil {
			return nil, resilience.NewParseError("url", page.URL, err)
		}
		productURL = resolved
	}
	if productURL == "" {
		return nil, resilience.NewParseError("url", page.RequestedURL, eris.New("not found"))
	}

	available, known := x.available, x.availableSet
	if !known {
		available, known = ParseAvailability(x.availability)
	}
	if !known {
		available = true
	}

	var price decimal.NullDecimal
	if text := strings.TrimSpace(x.price); text != "" {
		d, err := ParsePrice(text)
		if err != nil {
			return nil, resilience.NewParseError("price", page.URL, err)
		}
		price = decimal.NewNullDecimal(d)
	} else if available {
		return nil, resilience.NewParseError("price", page.URL, eris.New("not found"))
	}

	cur, err := model.NormalizeCurrency(x.currency, b.cfg.Currency)
	if err != nil {
		return nil, resilience.NewParseError("currency", page.URL, err)
	}

	return &model.ProductRecord{
		SKU:       sku,
		Source:    b.cfg.Name,
		Name:      cleanText(x.name),
		URL:       productURL,
		Price:     price,
		Currency:  cur,
		Available: available,
	}, nil
}

func resolveURL(baseURL, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", eris.Wrapf(err, "parse url %q", ref)
	}
	if baseURL == "" {
		if !r.IsAbs() {
			return "", eris.Errorf("relative url %q without base", ref)
		}
		r.Fragment = ""
		return r.String(), nil
	}
	bu, err := url.Parse(baseURL)
	if err != nil {
		return "", eris.Wrapf(err, "parse base url %q", baseURL)
	}
	out := bu.ResolveReference(r)
	out.Fragment = ""
	return out.String(), nil
}
