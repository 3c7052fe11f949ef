package retailer

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/fetcher"
)

// stubFetcher serves canned bodies and records requested URLs.
type stubFetcher struct {
	pages    map[string]string
	errs     map[string]error
	requests []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (*fetcher.Response, error) {
	f.requests = append(f.requests, url)
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	body, ok := f.pages[url]
	if !ok {
		return &fetcher.Response{URL: url, StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}
	return &fetcher.Response{URL: url, StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

func newTestScraper(t *testing.T, cfg config.RetailerConfig, f fetcher.Fetcher) Scraper {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "acme"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Listing.Strategy == "" {
		cfg.Listing.Strategy = config.ListingSitemap
	}
	if f == nil {
		f = &stubFetcher{}
	}
	s, err := New(cfg, f)
	require.NoError(t, err)
	return s
}

func page(url, body string) *Page {
	return &Page{RequestedURL: url, URL: url, StatusCode: http.StatusOK, Body: []byte(body)}
}
