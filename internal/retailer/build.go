package retailer

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/fetcher"
)

// FetcherFor returns the fetcher a retailer's scraper should use. It lets
// callers gate each retailer behind its own politeness limiter.
type FetcherFor func(source string) fetcher.Fetcher

// New builds the scraper variant selected by cfg.Kind.
func New(cfg config.RetailerConfig, f fetcher.Fetcher) (Scraper, error) {
	b, err := newBase(cfg, f)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case config.KindJSONLD:
		return &JSONLDScraper{base: b}, nil
	case config.KindMicrodata:
		return newMicrodataScraper(b)
	case config.KindPattern:
		return newPatternScraper(b)
	case config.KindJSONAPI:
		return newJSONAPIScraper(b), nil
	default:
		return nil, eris.Errorf("retailer %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// BuildRegistry creates one scraper per configured retailer.
func BuildRegistry(cfgs []config.RetailerConfig, fetcherFor FetcherFor) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		s, err := New(cfg, fetcherFor(cfg.Name))
		if err != nil {
			return nil, err
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
