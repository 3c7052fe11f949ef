package retailer

import "github.com/rotisserie/eris"

// ErrUnknownScraper is returned by Get for a name that was never registered.
var ErrUnknownScraper = eris.New("retailer: unknown scraper")

// Registry maps retailer names to their scrapers.
type Registry struct {
	scrapers map[string]Scraper
	order    []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scrapers: make(map[string]Scraper),
	}
}

// Register adds a scraper to the registry. A duplicate name is an error.
func (r *Registry) Register(s Scraper) error {
	name := s.Name()
	if _, ok := r.scrapers[name]; ok {
		return eris.Errorf("retailer: duplicate scraper %q", name)
	}
	r.scrapers[name] = s
	r.order = append(r.order, name)
	return nil
}

// Get returns a scraper by name.
func (r *Registry) Get(name string) (Scraper, error) {
	s, ok := r.scrapers[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownScraper, "retailer: get %q", name)
	}
	return s, nil
}

// Select returns the named scrapers, or all of them when names is empty.
func (r *Registry) Select(names []string) ([]Scraper, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	result := make([]Scraper, 0, len(names))
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

// All returns all scrapers in registration order.
func (r *Registry) All() []Scraper {
	result := make([]Scraper, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.scrapers[name])
	}
	return result
}

// Names returns all registered scraper names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
