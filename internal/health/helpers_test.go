package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// fakeReader is an in-memory Reader.
type fakeReader struct {
	mu      sync.Mutex
	runs    []model.ScrapingRun
	changes map[string]map[model.ChangeType]int
	err     error
}

func (f *fakeReader) add(r model.ScrapingRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, r)
}

func (f *fakeReader) ListRuns(_ context.Context, filter store.RunFilter) ([]model.ScrapingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ScrapingRun
	for _, r := range f.runs {
		if filter.Source != "" && r.Source != filter.Source {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && r.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeReader) LatestRun(ctx context.Context, source string) (*model.ScrapingRun, error) {
	runs, err := f.ListRuns(ctx, store.RunFilter{Source: source, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (f *fakeReader) ListSources(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.runs {
		if !seen[r.Source] {
			seen[r.Source] = true
			out = append(out, r.Source)
		}
	}
	sort.Strings(out)
	return out, f.err
}

func (f *fakeReader) CountChanges(_ context.Context, source string, _ time.Time) (map[model.ChangeType]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[model.ChangeType]int)
	for k, v := range f.changes[source] {
		out[k] = v
	}
	return out, nil
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func finishedRun(id, source string, ago time.Duration, status model.RunStatus, attempted, succeeded, parse int) model.ScrapingRun {
	started := testNow.Add(-ago)
	ended := started.Add(time.Minute)
	return model.ScrapingRun{
		ID:                id,
		Source:            source,
		StartedAt:         started,
		EndedAt:           &ended,
		Status:            status,
		ProductsAttempted: attempted,
		ProductsSucceeded: succeeded,
		ProductsFailed:    attempted - succeeded,
		ParseErrors:       parse,
	}
}
