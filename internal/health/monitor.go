// Package health scores retailer reliability from persisted runs and price
// history and alerts when a source degrades.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

// Status is the health classification of a source.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// Report is the diagnostic view of one source over the trailing window.
type Report struct {
	Source              string                   `json:"source" yaml:"source"`
	Status              Status                   `json:"status" yaml:"status"`
	CriticalIssues      []string                 `json:"critical_issues" yaml:"critical_issues"`
	Warnings            []string                 `json:"warnings" yaml:"warnings"`
	Recommendations     []string                 `json:"recommendations" yaml:"recommendations"`
	SuccessRate         float64                  `json:"success_rate" yaml:"success_rate"`
	ParseErrorRate      float64                  `json:"parse_error_rate" yaml:"parse_error_rate"`
	LastSuccessfulRunAt *time.Time               `json:"last_successful_run_at" yaml:"last_successful_run_at"`
	ProductsAttempted   int                      `json:"products_attempted" yaml:"products_attempted"`
	ProductsSucceeded   int                      `json:"products_succeeded" yaml:"products_succeeded"`
	ProductsAffected    int                      `json:"products_affected" yaml:"products_affected"`
	RunsInWindow        int                      `json:"runs_in_window" yaml:"runs_in_window"`
	ChangesByType       map[model.ChangeType]int `json:"changes_by_type" yaml:"changes_by_type"`
	LatestRun           *model.ScrapingRun       `json:"latest_run,omitempty" yaml:"latest_run,omitempty"`
	WindowHours         int                      `json:"window_hours" yaml:"window_hours"`
	GeneratedAt         time.Time                `json:"generated_at" yaml:"generated_at"`
}

// Overview aggregates the reports of every known source.
type Overview struct {
	Status      Status    `json:"status" yaml:"status"`
	Sources     []*Report `json:"sources" yaml:"sources"`
	WindowHours int       `json:"window_hours" yaml:"window_hours"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
}

// Reader is the read-only slice of the store the monitor needs.
type Reader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ScrapingRun, error)
	LatestRun(ctx context.Context, source string) (*model.ScrapingRun, error)
	ListSources(ctx context.Context) ([]string, error)
	CountChanges(ctx context.Context, source string, since time.Time) (map[model.ChangeType]int, error)
}

const windowRunLimit = 10000

// Monitor builds health reports.
type Monitor struct {
	reader  Reader
	cfg     config.HealthConfig
	sources []string
	now     func() time.Time
	log     *zap.Logger
}

// NewMonitor creates a Monitor. A non-positive window and negative thresholds
// fall back to the defaults; zero thresholds are honoured.
func NewMonitor(r Reader, cfg config.HealthConfig) *Monitor {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.SuccessRateFloor < 0 {
		cfg.SuccessRateFloor = 0.90
	}
	if cfg.ParseErrorThreshold < 0 {
		cfg.ParseErrorThreshold = 0.10
	}
	return &Monitor{
		reader: r,
		cfg:    cfg,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "health")),
	}
}

// WithSources makes ReportAll include sources that may not have run yet.
func (m *Monitor) WithSources(sources ...string) *Monitor {
	m.sources = append(m.sources, sources...)
	return m
}

// Report scores one source.
func (m *Monitor) Report(ctx context.Context, source string) (*Report, error) {
	now := m.now().UTC()
	cutoff := now.Add(-time.Duration(m.cfg.WindowHours) * time.Hour)

	rep := &Report{
		Source:          source,
		Status:          StatusOK,
		CriticalIssues:  []string{},
		Warnings:        []string{},
		Recommendations: []string{},
		WindowHours:     m.cfg.WindowHours,
		GeneratedAt:     now,
	}

	runs, err := m.reader.ListRuns(ctx, store.RunFilter{Source: source, Since: cutoff, Limit: windowRunLimit})
	if err != nil {
		return nil, eris.Wrapf(err, "health: list runs for %s", source)
	}
	latest, err := m.reader.LatestRun(ctx, source)
	if err != nil {
		return nil, eris.Wrapf(err, "health: latest run for %s", source)
	}
	lastOK, err := m.reader.ListRuns(ctx, store.RunFilter{Source: source, Status: model.RunStatusCompleted, Limit: 1})
	if err != nil {
		return nil, eris.Wrapf(err, "health: last successful run for %s", source)
	}
	changes, err := m.reader.CountChanges(ctx, source, cutoff)
	if err != nil {
		return nil, eris.Wrapf(err, "health: count changes for %s", source)
	}

	var parseErrors int
	for _, r := range runs {
		rep.ProductsAttempted += r.ProductsAttempted
		rep.ProductsSucceeded += r.ProductsSucceeded
		rep.ProductsAffected += r.ProductsFailed
		parseErrors += r.ParseErrors
	}
	rep.RunsInWindow = len(runs)
	rep.LatestRun = latest
	rep.ChangesByType = changes
	if len(lastOK) > 0 {
		rep.LastSuccessfulRunAt = lastOK[0].EndedAt
		if rep.LastSuccessfulRunAt == nil {
			t := lastOK[0].StartedAt
			rep.LastSuccessfulRunAt = &t
		}
	}
	if rep.ProductsAttempted > 0 {
		rep.SuccessRate = float64(rep.ProductsSucceeded) / float64(rep.ProductsAttempted)
		rep.ParseErrorRate = float64(parseErrors) / float64(rep.ProductsAttempted)
	}

	m.classify(rep, latest, cutoff)
	return rep, nil
}

func (m *Monitor) classify(rep *Report, latest *model.ScrapingRun, cutoff time.Time) {
	hours := m.cfg.WindowHours

	if rep.ProductsAttempted > 0 && rep.ProductsSucceeded == 0 {
		rep.critical(
			fmt.Sprintf("all %d attempted products failed in the last %dh", rep.ProductsAttempted, hours),
			fmt.Sprintf("check that %s is reachable and its listing still resolves", rep.Source),
		)
	}
	if latest != nil && latest.Status == model.RunStatusFailed {
		msg := fmt.Sprintf("latest run %s failed", latest.ID)
		if latest.Error != "" {
			msg += ": " + latest.Error
		}
		rep.critical(msg, fmt.Sprintf("inspect run %s and rerun %s once the cause is fixed", latest.ID, rep.Source))
	}

	switch {
	case rep.RunsInWindow == 0:
		rep.warn(
			fmt.Sprintf("no runs in the last %dh", hours),
			fmt.Sprintf("schedule a run for %s", rep.Source),
		)
	case rep.ProductsAttempted == 0:
		rep.warn(fmt.Sprintf("no products attempted in the last %dh", hours), "")
	default:
		if rep.SuccessRate < m.cfg.SuccessRateFloor {
			rep.warn(
				fmt.Sprintf("success rate %.1f%% is below the %.1f%% floor", rep.SuccessRate*100, m.cfg.SuccessRateFloor*100),
				fmt.Sprintf("review failed items for %s; consider a longer min delay if rate limited", rep.Source),
			)
		}
		if rep.ParseErrorRate > m.cfg.ParseErrorThreshold {
			rep.warn(
				fmt.Sprintf("parse error rate %.1f%% exceeds %.1f%%", rep.ParseErrorRate*100, m.cfg.ParseErrorThreshold*100),
				fmt.Sprintf("page markup for %s may have changed; review its selectors", rep.Source),
			)
		}
	}

	if latest != nil {
		switch {
		case latest.Status == model.RunStatusAborted:
			rep.warn(fmt.Sprintf("latest run %s was aborted", latest.ID), "")
		case latest.Status == model.RunStatusRunning && latest.StartedAt.Before(cutoff):
			rep.warn(
				fmt.Sprintf("run %s has been running since %s", latest.ID, latest.StartedAt.UTC().Format(time.RFC3339)),
				"a stuck run blocks new runs until it is reaped",
			)
		}
	}

	switch {
	case len(rep.CriticalIssues) > 0:
		rep.Status = StatusCritical
	case len(rep.Warnings) > 0:
		rep.Status = StatusWarning
	default:
		rep.Status = StatusOK
	}
}

func (r *Report) critical(issue, recommendation string) {
	r.CriticalIssues = append(r.CriticalIssues, issue)
	if recommendation != "" {
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

func (r *Report) warn(issue, recommendation string) {
	r.Warnings = append(r.Warnings, issue)
	if recommendation != "" {
		r.Recommendations = append(r.Recommendations, recommendation)
	}
}

// ReportAll scores every configured source plus any source found in the
// run table. The overview status is the worst source status.
func (m *Monitor) ReportAll(ctx context.Context) (*Overview, error) {
	known, err := m.reader.ListSources(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "health: list sources")
	}

	seen := make(map[string]bool)
	var sources []string
	for _, s := range append(append([]string{}, m.sources...), known...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		sources = append(sources, s)
	}
	sort.Strings(sources)

	ov := &Overview{
		Status:      StatusOK,
		Sources:     make([]*Report, 0, len(sources)),
		WindowHours: m.cfg.WindowHours,
		GeneratedAt: m.now().UTC(),
	}
	for _, s := range sources {
		rep, err := m.Report(ctx, s)
		if err != nil {
			return nil, err
		}
		ov.Sources = append(ov.Sources, rep)
		if rep.Status.rank() > ov.Status.rank() {
			ov.Status = rep.Status
		}
	}

	m.log.Debug("health overview built",
		zap.Int("sources", len(ov.Sources)),
		zap.String("status", string(ov.Status)),
	)
	return ov, nil
}
