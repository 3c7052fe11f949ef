package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/db"
	"github.com/sells-group/pricewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgInsertRun = `INSERT INTO scraping_runs (id, source, started_at, status) VALUES ($1, $2, $3, $4)`
	pgFinishRun = `UPDATE scraping_runs SET ended_at = $1, status = $2, products_attempted = $3, products_succeeded = $4,
	 products_failed = $5, parse_errors = $6, error = $7 WHERE id = $8`
	pgGetRun       = `SELECT ` + runColumns + ` FROM scraping_runs WHERE id = $1`
	pgLatestRun    = `SELECT ` + runColumns + ` FROM scraping_runs WHERE source = $1 ORDER BY started_at DESC, id LIMIT 1`
	pgGetProduct   = `SELECT ` + productColumns + ` FROM products WHERE source = $1 AND sku = $2`
	pgProductByURL = `SELECT ` + productColumns + ` FROM products WHERE source = $1 AND url = $2 ORDER BY last_seen_at DESC LIMIT 1`
	pgInsertProd   = `INSERT INTO products (` + productColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	pgUpdateProd   = `UPDATE products SET name = $1, url = $2, current_price = $3, currency = $4, available = $5,
	 last_seen_at = $6, consecutive_miss_count = $7 WHERE source = $8 AND sku = $9`
	pgAppendHist = `INSERT INTO price_history (sku, source, old_price, new_price, change_type, recorded_at)
	 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	pgCountChanges = `SELECT change_type, COUNT(*) FROM price_history WHERE source = $1 AND recorded_at >= $2 GROUP BY change_type`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-item hot path.
var preparedStatements = map[string]string{
	"get_product":    pgGetProduct,
	"product_by_url": pgProductByURL,
	"insert_product": pgInsertProd,
	"update_product": pgUpdateProd,
	"append_history": pgAppendHist,
	"latest_run":     pgLatestRun,
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	sku                    TEXT NOT NULL,
	source                 TEXT NOT NULL,
	name                   TEXT NOT NULL DEFAULT '',
	url                    TEXT NOT NULL,
	current_price          NUMERIC(18, 4),
	currency               TEXT NOT NULL DEFAULT '',
	available              BOOLEAN NOT NULL DEFAULT false,
	last_seen_at           TIMESTAMPTZ NOT NULL,
	consecutive_miss_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (sku, source)
);

CREATE TABLE IF NOT EXISTS price_history (
	id          BIGSERIAL PRIMARY KEY,
	sku         TEXT NOT NULL,
	source      TEXT NOT NULL,
	old_price   NUMERIC(18, 4),
	new_price   NUMERIC(18, 4),
	change_type TEXT NOT NULL CHECK (change_type IN ('new', 'increase', 'decrease', 'restock', 'removed')),
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	FOREIGN KEY (sku, source) REFERENCES products(sku, source)
);

CREATE TABLE IF NOT EXISTS scraping_runs (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source             TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at           TIMESTAMPTZ,
	status             TEXT NOT NULL,
	products_attempted INTEGER NOT NULL DEFAULT 0,
	products_succeeded INTEGER NOT NULL DEFAULT 0,
	products_failed    INTEGER NOT NULL DEFAULT 0,
	parse_errors       INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_products_source_url ON products(source, url);
CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history(source, sku, recorded_at, id);
CREATE INDEX IF NOT EXISTS idx_price_history_recorded_at ON price_history(source, recorded_at);
CREATE INDEX IF NOT EXISTS idx_scraping_runs_source_started ON scraping_runs(source, started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scraping_runs_one_running ON scraping_runs(source) WHERE status = 'RUNNING';

CREATE OR REPLACE FUNCTION price_history_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'price_history is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_price_history_append_only ON price_history;
CREATE TRIGGER trg_price_history_append_only
	BEFORE UPDATE OR DELETE ON price_history
	FOR EACH ROW EXECUTE FUNCTION price_history_append_only();
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Runs

func (s *PostgresStore) StartRun(ctx context.Context, source string) (*model.ScrapingRun, error) {
	run := &model.ScrapingRun{
		ID:        uuid.New().String(),
		Source:    source,
		StartedAt: time.Now().UTC(),
		Status:    model.RunStatusRunning,
	}

	_, err := s.pool.Exec(ctx, pgInsertRun, run.ID, run.Source, run.StartedAt, string(run.Status))
	if isPgUnique(err) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for %s", source)
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *model.ScrapingRun) error {
	tag, err := s.pool.Exec(ctx, pgFinishRun,
		run.EndedAt, string(run.Status), run.ProductsAttempted, run.ProductsSucceeded,
		run.ProductsFailed, run.ParseErrors, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.ScrapingRun, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, pgGetRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	return run, eris.Wrap(err, "postgres: get run")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error) {
	query := `SELECT ` + runColumns + ` FROM scraping_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ScrapingRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) LatestRun(ctx context.Context, source string) (*model.ScrapingRun, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, pgLatestRun, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, eris.Wrap(err, "postgres: latest run")
}

func (s *PostgresStore) ReapStale(ctx context.Context, startedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraping_runs SET status = $1, ended_at = $2, error = $3 WHERE status = $4 AND started_at < $5`,
		string(model.RunStatusAborted), time.Now().UTC(), staleRunError,
		string(model.RunStatusRunning), startedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap stale runs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT source FROM scraping_runs ORDER BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

// Products

func (s *PostgresStore) GetProduct(ctx context.Context, source, sku string) (*model.Product, error) {
	return pgTx{q: s.pool}.GetProduct(ctx, source, sku)
}

func (s *PostgresStore) ListProducts(ctx context.Context, source string) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE source = $1 ORDER BY sku`,
		source,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "postgres: list products iterate")
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTx{q: tx})
	})
}

// Price history

func (s *PostgresStore) ListHistory(ctx context.Context, source, sku string) ([]model.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sku, source, old_price, new_price, change_type, recorded_at FROM price_history
		 WHERE source = $1 AND sku = $2 ORDER BY recorded_at, id`,
		source, sku,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list history")
	}
	defer rows.Close()

	var entries []model.PriceHistoryEntry
	for rows.Next() {
		var e model.PriceHistoryEntry
		if err := rows.Scan(&e.ID, &e.SKU, &e.Source, &e.OldPrice, &e.NewPrice, &e.ChangeType, &e.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list history iterate")
}

func (s *PostgresStore) CountChanges(ctx context.Context, source string, since time.Time) (map[model.ChangeType]int, error) {
	rows, err := s.pool.Query(ctx, pgCountChanges, source, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count changes")
	}
	defer rows.Close()

	counts := make(map[model.ChangeType]int)
	for rows.Next() {
		var ct string
		var n int64
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change count")
		}
		counts[model.ChangeType(ct)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count changes iterate")
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q pgQuerier
}

func (t pgTx) GetProduct(ctx context.Context, source, sku string) (*model.Product, error) {
	p, err := scanProduct(t.q.QueryRow(ctx, pgGetProduct, source, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: get product %s/%s", source, sku)
}

func (t pgTx) GetProductByURL(ctx context.Context, source, url string) (*model.Product, error) {
	p, err := scanProduct(t.q.QueryRow(ctx, pgProductByURL, source, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: get product by url %s", url)
}

func (t pgTx) InsertProduct(ctx context.Context, p *model.Product) error {
	_, err := t.q.Exec(ctx, pgInsertProd,
		p.SKU, p.Source, p.Name, p.URL, p.CurrentPrice, p.Currency, p.Available, p.LastSeenAt.UTC(), p.ConsecutiveMissCount,
	)
	return eris.Wrapf(err, "postgres: insert product %s/%s", p.Source, p.SKU)
}

func (t pgTx) UpdateProduct(ctx context.Context, p *model.Product) error {
	tag, err := t.q.Exec(ctx, pgUpdateProd,
		p.Name, p.URL, p.CurrentPrice, p.Currency, p.Available, p.LastSeenAt.UTC(), p.ConsecutiveMissCount,
		p.Source, p.SKU,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update product %s/%s", p.Source, p.SKU)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "product %s/%s", p.Source, p.SKU)
	}
	return nil
}

func (t pgTx) AppendHistory(ctx context.Context, e *model.PriceHistoryEntry) error {
	err := t.q.QueryRow(ctx, pgAppendHist,
		e.SKU, e.Source, e.OldPrice, e.NewPrice, string(e.ChangeType), e.RecordedAt.UTC(),
	).Scan(&e.ID)
	return eris.Wrapf(err, "postgres: append history %s/%s", e.Source, e.SKU)
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanPgRun(row pgx.Row) (*model.ScrapingRun, error) {
	var r model.ScrapingRun
	var status string
	err := row.Scan(&r.ID, &r.Source, &r.StartedAt, &r.EndedAt, &status,
		&r.ProductsAttempted, &r.ProductsSucceeded, &r.ProductsFailed, &r.ParseErrors, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	return &r, nil
}
