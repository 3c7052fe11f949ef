package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/pricewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	sku                    TEXT NOT NULL,
	source                 TEXT NOT NULL,
	name                   TEXT NOT NULL DEFAULT '',
	url                    TEXT NOT NULL,
	current_price          TEXT,
	currency               TEXT NOT NULL DEFAULT '',
	available              INTEGER NOT NULL DEFAULT 0,
	last_seen_at           DATETIME NOT NULL,
	consecutive_miss_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (sku, source)
);

CREATE TABLE IF NOT EXISTS price_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sku         TEXT NOT NULL,
	source      TEXT NOT NULL,
	old_price   TEXT,
	new_price   TEXT,
	change_type TEXT NOT NULL CHECK (change_type IN ('new', 'increase', 'decrease', 'restock', 'removed')),
	recorded_at DATETIME NOT NULL,
	FOREIGN KEY (sku, source) REFERENCES products(sku, source)
);

CREATE TABLE IF NOT EXISTS scraping_runs (
	id                 TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	started_at         DATETIME NOT NULL,
	ended_at           DATETIME,
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
CREATE INDEX IF NOT EXISTS idx_scraping_runs_source_started ON scraping_runs(source, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scraping_runs_one_running ON scraping_runs(source) WHERE status = 'RUNNING';

CREATE TRIGGER IF NOT EXISTS trg_price_history_no_update
BEFORE UPDATE ON price_history
BEGIN
	SELECT RAISE(ABORT, 'price_history is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_price_history_no_delete
BEFORE DELETE ON price_history
BEGIN
	SELECT RAISE(ABORT, 'price_history is append-only');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

const runColumns = `id, source, started_at, ended_at, status, products_attempted, products_succeeded, products_failed, parse_errors, error`

func (s *SQLiteStore) StartRun(ctx context.Context, source string) (*model.ScrapingRun, error) {
	run := &model.ScrapingRun{
		ID:        uuid.New().String(),
		Source:    source,
		StartedAt: time.Now().UTC(),
		Status:    model.RunStatusRunning,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scraping_runs (id, source, started_at, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.Source, run.StartedAt, string(run.Status),
	)
	if isSQLiteUnique(err) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for %s", source)
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.ScrapingRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_runs SET ended_at = ?, status = ?, products_attempted = ?, products_succeeded = ?,
		 products_failed = ?, parse_errors = ?, error = ? WHERE id = ?`,
		nullTime(run.EndedAt), string(run.Status), run.ProductsAttempted, run.ProductsSucceeded,
		run.ProductsFailed, run.ParseErrors, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.ScrapingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scraping_runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	return run, eris.Wrap(err, "sqlite: get run")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error) {
	query := `SELECT ` + runColumns + ` FROM scraping_runs WHERE 1=1`
	var args []any

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ScrapingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) LatestRun(ctx context.Context, source string) (*model.ScrapingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scraping_runs WHERE source = ? ORDER BY started_at DESC, id LIMIT 1`,
		source,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, eris.Wrap(err, "sqlite: latest run")
}

func (s *SQLiteStore) ReapStale(ctx context.Context, startedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraping_runs SET status = ?, ended_at = ?, error = ? WHERE status = ? AND started_at < ?`,
		string(model.RunStatusAborted), time.Now().UTC(), staleRunError,
		string(model.RunStatusRunning), startedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap stale runs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source FROM scraping_runs ORDER BY source`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

// Products

const productColumns = `sku, source, name, url, current_price, currency, available, last_seen_at, consecutive_miss_count`

func (s *SQLiteStore) GetProduct(ctx context.Context, source, sku string) (*model.Product, error) {
	return sqliteTx{q: s.db}.GetProduct(ctx, source, sku)
}

func (s *SQLiteStore) ListProducts(ctx context.Context, source string) ([]model.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source = ? ORDER BY sku`,
		source,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		products = append(products, *p)
	}
	return products, eris.Wrap(rows.Err(), "sqlite: list products iterate")
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqliteTx{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Price history

func (s *SQLiteStore) ListHistory(ctx context.Context, source, sku string) ([]model.PriceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sku, source, old_price, new_price, change_type, recorded_at FROM price_history
		 WHERE source = ? AND sku = ? ORDER BY recorded_at, id`,
		source, sku,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list history")
	}
	defer rows.Close()

	var entries []model.PriceHistoryEntry
	for rows.Next() {
		var e model.PriceHistoryEntry
		if err := rows.Scan(&e.ID, &e.SKU, &e.Source, &e.OldPrice, &e.NewPrice, &e.ChangeType, &e.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list history iterate")
}

func (s *SQLiteStore) CountChanges(ctx context.Context, source string, since time.Time) (map[model.ChangeType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT change_type, COUNT(*) FROM price_history WHERE source = ? AND recorded_at >= ? GROUP BY change_type`,
		source, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count changes")
	}
	defer rows.Close()

	counts := make(map[model.ChangeType]int)
	for rows.Next() {
		var ct model.ChangeType
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change count")
		}
		counts[ct] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count changes iterate")
}

// sqliteQuerier is satisfied by *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	q sqliteQuerier
}

func (t sqliteTx) GetProduct(ctx context.Context, source, sku string) (*model.Product, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source = ? AND sku = ?`,
		source, sku,
	)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: get product %s/%s", source, sku)
}

func (t sqliteTx) GetProductByURL(ctx context.Context, source, url string) (*model.Product, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source = ? AND url = ? ORDER BY last_seen_at DESC LIMIT 1`,
		source, url,
	)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: get product by url %s", url)
}

func (t sqliteTx) InsertProduct(ctx context.Context, p *model.Product) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SKU, p.Source, p.Name, p.URL, p.CurrentPrice, p.Currency, p.Available, p.LastSeenAt.UTC(), p.ConsecutiveMissCount,
	)
	return eris.Wrapf(err, "sqlite: insert product %s/%s", p.Source, p.SKU)
}

func (t sqliteTx) UpdateProduct(ctx context.Context, p *model.Product) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE products SET name = ?, url = ?, current_price = ?, currency = ?, available = ?,
		 last_seen_at = ?, consecutive_miss_count = ? WHERE source = ? AND sku = ?`,
		p.Name, p.URL, p.CurrentPrice, p.Currency, p.Available, p.LastSeenAt.UTC(), p.ConsecutiveMissCount,
		p.Source, p.SKU,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update product %s/%s", p.Source, p.SKU)
	}
	return checkRowsAffected(res, "product", p.Source+"/"+p.SKU)
}

func (t sqliteTx) AppendHistory(ctx context.Context, e *model.PriceHistoryEntry) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO price_history (sku, source, old_price, new_price, change_type, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.SKU, e.Source, e.OldPrice, e.NewPrice, string(e.ChangeType), e.RecordedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append history %s/%s", e.Source, e.SKU)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: history id")
	}
	e.ID = id
	return nil
}

// helpers

const staleRunError = "run abandoned: exceeded run timeout while RUNNING"

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ScrapingRun, error) {
	var r model.ScrapingRun
	var endedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Source, &r.StartedAt, &endedAt, &r.Status,
		&r.ProductsAttempted, &r.ProductsSucceeded, &r.ProductsFailed, &r.ParseErrors, &r.Error)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return &r, nil
}

func scanProduct(row scannable) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.SKU, &p.Source, &p.Name, &p.URL, &p.CurrentPrice, &p.Currency,
		&p.Available, &p.LastSeenAt, &p.ConsecutiveMissCount)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
