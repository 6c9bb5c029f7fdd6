// Package cache is the client-local durable rate cache with a per-currency
// staleness clock.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/avishj/ForexRadar-sub001/internal/model"
)

// migrations are applied in order; PRAGMA user_version records how many
// have run. Append only.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS rates (
	from_curr TEXT NOT NULL,
	to_curr   TEXT NOT NULL,
	provider  TEXT NOT NULL,
	date      TEXT NOT NULL,
	rate      TEXT NOT NULL,
	markup    TEXT,
	PRIMARY KEY (from_curr, to_curr, provider, date)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS refresh (
	from_curr    TEXT PRIMARY KEY,
	refreshed_at INTEGER NOT NULL
);
`,
	`CREATE INDEX IF NOT EXISTS idx_rates_pair_date ON rates(from_curr, to_curr, date);`,
}

// SchemaVersion is the version Migrate brings a database to.
var SchemaVersion = len(migrations)

// Cache implements the client cache on SQLite.
type Cache struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// New opens a SQLite database at dsn and configures WAL mode. Call Migrate
// before use.
func New(dsn string) (*Cache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open")
	}
	// One connection keeps per-connection pragmas in effect and serializes
	// writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}
	return &Cache{db: db, nowFunc: time.Now}, nil
}

// Open is New followed by Migrate.
func Open(ctx context.Context, dsn string) (*Cache, error) {
	c, err := New(dsn)
	if err != nil {
		return nil, err
	}
	if err := c.Migrate(ctx); err != nil {
		c.Close() //nolint:errcheck
		return nil, err
	}
	return c, nil
}

// Migrate applies every pending migration. Existing rows are kept.
func (c *Cache) Migrate(ctx context.Context) error {
	version, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return eris.Errorf("cache: database version %d is newer than supported %d", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "cache: begin migration")
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrapf(err, "cache: migration %d", v+1)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrapf(err, "cache: set version %d", v+1)
		}
		if err := tx.Commit(); err != nil {
			return eris.Wrapf(err, "cache: commit migration %d", v+1)
		}
	}
	return nil
}

// Version returns the schema version of the database.
func (c *Cache) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, eris.Wrap(err, "cache: read version")
	}
	return v, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

const upsertRate = `
INSERT INTO rates (from_curr, to_curr, provider, date, rate, markup)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (from_curr, to_curr, provider, date)
DO UPDATE SET rate = excluded.rate, markup = excluded.markup`

// Save upserts one record.
func (c *Cache) Save(ctx context.Context, rec model.RateRecord) error {
	return c.SaveMany(ctx, []model.RateRecord{rec})
}

// SaveMany upserts records in a single transaction: either all of them are
// visible afterwards or none are.
func (c *Cache) SaveMany(ctx context.Context, recs []model.RateRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return eris.Wrap(err, "cache: save")
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "cache: begin save")
	}
	stmt, err := tx.PrepareContext(ctx, upsertRate)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrap(err, "cache: prepare save")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range recs {
		var markup sql.NullString
		if r.Markup != nil {
			markup = sql.NullString{String: r.Markup.String(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.From, r.To, string(r.Provider), r.Date.String(), r.Rate.String(), markup); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrapf(err, "cache: save %s %s/%s %s", r.Date, r.From, r.To, r.Provider)
		}
	}
	return eris.Wrap(tx.Commit(), "cache: commit save")
}

// GetForPair returns every cached record for the pair ascending by date.
func (c *Cache) GetForPair(ctx context.Context, from, to string) ([]model.RateRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT provider, date, rate, markup FROM rates
		 WHERE from_curr = ? AND to_curr = ?
		 ORDER BY date, provider`,
		from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "cache: query pair")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RateRecord
	for rows.Next() {
		rec, err := scanRate(rows, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "cache: iterate pair")
}

// Exists reports whether a record is cached for the key. An empty provider
// matches any provider and stops at the first hit.
func (c *Cache) Exists(ctx context.Context, date model.Date, from, to string, p model.Provider) (bool, error) {
	var row *sql.Row
	if p != "" {
		row = c.db.QueryRowContext(ctx,
			`SELECT 1 FROM rates WHERE from_curr = ? AND to_curr = ? AND provider = ? AND date = ?`,
			from, to, string(p), date.String())
	} else {
		row = c.db.QueryRowContext(ctx,
			`SELECT 1 FROM rates WHERE from_curr = ? AND to_curr = ? AND date = ? LIMIT 1`,
			from, to, date.String())
	}
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "cache: exists")
	}
	return true, nil
}

// LatestDateForProvider returns the newest cached date for the pair and
// provider; ok is false when there is none.
func (c *Cache) LatestDateForProvider(ctx context.Context, from, to string, p model.Provider) (d model.Date, ok bool, err error) {
	var s string
	err = c.db.QueryRowContext(ctx,
		`SELECT date FROM rates
		 WHERE from_curr = ? AND to_curr = ? AND provider = ?
		 ORDER BY date DESC LIMIT 1`,
		from, to, string(p),
	).Scan(&s)
	if err == sql.ErrNoRows {
		return model.Date{}, false, nil
	}
	if err != nil {
		return model.Date{}, false, eris.Wrap(err, "cache: latest date")
	}
	d, err = model.ParseDate(s)
	if err != nil {
		return model.Date{}, false, eris.Wrap(err, "cache: latest date")
	}
	return d, true, nil
}

// Clear removes every cached record and every refresh timestamp.
func (c *Cache) Clear(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "cache: begin clear")
	}
	for _, q := range []string{`DELETE FROM rates`, `DELETE FROM refresh`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback() //nolint:errcheck
			return eris.Wrap(err, "cache: clear")
		}
	}
	return eris.Wrap(tx.Commit(), "cache: commit clear")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRate(row scannable, from, to string) (model.RateRecord, error) {
	var (
		prov, date, rate string
		markup           sql.NullString
	)
	if err := row.Scan(&prov, &date, &rate, &markup); err != nil {
		return model.RateRecord{}, eris.Wrap(err, "cache: scan rate")
	}
	d, err := model.ParseDate(date)
	if err != nil {
		return model.RateRecord{}, eris.Wrap(err, "cache: scan date")
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return model.RateRecord{}, eris.Wrap(err, "cache: scan rate value")
	}
	rec := model.RateRecord{Date: d, From: from, To: to, Provider: model.Provider(prov), Rate: r}
	if markup.Valid {
		m, err := decimal.NewFromString(markup.String)
		if err != nil {
			return model.RateRecord{}, eris.Wrap(err, "cache: scan markup")
		}
		rec.Markup = &m
	}
	return rec, nil
}
