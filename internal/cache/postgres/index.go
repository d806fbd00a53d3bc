// Package postgres keeps the cache index in a Postgres table: one row per
// canonical URL pointing at the newest stored body.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

const defaultTable = "cache_entries"

// identPart matches one segment of an optionally schema-qualified table name.
var identPart = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config describes the pool backing the index. Zero limits keep pgxpool's
// defaults.
type Config struct {
	DSN string
	// Table may be schema qualified, e.g. "crawl.cache_entries".
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// statements are rendered once per table.
type statements struct {
	create string
	lookup string
	upsert string
}

// Index implements cache.Index on Postgres.
type Index struct {
	db    querier
	table pgx.Identifier
	sql   statements
}

// New opens a pool for cfg and checks that the server answers.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("cache.postgres.dsn is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("cache index dsn: %w", err)
	}
	applyLimits(pc, cfg)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("cache index pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache index ping: %w", err)
	}
	idx, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func applyLimits(pc *pgxpool.Config, cfg Config) {
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && (cfg.MaxConns == 0 || cfg.MinConns <= cfg.MaxConns) {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
}

// NewWithPool wraps an open pool. An empty table means "cache_entries".
func NewWithPool(db querier, table string) (*Index, error) {
	if db == nil {
		return nil, errors.New("cache index: nil pool")
	}
	ident, err := parseTable(table)
	if err != nil {
		return nil, err
	}
	return &Index{db: db, table: ident, sql: render(ident.Sanitize())}, nil
}

func parseTable(table string) (pgx.Identifier, error) {
	if table == "" {
		table = defaultTable
	}
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("cache index: table %q has too many qualifiers", table)
	}
	for _, p := range parts {
		if !identPart.MatchString(p) {
			return nil, fmt.Errorf("cache index: invalid table name %q", table)
		}
	}
	return pgx.Identifier(parts), nil
}

func render(t string) statements {
	return statements{
		create: `CREATE TABLE IF NOT EXISTS ` + t + ` (
	url TEXT PRIMARY KEY,
	fetched_at TIMESTAMPTZ NOT NULL,
	body_ref TEXT NOT NULL,
	body_hash TEXT NOT NULL,
	size_bytes BIGINT NOT NULL CHECK (size_bytes >= 0)
)`,
		lookup: `SELECT url, fetched_at, body_ref, body_hash, size_bytes FROM ` + t + ` WHERE url = $1`,
		// Older writes never replace newer rows, so racing write-throughs settle
		// on the freshest body.
		upsert: `INSERT INTO ` + t + ` AS cur (url, fetched_at, body_ref, body_hash, size_bytes)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url) DO UPDATE
SET fetched_at = EXCLUDED.fetched_at, body_ref = EXCLUDED.body_ref,
	body_hash = EXCLUDED.body_hash, size_bytes = EXCLUDED.size_bytes
WHERE cur.fetched_at <= EXCLUDED.fetched_at`,
	}
}

// Table reports the sanitized table name.
func (i *Index) Table() string { return i.table.Sanitize() }

// EnsureSchema creates the table when missing.
func (i *Index) EnsureSchema(ctx context.Context) error {
	if _, err := i.db.Exec(ctx, i.sql.create); err != nil {
		return fmt.Errorf("create %s: %w", i.Table(), err)
	}
	return nil
}

// Lookup returns the row for url, or nil when there is none.
func (i *Index) Lookup(ctx context.Context, url string) (*crawler.CacheEntry, error) {
	e := new(crawler.CacheEntry)
	row := i.db.QueryRow(ctx, i.sql.lookup, url)
	switch err := row.Scan(&e.URL, &e.FetchedAt, &e.BodyRef, &e.Hash, &e.Size); {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("select cache entry: %w", err)
	}
	e.FetchedAt = e.FetchedAt.UTC()
	return e, nil
}

// Upsert records entry unless the stored row is newer.
func (i *Index) Upsert(ctx context.Context, entry crawler.CacheEntry) error {
	_, err := i.db.Exec(ctx, i.sql.upsert,
		entry.URL, entry.FetchedAt, entry.BodyRef, entry.Hash, entry.Size)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Close releases the pool. Safe on a nil Index.
func (i *Index) Close() {
	if i != nil && i.db != nil {
		i.db.Close()
	}
}
