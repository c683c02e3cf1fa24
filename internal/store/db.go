package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the stores use. pgxmock satisfies
// it, which keeps the store tests off a live database.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pgx pool against DATABASE_URL and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id BIGSERIAL PRIMARY KEY,
		mirror_root TEXT NOT NULL UNIQUE,
		source_root TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		proxy_subdomains BOOLEAN,
		proxy_external_domains BOOLEAN,
		rewrite_js_redirects BOOLEAN,
		remove_ads BOOLEAN,
		inject_ads BOOLEAN,
		remove_analytics BOOLEAN,
		media_policy TEXT,
		session_mode TEXT,
		custom_ad_html TEXT,
		custom_tracker_js TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS global_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		proxy_subdomains BOOLEAN NOT NULL DEFAULT TRUE,
		proxy_external_domains BOOLEAN NOT NULL DEFAULT TRUE,
		rewrite_js_redirects BOOLEAN NOT NULL DEFAULT TRUE,
		remove_ads BOOLEAN NOT NULL DEFAULT FALSE,
		inject_ads BOOLEAN NOT NULL DEFAULT FALSE,
		remove_analytics BOOLEAN NOT NULL DEFAULT FALSE,
		media_policy TEXT NOT NULL DEFAULT 'proxy',
		session_mode TEXT NOT NULL DEFAULT 'stateless',
		custom_ad_html TEXT NOT NULL DEFAULT '',
		custom_tracker_js TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS cookie_jars (
		id BIGSERIAL PRIMARY KEY,
		site_id BIGINT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		origin_host TEXT NOT NULL,
		cookie_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		UNIQUE (site_id, session_id, origin_host)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cookie_jar_lookup
		ON cookie_jars (site_id, session_id, origin_host)`,
	`CREATE TABLE IF NOT EXISTS admin_users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL
	)`,
}

// Migrate creates the schema. Statements are idempotent so restarts
// are safe.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	slog.InfoContext(ctx, "schema migrated", "statements", len(migrations))
	return nil
}
