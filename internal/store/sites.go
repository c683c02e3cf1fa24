package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("store: not found")

const siteColumns = `id, mirror_root, source_root, enabled,
	proxy_subdomains, proxy_external_domains, rewrite_js_redirects,
	remove_ads, inject_ads, remove_analytics,
	media_policy, session_mode, custom_ad_html, custom_tracker_js`

// SiteStore reads and writes the sites table. The proxy core only
// reads; the admin collaborator goes through the write methods.
type SiteStore struct {
	db DB
}

func NewSiteStore(db DB) *SiteStore {
	return &SiteStore{db: db}
}

// ListEnabled returns all enabled sites, the snapshot the resolver
// matches hosts against.
func (s *SiteStore) ListEnabled(ctx context.Context) ([]Site, error) {
	return s.list(ctx, `SELECT `+siteColumns+` FROM sites WHERE enabled ORDER BY id`)
}

// ListAll returns every site, for the admin surface.
func (s *SiteStore) ListAll(ctx context.Context) ([]Site, error) {
	return s.list(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id`)
}

func (s *SiteStore) list(ctx context.Context, query string) ([]Site, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		slog.ErrorContext(ctx, "failed to query sites", "error", err)
		return nil, fmt.Errorf("store: list sites: %w", err)
	}
	defer rows.Close()

	sites := []Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sites: %w", err)
	}
	return sites, nil
}

// GetByID fetches one site.
func (s *SiteStore) GetByID(ctx context.Context, id int64) (*Site, error) {
	row := s.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id)
	site, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get site %d: %w", id, err)
	}
	return &site, nil
}

// Create inserts a site and fills in its assigned id. mirror_root is
// stored lowercased so host matching stays case-insensitive.
func (s *SiteStore) Create(ctx context.Context, site *Site) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO sites (mirror_root, source_root, enabled,
			proxy_subdomains, proxy_external_domains, rewrite_js_redirects,
			remove_ads, inject_ads, remove_analytics,
			media_policy, session_mode, custom_ad_html, custom_tracker_js)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		strings.ToLower(site.MirrorRoot), strings.ToLower(site.SourceRoot), site.Enabled,
		site.ProxySubdomains, site.ProxyExternalDomains, site.RewriteJSRedirects,
		site.RemoveAds, site.InjectAds, site.RemoveAnalytics,
		site.MediaPolicy, site.SessionMode, site.CustomAdHTML, site.CustomTrackerJS,
	).Scan(&site.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create site",
			"mirror_root", site.MirrorRoot, "error", err)
		return fmt.Errorf("store: create site: %w", err)
	}
	return nil
}

// Update rewrites all mutable columns of a site.
func (s *SiteStore) Update(ctx context.Context, site *Site) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sites SET mirror_root = $2, source_root = $3, enabled = $4,
			proxy_subdomains = $5, proxy_external_domains = $6, rewrite_js_redirects = $7,
			remove_ads = $8, inject_ads = $9, remove_analytics = $10,
			media_policy = $11, session_mode = $12, custom_ad_html = $13, custom_tracker_js = $14
		WHERE id = $1`,
		site.ID,
		strings.ToLower(site.MirrorRoot), strings.ToLower(site.SourceRoot), site.Enabled,
		site.ProxySubdomains, site.ProxyExternalDomains, site.RewriteJSRedirects,
		site.RemoveAds, site.InjectAds, site.RemoveAnalytics,
		site.MediaPolicy, site.SessionMode, site.CustomAdHTML, site.CustomTrackerJS,
	)
	if err != nil {
		return fmt.Errorf("store: update site %d: %w", site.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a site; cookie jar rows cascade.
func (s *SiteStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete site %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSite(row pgx.Row) (Site, error) {
	var site Site
	err := row.Scan(
		&site.ID, &site.MirrorRoot, &site.SourceRoot, &site.Enabled,
		&site.ProxySubdomains, &site.ProxyExternalDomains, &site.RewriteJSRedirects,
		&site.RemoveAds, &site.InjectAds, &site.RemoveAnalytics,
		&site.MediaPolicy, &site.SessionMode, &site.CustomAdHTML, &site.CustomTrackerJS,
	)
	return site, err
}
