package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const globalColumns = `proxy_subdomains, proxy_external_domains, rewrite_js_redirects,
	remove_ads, inject_ads, remove_analytics,
	media_policy, session_mode, custom_ad_html, custom_tracker_js`

// ConfigStore reads and writes the global_config singleton row.
type ConfigStore struct {
	db DB
}

func NewConfigStore(db DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// GetGlobal returns the singleton row, creating it with the hardcoded
// defaults the first time it is read.
func (s *ConfigStore) GetGlobal(ctx context.Context) (GlobalConfig, error) {
	cfg, err := s.scanGlobal(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return GlobalConfig{}, fmt.Errorf("store: get global config: %w", err)
	}

	def := DefaultGlobalConfig()
	if _, err := s.db.Exec(ctx,
		`INSERT INTO global_config (id, `+globalColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		def.ProxySubdomains, def.ProxyExternalDomains, def.RewriteJSRedirects,
		def.RemoveAds, def.InjectAds, def.RemoveAnalytics,
		def.MediaPolicy, def.SessionMode, def.CustomAdHTML, def.CustomTrackerJS,
	); err != nil {
		return GlobalConfig{}, fmt.Errorf("store: seed global config: %w", err)
	}
	return s.scanGlobal(ctx)
}

// UpdateGlobal overwrites the singleton row. Admin surface only.
func (s *ConfigStore) UpdateGlobal(ctx context.Context, cfg GlobalConfig) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO global_config (id, `+globalColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			proxy_subdomains = EXCLUDED.proxy_subdomains,
			proxy_external_domains = EXCLUDED.proxy_external_domains,
			rewrite_js_redirects = EXCLUDED.rewrite_js_redirects,
			remove_ads = EXCLUDED.remove_ads,
			inject_ads = EXCLUDED.inject_ads,
			remove_analytics = EXCLUDED.remove_analytics,
			media_policy = EXCLUDED.media_policy,
			session_mode = EXCLUDED.session_mode,
			custom_ad_html = EXCLUDED.custom_ad_html,
			custom_tracker_js = EXCLUDED.custom_tracker_js`,
		cfg.ProxySubdomains, cfg.ProxyExternalDomains, cfg.RewriteJSRedirects,
		cfg.RemoveAds, cfg.InjectAds, cfg.RemoveAnalytics,
		cfg.MediaPolicy, cfg.SessionMode, cfg.CustomAdHTML, cfg.CustomTrackerJS,
	)
	if err != nil {
		return fmt.Errorf("store: update global config: %w", err)
	}
	return nil
}

func (s *ConfigStore) scanGlobal(ctx context.Context) (GlobalConfig, error) {
	var cfg GlobalConfig
	err := s.db.QueryRow(ctx,
		`SELECT `+globalColumns+` FROM global_config WHERE id = 1`,
	).Scan(
		&cfg.ProxySubdomains, &cfg.ProxyExternalDomains, &cfg.RewriteJSRedirects,
		&cfg.RemoveAds, &cfg.InjectAds, &cfg.RemoveAnalytics,
		&cfg.MediaPolicy, &cfg.SessionMode, &cfg.CustomAdHTML, &cfg.CustomTrackerJS,
	)
	return cfg, err
}
