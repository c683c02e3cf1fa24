package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// CookieJarStore keeps the per-(site, session, origin host) cookie
// maps. Each tuple is one row; the upsert merges in a single statement
// so concurrent writers serialize on the row and read-your-writes
// holds for subsequent requests.
type CookieJarStore struct {
	db DB
}

func NewCookieJarStore(db DB) *CookieJarStore {
	return &CookieJarStore{db: db}
}

// Get returns the cookie map for a tuple, or an empty map when the
// tuple has never stored anything.
func (s *CookieJarStore) Get(ctx context.Context, siteID int64, sessionID, originHost string) (map[string]string, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT cookie_data FROM cookie_jars
		WHERE site_id = $1 AND session_id = $2 AND origin_host = $3`,
		siteID, sessionID, originHost,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get cookie jar: %w", err)
	}
	cookies := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cookies); err != nil {
			slog.WarnContext(ctx, "discarding unreadable cookie jar entry",
				"site_id", siteID, "origin_host", originHost, "error", err)
			return map[string]string{}, nil
		}
	}
	return cookies, nil
}

// Store captures Set-Cookie header lines into the jar. Names with
// empty values are removed; everything else is upserted last-write-wins.
func (s *CookieJarStore) Store(ctx context.Context, siteID int64, sessionID, originHost string, setCookieLines []string) error {
	updates, deletes := ParseSetCookieLines(setCookieLines)
	if len(updates) == 0 && len(deletes) == 0 {
		return nil
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("store: encode cookies: %w", err)
	}
	if deletes == nil {
		deletes = []string{}
	}
	// jsonb || merges updates, then "- keys" drops deletions.
	_, err = s.db.Exec(ctx,
		`INSERT INTO cookie_jars (site_id, session_id, origin_host, cookie_data)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (site_id, session_id, origin_host) DO UPDATE
		SET cookie_data = (cookie_jars.cookie_data || EXCLUDED.cookie_data) - $5::text[]`,
		siteID, sessionID, originHost, payload, deletes,
	)
	if err != nil {
		slog.ErrorContext(ctx, "failed to store cookies",
			"site_id", siteID, "origin_host", originHost, "error", err)
		return fmt.Errorf("store: store cookies: %w", err)
	}
	return nil
}

// ParseSetCookieLines extracts name/value pairs from Set-Cookie header
// lines. Attributes after the first semicolon are passthrough metadata
// and are dropped. An empty value marks the cookie for deletion.
func ParseSetCookieLines(lines []string) (updates map[string]string, deletes []string) {
	updates = map[string]string{}
	for _, line := range lines {
		pair := line
		if i := strings.IndexByte(pair, ';'); i >= 0 {
			pair = pair[:i]
		}
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if value == "" {
			delete(updates, name)
			deletes = append(deletes, name)
			continue
		}
		updates[name] = value
	}
	return updates, deletes
}

// RenderCookieHeader serializes a cookie map for the Cookie request
// header. Names are sorted so the output is stable.
func RenderCookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}
