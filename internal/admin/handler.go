// Package admin is the JSON control surface for sites and the global
// configuration. It lives on its own host and authenticates against
// the env-configured superadmin with a signed session cookie.
package admin

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"proxibase/internal/config"
	"proxibase/internal/store"
	"proxibase/internal/urlx"
)

// Handler serves the admin endpoints.
type Handler struct {
	cfg     *config.Config
	sites   *store.SiteStore
	configs *store.ConfigStore
}

func NewHandler(cfg *config.Config, db store.DB) *Handler {
	return &Handler{
		cfg:     cfg,
		sites:   store.NewSiteStore(db),
		configs: store.NewConfigStore(db),
	}
}

// Register mounts the admin routes. /login and /logout are open, the
// /admin tree requires a valid session. All of them answer only on
// the admin host.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/login", h.login, h.adminHostOnly)
	e.POST("/logout", h.logout, h.adminHostOnly)

	g := e.Group("/admin", h.adminHostOnly, h.requireSession)
	g.GET("/sites", h.listSites)
	g.POST("/sites", h.createSite)
	g.GET("/sites/:id", h.getSite)
	g.PUT("/sites/:id", h.updateSite)
	g.DELETE("/sites/:id", h.deleteSite)
	g.GET("/config", h.getGlobalConfig)
	g.PUT("/config", h.updateGlobalConfig)
	g.GET("/stats", h.stats)
}

// adminHostOnly keeps the reserved paths off the mirror hosts.
func (h *Handler) adminHostOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if urlx.NormalizeHost(c.Request().Host) != urlx.NormalizeHost(h.cfg.AdminHost) {
			return echo.NewHTTPError(http.StatusForbidden, "admin interface not available on this host")
		}
		return next(c)
	}
}

func (h *Handler) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ck, err := c.Cookie(SessionCookieName)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		if verifyToken(h.cfg.SecretKey, ck.Value) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session")
		}
		return next(c)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.AdminPassword)) == 1
	if h.cfg.AdminPassword == "" || !userOK || !passOK {
		slog.WarnContext(c.Request().Context(), "admin login rejected",
			"username", req.Username, "client_ip", c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	token, err := issueToken(h.cfg.SecretKey, req.Username, time.Now())
	if err != nil {
		slog.ErrorContext(c.Request().Context(), "failed to issue admin token", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}
	c.SetCookie(sessionCookie(token, int(sessionTTL/time.Second)))
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "username": req.Username})
}

func (h *Handler) logout(c echo.Context) error {
	c.SetCookie(sessionCookie("", -1))
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// siteBody is the wire shape for site records. Override fields are
// pointers so that absent keys mean "inherit".
type siteBody struct {
	ID         int64  `json:"id,omitempty"`
	MirrorRoot string `json:"mirror_root"`
	SourceRoot string `json:"source_root"`
	Enabled    bool   `json:"enabled"`

	ProxySubdomains      *bool   `json:"proxy_subdomains,omitempty"`
	ProxyExternalDomains *bool   `json:"proxy_external_domains,omitempty"`
	RewriteJSRedirects   *bool   `json:"rewrite_js_redirects,omitempty"`
	RemoveAds            *bool   `json:"remove_ads,omitempty"`
	InjectAds            *bool   `json:"inject_ads,omitempty"`
	RemoveAnalytics      *bool   `json:"remove_analytics,omitempty"`
	MediaPolicy          *string `json:"media_policy,omitempty"`
	SessionMode          *string `json:"session_mode,omitempty"`
	CustomAdHTML         *string `json:"custom_ad_html,omitempty"`
	CustomTrackerJS      *string `json:"custom_tracker_js,omitempty"`
}

func (b *siteBody) validate() error {
	if b.MirrorRoot == "" || b.SourceRoot == "" {
		return errors.New("mirror_root and source_root are required")
	}
	if b.MediaPolicy != nil {
		switch *b.MediaPolicy {
		case store.MediaBypass, store.MediaProxy, store.MediaSizeLimited:
		default:
			return errors.New("invalid media_policy")
		}
	}
	if b.SessionMode != nil {
		switch *b.SessionMode {
		case store.SessionStateless, store.SessionCookieJar:
		default:
			return errors.New("invalid session_mode")
		}
	}
	return nil
}

func (b *siteBody) toSite() store.Site {
	return store.Site{
		ID:                   b.ID,
		MirrorRoot:           b.MirrorRoot,
		SourceRoot:           b.SourceRoot,
		Enabled:              b.Enabled,
		ProxySubdomains:      b.ProxySubdomains,
		ProxyExternalDomains: b.ProxyExternalDomains,
		RewriteJSRedirects:   b.RewriteJSRedirects,
		RemoveAds:            b.RemoveAds,
		InjectAds:            b.InjectAds,
		RemoveAnalytics:      b.RemoveAnalytics,
		MediaPolicy:          b.MediaPolicy,
		SessionMode:          b.SessionMode,
		CustomAdHTML:         b.CustomAdHTML,
		CustomTrackerJS:      b.CustomTrackerJS,
	}
}

func siteToBody(s store.Site) siteBody {
	return siteBody{
		ID:                   s.ID,
		MirrorRoot:           s.MirrorRoot,
		SourceRoot:           s.SourceRoot,
		Enabled:              s.Enabled,
		ProxySubdomains:      s.ProxySubdomains,
		ProxyExternalDomains: s.ProxyExternalDomains,
		RewriteJSRedirects:   s.RewriteJSRedirects,
		RemoveAds:            s.RemoveAds,
		InjectAds:            s.InjectAds,
		RemoveAnalytics:      s.RemoveAnalytics,
		MediaPolicy:          s.MediaPolicy,
		SessionMode:          s.SessionMode,
		CustomAdHTML:         s.CustomAdHTML,
		CustomTrackerJS:      s.CustomTrackerJS,
	}
}

func (h *Handler) listSites(c echo.Context) error {
	sites, err := h.sites.ListAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sites")
	}
	out := make([]siteBody, 0, len(sites))
	for _, s := range sites {
		out = append(out, siteToBody(s))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) getSite(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid site id")
	}
	site, err := h.sites.GetByID(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load site")
	}
	return c.JSON(http.StatusOK, siteToBody(*site))
}

func (h *Handler) createSite(c echo.Context) error {
	var body siteBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := body.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	site := body.toSite()
	if err := h.sites.Create(c.Request().Context(), &site); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create site")
	}
	slog.InfoContext(c.Request().Context(), "site created",
		"site_id", site.ID, "mirror_root", site.MirrorRoot, "source_root", site.SourceRoot)
	return c.JSON(http.StatusCreated, siteToBody(site))
}

func (h *Handler) updateSite(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid site id")
	}
	var body siteBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := body.validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	site := body.toSite()
	site.ID = id
	err = h.sites.Update(c.Request().Context(), &site)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update site")
	}
	return c.JSON(http.StatusOK, siteToBody(site))
}

func (h *Handler) deleteSite(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid site id")
	}
	err = h.sites.Delete(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete site")
	}
	slog.InfoContext(c.Request().Context(), "site deleted", "site_id", id)
	return c.NoContent(http.StatusNoContent)
}

// globalBody is the wire shape of the global_config singleton.
type globalBody struct {
	ProxySubdomains      bool   `json:"proxy_subdomains"`
	ProxyExternalDomains bool   `json:"proxy_external_domains"`
	RewriteJSRedirects   bool   `json:"rewrite_js_redirects"`
	RemoveAds            bool   `json:"remove_ads"`
	InjectAds            bool   `json:"inject_ads"`
	RemoveAnalytics      bool   `json:"remove_analytics"`
	MediaPolicy          string `json:"media_policy"`
	SessionMode          string `json:"session_mode"`
	CustomAdHTML         string `json:"custom_ad_html"`
	CustomTrackerJS      string `json:"custom_tracker_js"`
}

func (h *Handler) getGlobalConfig(c echo.Context) error {
	cfg, err := h.configs.GetGlobal(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load config")
	}
	return c.JSON(http.StatusOK, globalBody(cfg))
}

func (h *Handler) updateGlobalConfig(c echo.Context) error {
	var body globalBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch body.MediaPolicy {
	case store.MediaBypass, store.MediaProxy, store.MediaSizeLimited:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid media_policy")
	}
	switch body.SessionMode {
	case store.SessionStateless, store.SessionCookieJar:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session_mode")
	}
	if err := h.configs.UpdateGlobal(c.Request().Context(), store.GlobalConfig(body)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update config")
	}
	slog.InfoContext(c.Request().Context(), "global config updated",
		"media_policy", body.MediaPolicy, "session_mode", body.SessionMode)
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) stats(c echo.Context) error {
	sites, err := h.sites.ListAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load stats")
	}
	enabled := 0
	for _, s := range sites {
		if s.Enabled {
			enabled++
		}
	}
	return c.JSON(http.StatusOK, map[string]int{
		"total_sites":   len(sites),
		"enabled_sites": enabled,
	})
}
