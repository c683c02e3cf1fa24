// Package proxy is the request-path engine: it resolves the mirror
// site for each request, enforces the rate and SSRF guards, forwards
// to the origin with jar cookies attached, and rewrites the response
// so everything stays on the mirror.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/net/html"

	"proxibase/internal/config"
	"proxibase/internal/filter"
	"proxibase/internal/guard"
	"proxibase/internal/ratelimit"
	"proxibase/internal/rewrite"
	"proxibase/internal/session"
	"proxibase/internal/store"
	"proxibase/internal/urlx"
)

// Engine handles every non-admin request.
type Engine struct {
	cfg     *config.Config
	sites   *store.SiteStore
	configs *store.ConfigStore
	jars    *store.CookieJarStore
	limiter *ratelimit.Limiter
	codec   *session.Codec
	client  *http.Client
}

// NewEngine wires the engine onto its database handle and limiter.
// The HTTP client never follows redirects; 3xx responses are
// intercepted and rewritten by the engine itself.
func NewEngine(cfg *config.Config, db store.DB, limiter *ratelimit.Limiter) *Engine {
	return &Engine{
		cfg:     cfg,
		sites:   store.NewSiteStore(db),
		configs: store.NewConfigStore(db),
		jars:    store.NewCookieJarStore(db),
		limiter: limiter,
		codec:   session.NewCodec(cfg.SecretKey),
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// request carries the per-request state threaded through the handler
// stages. Nothing here is shared across requests.
type request struct {
	id         string
	start      time.Time
	clientIP   string
	mirrorHost string
	userAgent  string

	site      *store.Site
	effective store.EffectiveConfig
	opts      urlx.Options

	originURL  string
	originHost string

	sessionID string
	signed    string
	minted    bool
}

// Handle runs the per-request state machine.
func (e *Engine) Handle(c echo.Context) error {
	st := &request{
		id:         uuid.NewString(),
		start:      time.Now(),
		clientIP:   c.RealIP(),
		mirrorHost: urlx.NormalizeHost(c.Request().Host),
		userAgent:  c.Request().UserAgent(),
	}
	ctx := c.Request().Context()

	if e.cfg.EnableRateLimiting {
		d := e.limiter.Allow(st.clientIP)
		h := c.Response().Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := strconv.Itoa(int(d.RetryAfter / time.Second))
			h.Set("Retry-After", retry)
			h.Set("X-RateLimit-Reset", retry)
			e.logRequest(ctx, st, http.StatusTooManyRequests, "rate limit exceeded")
			return c.String(http.StatusTooManyRequests,
				"Rate limit exceeded. Try again in "+retry+" seconds.")
		}
	}

	if st.mirrorHost == urlx.NormalizeHost(e.cfg.AdminHost) {
		return c.NoContent(http.StatusNotFound)
	}

	sites, err := e.sites.ListEnabled(ctx)
	if err != nil {
		e.logRequest(ctx, st, http.StatusInternalServerError, "site lookup failed", "error", err)
		return c.String(http.StatusInternalServerError, "site lookup failed")
	}
	st.site = store.MatchSite(st.mirrorHost, sites)
	if st.site == nil {
		e.logRequest(ctx, st, http.StatusNotFound, "no site configured for host")
		return c.String(http.StatusNotFound, "No site configured for host: "+st.mirrorHost)
	}

	global, err := e.configs.GetGlobal(ctx)
	if err != nil {
		e.logRequest(ctx, st, http.StatusInternalServerError, "global config lookup failed", "error", err)
		return c.String(http.StatusInternalServerError, "configuration lookup failed")
	}
	st.effective = store.Effective(st.site, global)
	st.opts = urlx.Options{
		MirrorHost:           st.mirrorHost,
		MirrorRoot:           st.site.MirrorRoot,
		SourceRoot:           st.site.SourceRoot,
		ProxySubdomains:      st.effective.ProxySubdomains,
		ProxyExternalDomains: st.effective.ProxyExternalDomains,
		MediaBypass:          st.effective.MediaPolicy == store.MediaBypass,
	}

	originURL, ok := urlx.BuildOriginURL(st.mirrorHost, c.Request().URL.RequestURI(),
		st.site.MirrorRoot, st.site.SourceRoot)
	if !ok {
		e.logRequest(ctx, st, http.StatusNotFound, "host does not map onto site")
		return c.NoContent(http.StatusNotFound)
	}
	st.originURL = originURL
	parsed, err := url.Parse(originURL)
	if err != nil {
		e.logRequest(ctx, st, http.StatusBadGateway, "origin url unparseable", "error", err)
		return c.String(http.StatusBadGateway, "invalid origin URL")
	}
	st.originHost = parsed.Host

	if safe, reason := guard.IsSafeOriginURL(originURL); !safe {
		e.logRequest(ctx, st, http.StatusBadGateway, "origin blocked", "reason", reason)
		return c.String(http.StatusBadGateway, "Blocked: "+reason)
	}

	if err := e.deriveSession(c, st); err != nil {
		e.logRequest(ctx, st, http.StatusInternalServerError, "session mint failed", "error", err)
		return c.String(http.StatusInternalServerError, "session error")
	}

	return e.forward(c, st)
}

// deriveSession validates or mints the signed session in cookie_jar
// mode. Stateless sites carry no session at all.
func (e *Engine) deriveSession(c echo.Context, st *request) error {
	if st.effective.SessionMode != store.SessionCookieJar {
		return nil
	}
	if ck, err := c.Cookie(session.CookieName); err == nil {
		if sid := e.codec.Verify(ck.Value); sid != "" {
			st.sessionID = sid
			st.signed = ck.Value
			return nil
		}
	}
	sid, err := e.codec.Generate()
	if err != nil {
		return err
	}
	st.sessionID = sid
	st.signed = e.codec.Sign(sid)
	st.minted = true
	return nil
}

// forward performs the origin fetch and response classification.
func (e *Engine) forward(c echo.Context, st *request) error {
	ctx := c.Request().Context()

	fctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	oreq, err := e.buildOriginRequest(fctx, c, st)
	if err != nil {
		e.logRequest(ctx, st, http.StatusBadGateway, "origin request build failed", "error", err)
		return c.String(http.StatusBadGateway, "error building origin request")
	}

	resp, err := e.client.Do(oreq)
	if err != nil {
		msg := "error fetching origin"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "origin fetch timed out"
		}
		e.logRequest(ctx, st, http.StatusBadGateway, msg, "error", err)
		return c.String(http.StatusBadGateway, msg)
	}
	defer resp.Body.Close()

	if st.sessionID != "" {
		if lines := resp.Header.Values("Set-Cookie"); len(lines) > 0 {
			if err := e.jars.Store(ctx, st.site.ID, st.sessionID, st.originHost, lines); err != nil {
				slog.WarnContext(ctx, "cookie jar write failed",
					"request_id", st.id, "origin_host", st.originHost, "error", err)
			}
		}
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			return e.respondRedirect(c, st, resp, loc)
		}
	}
	return e.respondContent(c, st, resp)
}

// buildOriginRequest copies the sanitized client headers onto a fresh
// request for the origin, attaching stored jar cookies and a referer
// translated back into origin space.
func (e *Engine) buildOriginRequest(ctx context.Context, c echo.Context, st *request) (*http.Request, error) {
	in := c.Request()

	var body io.Reader
	switch in.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = in.Body
	}

	oreq, err := http.NewRequestWithContext(ctx, in.Method, st.originURL, body)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"User-Agent", "Accept", "Accept-Language", "Content-Type"} {
		if v := in.Header.Get(name); v != "" {
			oreq.Header.Set(name, v)
		}
	}
	oreq.Host = st.originHost

	// The referer arrives in mirror space. Send the origin equivalent,
	// or nothing when it does not map onto this site.
	if ref := in.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			if origin, ok := urlx.BuildOriginURL(urlx.NormalizeHost(u.Host), u.RequestURI(),
				st.site.MirrorRoot, st.site.SourceRoot); ok {
				oreq.Header.Set("Referer", origin)
			}
		}
	}

	if st.sessionID != "" {
		cookies, err := e.jars.Get(ctx, st.site.ID, st.sessionID, st.originHost)
		if err != nil {
			return nil, err
		}
		if header := store.RenderCookieHeader(cookies); header != "" {
			oreq.Header.Set("Cookie", header)
		}
	}
	return oreq, nil
}

// respondRedirect maps the origin Location back into mirror space and
// returns the same 3xx status with no body.
func (e *Engine) respondRedirect(c echo.Context, st *request, resp *http.Response, loc string) error {
	ctx := c.Request().Context()

	abs := loc
	if base, err := url.Parse(st.originURL); err == nil {
		if ref, err := url.Parse(loc); err == nil {
			abs = base.ResolveReference(ref).String()
		}
	}
	mirrorLoc := urlx.MapOriginURLToMirror(abs, st.opts)

	h := c.Response().Header()
	h.Set("Location", mirrorLoc)
	for _, name := range []string{"Cache-Control", "Expires"} {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	e.setSessionCookie(c, st)
	e.logRequest(ctx, st, resp.StatusCode, "proxy redirect", "location", mirrorLoc)
	return c.NoContent(resp.StatusCode)
}

// respondContent streams media through untouched and buffers
// everything else, running HTML through the filter and rewrite
// pipeline.
func (e *Engine) respondContent(c echo.Context, st *request, resp *http.Response) error {
	ctx := c.Request().Context()
	contentType := resp.Header.Get("Content-Type")

	copyResponseHeaders(c.Response().Header(), resp.Header)
	e.setSessionCookie(c, st)

	if isMediaContentType(contentType) && st.effective.MediaPolicy != store.MediaSizeLimited {
		e.logRequest(ctx, st, resp.StatusCode, "proxy media")
		return c.Stream(resp.StatusCode, contentType, resp.Body)
	}

	limit := e.cfg.MaxResponseBytes()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		e.logRequest(ctx, st, http.StatusBadGateway, "origin body read failed", "error", err)
		return c.String(http.StatusBadGateway, "error reading origin response")
	}
	if int64(len(body)) > limit {
		e.logRequest(ctx, st, http.StatusRequestEntityTooLarge, "response over size cap")
		return c.String(http.StatusRequestEntityTooLarge,
			"Response too large: exceeds "+strconv.Itoa(e.cfg.MaxResponseSizeMB)+"MB limit")
	}

	if isHTMLContentType(contentType) {
		body = e.transformHTML(body, st)
	}

	e.logRequest(ctx, st, resp.StatusCode, "proxy content")
	return c.Blob(resp.StatusCode, contentType, body)
}

// transformHTML runs the single-parse pipeline: strip ad elements,
// rewrite every reference into mirror space, render, then inject the
// operator content. Unparseable input passes through with only the
// injection step applied.
func (e *Engine) transformHTML(body []byte, st *request) []byte {
	fcfg := filter.Config{
		RemoveAds:       st.effective.RemoveAds,
		RemoveAnalytics: st.effective.RemoveAnalytics,
		InjectAds:       st.effective.InjectAds,
		CustomAdHTML:    st.effective.CustomAdHTML,
		CustomTrackerJS: st.effective.CustomTrackerJS,
	}
	rctx := rewrite.Context{
		PageURL:            st.originURL,
		Opts:               st.opts,
		RewriteJSRedirects: st.effective.RewriteJSRedirects,
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return filter.Inject(body, fcfg)
	}
	filter.Strip(doc, fcfg)
	rewrite.Document(doc, rctx)
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return filter.Inject(body, fcfg)
	}
	return filter.Inject(buf.Bytes(), fcfg)
}

func (e *Engine) setSessionCookie(c echo.Context, st *request) {
	if st.minted {
		c.SetCookie(session.Cookie(st.signed))
	}
}

// logRequest emits the one structured record per completed request.
// 2xx/3xx log INFO, 4xx and guard denials WARN, 5xx and origin
// failures ERROR.
func (e *Engine) logRequest(ctx context.Context, st *request, status int, msg string, extra ...any) {
	level := slog.LevelInfo
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	}
	// An SSRF denial surfaces as 502 but is an operator signal, not a
	// proxy failure.
	if msg == "origin blocked" {
		level = slog.LevelWarn
	}
	args := append([]any{
		"request_id", st.id,
		"client_ip", st.clientIP,
		"mirror_host", st.mirrorHost,
		"origin_url", st.originURL,
		"status_code", status,
		"latency_ms", time.Since(st.start).Milliseconds(),
		"user_agent", st.userAgent,
	}, extra...)
	slog.Log(ctx, level, msg, args...)
}
