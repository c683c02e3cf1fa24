package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxibase/internal/config"
	"proxibase/internal/ratelimit"
	"proxibase/internal/session"
)

// rewriteTransport sends every origin request to the test server while
// keeping the logical scheme, host and path intact for the handler.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(clone)
}

// originCall records what the origin actually received.
type originCall struct {
	host    string
	uri     string
	cookie  string
	referer string
}

type fixture struct {
	engine *Engine
	mock   pgxmock.PgxPoolIface

	mu    sync.Mutex
	calls []originCall
}

func (f *fixture) originCalls() []originCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]originCall(nil), f.calls...)
}

func newFixture(t *testing.T, origin http.HandlerFunc) *fixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	f := &fixture{mock: mock}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, originCall{
			host:    r.Host,
			uri:     r.URL.RequestURI(),
			cookie:  r.Header.Get("Cookie"),
			referer: r.Header.Get("Referer"),
		})
		f.mu.Unlock()
		if origin != nil {
			origin(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		AdminHost:          "admin.localhost",
		SecretKey:          "test-secret",
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
		EnableRateLimiting: true,
		MaxResponseSizeMB:  1,
		RequestTimeout:     5 * time.Second,
	}
	f.engine = NewEngine(cfg, mock, ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow))

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	f.engine.client.Transport = rewriteTransport{target: target}
	return f
}

func siteRow(sourceRoot string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "mirror_root", "source_root", "enabled",
		"proxy_subdomains", "proxy_external_domains", "rewrite_js_redirects",
		"remove_ads", "inject_ads", "remove_analytics",
		"media_policy", "session_mode", "custom_ad_html", "custom_tracker_js",
	}).AddRow(int64(1), "m.test", sourceRoot, true,
		nil, nil, nil, nil, nil, nil, nil, nil, nil, nil)
}

func globalRow(sessionMode string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"proxy_subdomains", "proxy_external_domains", "rewrite_js_redirects",
		"remove_ads", "inject_ads", "remove_analytics",
		"media_policy", "session_mode", "custom_ad_html", "custom_tracker_js",
	}).AddRow(true, true, true, false, false, false, "proxy", sessionMode, "", "")
}

// expectResolve queues the site and global config reads every proxied
// request performs.
func (f *fixture) expectResolve(sourceRoot, sessionMode string) {
	f.mock.ExpectQuery("SELECT (.+) FROM sites WHERE enabled").
		WillReturnRows(siteRow(sourceRoot))
	f.mock.ExpectQuery("SELECT (.+) FROM global_config").
		WillReturnRows(globalRow(sessionMode))
}

func (f *fixture) do(t *testing.T, host, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	require.NoError(t, f.engine.Handle(c))
	return rec
}

func TestRewritesInternalLinks(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><a href="https://example.com/x">link</a></body></html>`))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<a href="https://m.test/x">`)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSubdomainHostHitsSubdomainOrigin(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "sub.m.test", "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	calls := f.originCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sub.example.com", calls[0].host)
	assert.Equal(t, "/", calls[0].uri)
}

func TestRewritesExternalLinks(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="https://other.org/y">out</a>`))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	assert.Contains(t, rec.Body.String(), `<a href="https://m.test/other.org/y">`)
}

func TestEncodedExternalPathHitsExternalOrigin(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/other.org/y", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	calls := f.originCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "other.org", calls[0].host)
	assert.Equal(t, "/y", calls[0].uri)
}

func TestRedirectIntercepted(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.com/login")
		w.WriteHeader(http.StatusFound)
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://m.test/login", rec.Header().Get("Location"))
	assert.Zero(t, rec.Body.Len())
}

func TestRedirectRelativeLocation(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/login")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/account", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://m.test/login", rec.Header().Get("Location"))
}

func TestRateLimitSequence(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	f.engine.cfg.RateLimitRequests = 3
	f.engine.limiter = ratelimit.New(3, time.Minute)

	want := []int{http.StatusOK, http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	var got []int
	for _, status := range want {
		if status == http.StatusOK {
			f.expectResolve("example.com", "stateless")
		}
		rec := f.do(t, "m.test", "/", nil)
		got = append(got, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		}
	}
	assert.Equal(t, want, got)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSSRFBlockedBeforeFetch(t *testing.T) {
	f := newFixture(t, nil)
	f.expectResolve("127.0.0.1", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Blocked")
	assert.Empty(t, f.originCalls(), "origin must not be contacted")
}

func TestNoSiteReturns404(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.ExpectQuery("SELECT (.+) FROM sites WHERE enabled").
		WillReturnRows(siteRow("example.com"))

	rec := f.do(t, "unknown.example", "/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.originCalls())
}

func TestCookieJarRoundTrip(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "" {
			w.Header().Add("Set-Cookie", "a=1; Path=/; HttpOnly")
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>hi</body></html>"))
	})

	// First request: no jar row yet, origin sets a=1, jar upserts it.
	f.expectResolve("example.com", "cookie_jar")
	f.mock.ExpectQuery("SELECT cookie_data FROM cookie_jars").
		WithArgs(int64(1), pgxmock.AnyArg(), "example.com").
		WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectExec("INSERT INTO cookie_jars").
		WithArgs(int64(1), pgxmock.AnyArg(), "example.com",
			[]byte(`{"a":"1"}`), []string{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := f.do(t, "m.test", "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var signed string
	for _, ck := range rec.Result().Cookies() {
		switch ck.Name {
		case session.CookieName:
			signed = ck.Value
			assert.True(t, ck.HttpOnly)
		case "a":
			t.Errorf("origin cookie leaked to client: %v", ck)
		}
	}
	require.NotEmpty(t, signed, "session cookie must be minted")
	sid := f.engine.codec.Verify(signed)
	require.NotEmpty(t, sid, "minted cookie must verify")

	// Second request presents the session; the jar feeds the origin.
	f.expectResolve("example.com", "cookie_jar")
	f.mock.ExpectQuery("SELECT cookie_data FROM cookie_jars").
		WithArgs(int64(1), sid, "example.com").
		WillReturnRows(pgxmock.NewRows([]string{"cookie_data"}).AddRow([]byte(`{"a":"1"}`)))

	rec = f.do(t, "m.test", "/", map[string]string{
		"Cookie": session.CookieName + "=" + signed,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	for _, ck := range rec.Result().Cookies() {
		assert.NotEqual(t, session.CookieName, ck.Name, "existing session must not be re-set")
	}

	calls := f.originCalls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].cookie)
	assert.Equal(t, "a=1", calls[1].cookie)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestResponseHeaderStripping(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Set-Cookie", "a=1")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Content-Security-Policy-Report-Only", "default-src 'self'")
		h.Set("Strict-Transport-Security", "max-age=63072000")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET")
		h.Set("X-Custom", "kept")
		w.Write([]byte("ok"))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	for _, name := range []string{
		"Set-Cookie", "Content-Security-Policy", "Content-Security-Policy-Report-Only",
		"Strict-Transport-Security", "X-Frame-Options",
		"Access-Control-Allow-Origin", "Access-Control-Allow-Methods",
	} {
		assert.Empty(t, rec.Header().Get(name), "%s must be stripped", name)
	}
	assert.Equal(t, "kept", rec.Header().Get("X-Custom"))
}

func TestRefererTranslatedToOrigin(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	f.expectResolve("example.com", "stateless")
	f.do(t, "m.test", "/", map[string]string{"Referer": "https://m.test/page"})

	f.expectResolve("example.com", "stateless")
	f.do(t, "m.test", "/", map[string]string{"Referer": "https://evil.example/page"})

	calls := f.originCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "https://example.com/page", calls[0].referer)
	assert.Empty(t, calls[1].referer, "unmappable referer must be dropped")
}

func TestOversizeResponseRejected(t *testing.T) {
	big := strings.Repeat("x", 2<<20)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMediaStreamsPastSizeCap(t *testing.T) {
	big := strings.Repeat("x", 2<<20)
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(big))
	})
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/big.png", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, len(big), rec.Body.Len())
}

func TestAdminHostNotProxied(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "admin.localhost", "/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.originCalls())
}

func TestOriginTimeout(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	f.engine.cfg.RequestTimeout = 50 * time.Millisecond
	f.expectResolve("example.com", "stateless")

	rec := f.do(t, "m.test", "/", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
