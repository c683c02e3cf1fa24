package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"proxibase/internal/admin"
	"proxibase/internal/config"
	"proxibase/internal/proxy"
	"proxibase/internal/ratelimit"
	"proxibase/internal/store"
)

func main() {
	ctx := context.Background()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "configuration loaded",
		"port", cfg.Port,
		"admin_host", cfg.AdminHost,
		"rate_limiting", cfg.EnableRateLimiting,
		"request_timeout", cfg.RequestTimeout)

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		slog.ErrorContext(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "database ready")

	limiter := ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)
	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go limiter.Run(limiterCtx)

	engine := proxy.NewEngine(cfg, pool, limiter)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ipExtractor(cfg.TrustedProxies)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	admin.NewHandler(cfg, pool).Register(e)
	e.Any("/*", engine.Handle)
	e.Any("/", engine.Handle)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		slog.InfoContext(ctx, "listening", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "graceful shutdown failed", "error", err)
	}
}

// ipExtractor trusts X-Forwarded-For only when it arrives through one
// of the configured proxies; otherwise the socket peer is the client.
func ipExtractor(trusted []string) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := make([]echo.TrustOption, 0, len(trusted))
	for _, entry := range trusted {
		cidr := entry
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			slog.Warn("ignoring invalid trusted proxy entry", "entry", entry)
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipnet))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
