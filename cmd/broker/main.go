package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stratologic/querybridge-mcp/cmd/broker/auth"
	brokeroauth "github.com/stratologic/querybridge-mcp/cmd/broker/oauth"
	"github.com/stratologic/querybridge-mcp/internal/audit"
	"github.com/stratologic/querybridge-mcp/internal/cache"
	"github.com/stratologic/querybridge-mcp/internal/config"
	"github.com/stratologic/querybridge-mcp/internal/forward"
	"github.com/stratologic/querybridge-mcp/internal/identity"
	"github.com/stratologic/querybridge-mcp/internal/oauth"
	"github.com/stratologic/querybridge-mcp/internal/upstream"
)

const ServiceVersion = "v1.0.0"

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	config.LoadEnv(".env", logger)
	logger.Info("starting querybridge broker", "version", ServiceVersion)

	cfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		fatal(logger, "invalid configuration", err)
	}
	keys, err := oauth.LoadKeyManagerFromEnv()
	if err != nil {
		fatal(logger, "invalid key material", err)
	}

	fileCache, err := cache.New(cache.ResolveDir(cfg.CacheDir), logger)
	if err != nil {
		fatal(logger, "failed to open cache", err)
	}
	defer fileCache.Close()

	store, err := oauth.NewStoreFromEnv(fileCache, logger)
	if err != nil {
		fatal(logger, "failed to initialize store", err)
	}
	defer store.Close()

	registry := oauth.NewRegistry(store, logger)
	if cfg.ClientsFile != "" {
		if err := registry.LoadStaticClients(cfg.ClientsFile); err != nil {
			fatal(logger, "failed to load static clients", err)
		}
	}

	pkce := oauth.NewPKCEManager(store)
	issuer := oauth.NewIssuer(cfg, keys, store, logger)

	up, err := upstream.NewClientFromEnv(cfg.Issuer+"/oauth/callback", logger)
	if err != nil {
		fatal(logger, "failed to configure upstream providers", err)
	}

	resolver, err := identity.NewResolverFromEnv(issuer, logger)
	if err != nil {
		fatal(logger, "failed to configure identity resolver", err)
	}

	auditPub, err := audit.NewPublisherFromEnv(logger)
	if err != nil {
		logger.Warn("audit publishing disabled", "error", err)
		auditPub = nil
	}
	defer auditPub.Close()
	resolver.SetAudit(auditPub)

	oauthServer := brokeroauth.NewServer(cfg, registry, pkce, issuer, store, up,
		resolver, auditPub, defaultProvider(), logger)

	mux := http.NewServeMux()
	oauthServer.Routes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if proxy := newAPIProxy(issuer, logger); proxy != nil {
		requireAuth := auth.RequireAuth(issuer, logger)
		mux.Handle("/api/", requireAuth.Handler(proxy))
	}

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", srv.Addr, "issuer", cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

// newAPIProxy forwards authenticated requests to the downstream API with the
// configured credential mode. Returns nil when no downstream API is set.
func newAPIProxy(issuer *oauth.Issuer, logger *slog.Logger) http.Handler {
	target := strings.TrimSpace(os.Getenv("QUERYBRIDGE_API_URL"))
	if target == "" {
		return nil
	}
	parsed, err := url.Parse(target)
	if err != nil {
		logger.Warn("QUERYBRIDGE_API_URL is not a valid URL, proxy disabled", "error", err)
		return nil
	}

	mode := forward.ModePassthrough
	if strings.EqualFold(os.Getenv("FORWARD_MODE"), string(forward.ModeUpstream)) {
		mode = forward.ModeUpstream
	}

	proxy := httputil.NewSingleHostReverseProxy(parsed)
	proxy.Transport = forward.NewTransport(nil, mode, issuer, logger)
	return proxy
}

func defaultProvider() upstream.Provider {
	if p := strings.TrimSpace(os.Getenv("UPSTREAM_DEFAULT_PROVIDER")); p != "" {
		return upstream.Provider(strings.ToLower(p))
	}
	return upstream.ProviderGoogle
}

func listenAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":3000"
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
