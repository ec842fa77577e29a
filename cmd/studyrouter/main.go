// Command studyrouter serves the study router HTTP API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	studyrouter "github.com/ferro-labs/study-router"
	"github.com/ferro-labs/study-router/internal/logging"
	"github.com/ferro-labs/study-router/internal/version"

	// Register built-in plugins so they can be loaded from config.
	_ "github.com/ferro-labs/study-router/internal/plugins/logger"
	_ "github.com/ferro-labs/study-router/internal/plugins/maxtoken"
	_ "github.com/ferro-labs/study-router/internal/plugins/wordfilter"
)

func main() {
	_ = godotenv.Load()
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := loadConfig(os.Getenv("STUDY_ROUTER_CONFIG"))
	if err != nil {
		fatal("failed to load config", err)
	}

	svc, err := studyrouter.New(*cfg)
	if err != nil {
		fatal("failed to create router", err)
	}
	if len(cfg.Plugins) > 0 {
		if err := svc.LoadPlugins(); err != nil {
			fatal("failed to load plugins", err)
		}
	}
	defer func() { _ = svc.Close() }()
	svc.AddHook(func(ctx context.Context, subject string, data map[string]interface{}) {
		logging.FromContext(ctx).Debug("event", "subject", subject, "model", data["model"], "latency_ms", data["latency_ms"])
	})

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(svc, corsOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("study router listening",
		"version", version.Short(),
		"addr", addr,
		"policies", svc.Table().Names(),
		"models", svc.Table().EntryCount(),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		fatal("server error", err) //nolint:gocritic
	}
	slog.Info("server stopped")
}

// loadConfig reads path, or the embedded default config when path is empty.
func loadConfig(path string) (*studyrouter.Config, error) {
	if path == "" {
		slog.Info("STUDY_ROUTER_CONFIG not set; using embedded default policies")
		return studyrouter.LoadDefaultConfig()
	}
	cfg, err := studyrouter.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	slog.Info("config loaded", "path", path, "policies", len(cfg.Policies), "plugins", len(cfg.Plugins))
	return cfg, nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// newRouter builds the HTTP router.
func newRouter(svc *studyrouter.Service, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", liveness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", queryHandler(svc))
		r.Get("/stats", statsHandler(svc))
		r.Post("/stats/reset", resetStatsHandler(svc))
		r.Get("/config", configHandler(svc))
		r.Get("/health", healthHandler(svc))
	})

	r.Post("/v1/chat/completions", completionsHandler(svc))
	return r
}
