package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/pagemirror/internal/changelog"
	"github.com/agentworkforce/pagemirror/internal/httpapi"
	"github.com/agentworkforce/pagemirror/internal/pagesync"
	"github.com/agentworkforce/pagemirror/internal/watcher"
	"github.com/agentworkforce/pagemirror/internal/wordpress"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if boolEnv("PAGEMIRROR_DEV_LOG", false) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(envOrDefault("PAGEMIRROR_LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	addr := envOrDefault("PAGEMIRROR_ADDR", ":8080")
	cloneDir := envOrDefault("PAGEMIRROR_CLONE_DIR", "./clone_site")
	baseURL := strings.TrimSpace(os.Getenv("PAGEMIRROR_WP_BASE_URL"))
	if baseURL == "" {
		logger.Fatal().Msg("PAGEMIRROR_WP_BASE_URL is required")
	}

	client := wordpress.NewHTTPClient(wordpress.HTTPClientOptions{
		BaseURL:     baseURL,
		Username:    strings.TrimSpace(os.Getenv("PAGEMIRROR_WP_USERNAME")),
		AppPassword: strings.TrimSpace(os.Getenv("PAGEMIRROR_WP_APP_PASSWORD")),
	})
	syncer, err := pagesync.NewSyncer(client, pagesync.Options{
		CloneDir: cloneDir,
		SiteURL:  baseURL,
		Logger:   printfLogger{logger: logger.With().Str("component", "pagesync").Logger()},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize syncer")
	}

	changelogDSN := envOrDefault("PAGEMIRROR_CHANGELOG_DSN", "file://"+filepath.Join(cloneDir, "changelog.json"))
	backend, err := changelog.BuildStateBackendFromDSN(changelogDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", changelogDSN).Msg("failed to initialize changelog backend")
	}
	changeLog := changelog.NewLog(backend)

	server := httpapi.NewServerWithConfig(syncer, changeLog, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("PAGEMIRROR_JWT_SECRET"),
		RateLimitMax:    intEnv("PAGEMIRROR_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("PAGEMIRROR_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("PAGEMIRROR_MAX_BODY_BYTES", 0),
		PushDedupeTTL:   durationEnv("PAGEMIRROR_PUSH_DEDUPE_TTL", 0),
		PushDedupeMax:   intEnv("PAGEMIRROR_PUSH_DEDUPE_MAX", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go server.Hub().Run(ctx)

	fileWatcher, err := watcher.New(watcher.Options{
		CloneDir: cloneDir,
		Log:      changeLog,
		Logger:   printfLogger{logger: logger.With().Str("component", "watcher").Logger()},
		OnEdit: func(pageID int, path string) {
			server.Hub().Broadcast(httpapi.Message{
				Type: "change",
				Data: map[string]any{"pageId": pageID, "path": path},
			})
		},
	})
	switch {
	case errors.Is(err, watcher.ErrNoPagesDir):
		logger.Info().Str("dir", cloneDir).Msg("no pages directory yet, file watcher disabled until first clone")
	case err != nil:
		logger.Fatal().Err(err).Msg("failed to initialize file watcher")
	default:
		go func() {
			if err := fileWatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("file watcher stopped")
			}
		}()
	}

	statusInterval := durationEnv("PAGEMIRROR_STATUS_INTERVAL", 30*time.Second)
	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				server.BroadcastStatus()
			}
		}
	}()

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	logger.Info().Str("addr", addr).Str("clone_dir", cloneDir).Str("site", baseURL).Msg("pagemirror server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("pagemirror server stopped")
}

// printfLogger adapts a zerolog logger to the Printf interface the internal
// packages accept.
type printfLogger struct {
	logger zerolog.Logger
}

func (l printfLogger) Printf(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
