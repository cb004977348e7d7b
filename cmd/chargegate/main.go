// Command chargegate runs the metered LLM gateway.
//
// The gateway exposes an OpenAI-compatible chat API; every request is
// authenticated against an API key, rate limited over a sliding window,
// priced from its token usage and debited from the caller's prepaid
// balance before the response leaves the process.
//
// Configuration comes from environment variables or an optional
// config.yaml (see .env.example). A Redis instance is required:
//
//	OPENAI_API_KEY=sk-... REDIS_URL=redis://localhost:6379 ./chargegate
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chargegate/chargegate/internal/app"
	"github.com/chargegate/chargegate/internal/config"
)

// Set at build time: -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// newLogger builds the shared JSON slog.Logger. Unrecognised level
// strings fall back to INFO rather than failing startup.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // file:line is debug-only noise otherwise
	}))
}
