// Command gatewaysvc runs the policy guardrail gateway: it loads
// configuration, connects the audit store, builds the filter executor, and
// serves the HTTP API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/securag/policygate/config"
	"github.com/securag/policygate/internal/auditstore"
	"github.com/securag/policygate/internal/cache"
	"github.com/securag/policygate/internal/executor"
	"github.com/securag/policygate/internal/gateway"
	"github.com/securag/policygate/internal/llmclient"
	"github.com/securag/policygate/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Format: logging.Format(cfg.Logging.Format),
		Level:  cfg.Logging.SlogLevel(),
		Output: os.Stdout,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit store: only connected when writes are enabled. Read and delete
	// endpoints answer 403 without it.
	var store auditstore.Store
	if cfg.Audit.WriteLogs {
		store, err = auditstore.New(ctx, auditstore.Config{
			URI:      cfg.Audit.DBURI,
			Table:    cfg.Audit.TableName,
			Database: cfg.Audit.Database,
			MaxConns: cfg.Audit.MaxConns,
		})
		if err != nil {
			slog.Error("failed to connect audit store", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.ValidateSchema(ctx); err != nil {
			slog.Error("audit schema validation failed", "error", err)
			os.Exit(1)
		}
		slog.Info("audit store ready", "backend", store.Type(), "table", cfg.Audit.TableName)
	} else {
		slog.Info("audit writes disabled; audit endpoints will answer 403")
	}

	respCache, err := buildCache(cfg.Cache)
	if err != nil {
		slog.Error("failed to connect cache", "error", err)
		os.Exit(1)
	}
	if respCache != nil {
		defer respCache.Close()
	}

	exec, err := executor.Build(cfg.Filters, respCache, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	if err != nil {
		slog.Error("failed to build filter executor", "error", err)
		os.Exit(1)
	}
	slog.Info("filter executor ready",
		"input_pipes", len(exec.InputPipes()),
		"output_pipes", len(exec.OutputPipes()),
		"raise_on_flag", exec.RaiseOnFlag(),
	)

	llm := llmclient.New(llmclient.Config{
		Host:          cfg.Ollama.Host,
		Model:         cfg.Ollama.Model,
		DownloadModel: cfg.Ollama.DownloadModel,
		SystemPrompt:  cfg.Ollama.SystemPrompt,
	})

	handler := gateway.NewHandler(exec, store, llm, cfg.Audit.WriteLogs)
	server := gateway.New(handler, &gateway.Config{
		MasterKey:       cfg.Server.MasterKey,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
	})

	go func() {
		addr := ":" + cfg.Server.Port
		slog.Info("gateway listening", "addr", addr)
		if err := server.Start(addr); err != nil {
			slog.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

func buildCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Type {
	case "local":
		return cache.NewLocalCache(), nil
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{URL: cfg.Redis.URL})
	default:
		return nil, nil
	}
}
