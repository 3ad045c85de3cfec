// Kestrel - Unified multi-engine database access with integrated
// security enforcement.
// Copyright (c) 2026 opensource-db
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/opensource-db/kestrel/internal/api"
	"github.com/opensource-db/kestrel/internal/audit"
	"github.com/opensource-db/kestrel/internal/dispatch"
	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/engine"
	"github.com/opensource-db/kestrel/internal/security"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// envOverrides are the deploy-time knobs layered over the default
// configuration. The outer protocol server owns file-based config;
// standalone deployments tune through the environment.
type envOverrides struct {
	Addr          string `envconfig:"KESTREL_ADDR"`
	LogLevel      string `envconfig:"KESTREL_LOG_LEVEL"`
	LogFormat     string `envconfig:"KESTREL_LOG_FORMAT"`
	SQLitePath    string `envconfig:"KESTREL_SQLITE_PATH"`
	PostgresURI   string `envconfig:"KESTREL_POSTGRES_URI"`
	MySQLURI      string `envconfig:"KESTREL_MYSQL_URI"`
	MongoURI      string `envconfig:"KESTREL_MONGO_URI"`
	RedisURI      string `envconfig:"KESTREL_REDIS_URI"`
	DefaultEngine string `envconfig:"KESTREL_DEFAULT_ENGINE"`
	AuditSink     string `envconfig:"KESTREL_AUDIT_SINK"`
	NATSUrl       string `envconfig:"KESTREL_NATS_URL"`
	Timezone      string `envconfig:"KESTREL_TIMEZONE"`
}

func main() {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		slog.Error("failed to read environment", "error", err)
		os.Exit(1)
	}

	cfg := buildConfig(env)

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"engines", len(cfg.Engines),
		"default_engine", cfg.DefaultEngine,
		"audit_sink", cfg.Audit.Sink,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Audit pipeline
	sinks, err := audit.NewSinks(cfg.Audit, logger)
	if err != nil {
		slog.Error("failed to initialize audit sinks", "error", err)
		os.Exit(1)
	}
	auditLog := audit.New(logger, cfg.Audit.BufferSize, sinks...)
	defer auditLog.Close()

	// Security layer with an empty policy document; the admin surface
	// loads the real one at runtime.
	sec, err := security.NewLayer(cfg.Security, domain.RBACConfig{}, auditLog, logger)
	if err != nil {
		slog.Error("failed to initialize security layer", "error", err)
		os.Exit(1)
	}

	// Dispatcher and engines
	dispatcher := dispatch.New(sec, logger)
	defer dispatcher.Close()

	for id, block := range cfg.Engines {
		eng, err := engine.New(id, block)
		if err != nil {
			slog.Error("failed to initialize engine", "engine", id, "error", err)
			os.Exit(1)
		}
		if err := dispatcher.Register(eng); err != nil {
			slog.Error("failed to register engine", "engine", id, "error", err)
			os.Exit(1)
		}
	}
	if cfg.DefaultEngine != "" {
		if err := dispatcher.SwitchEngine(cfg.DefaultEngine); err != nil {
			slog.Error("failed to set default engine", "error", err)
			os.Exit(1)
		}
	}

	// HTTP operation surface
	srv := api.NewServer(cfg.Server, dispatcher, sec, Version)
	go func() {
		slog.Info("http server listening",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
		)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	slog.Info("kestrel stopped")
}

// buildConfig layers environment overrides onto the defaults. Each
// connection URI present in the environment registers an engine under
// its type name.
func buildConfig(env envOverrides) *domain.Config {
	cfg := domain.DefaultConfig()

	if env.Addr != "" {
		if host, port, ok := splitAddr(env.Addr); ok {
			cfg.Server.Host = host
			cfg.Server.Port = port
		}
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
	if env.Timezone != "" {
		cfg.Security.Timezone = env.Timezone
	}
	if env.AuditSink != "" {
		cfg.Audit.Sink = env.AuditSink
	}
	if env.NATSUrl != "" {
		cfg.Audit.NATSUrl = env.NATSUrl
	}
	if env.SQLitePath != "" {
		cfg.Engines["default"] = domain.DatabaseConfig{
			Type: domain.EngineSQLite,
			Path: env.SQLitePath,
			Pool: domain.DefaultPoolConfig(),
		}
	}

	addURI := func(id string, typ domain.EngineType, uri string) {
		if uri == "" {
			return
		}
		cfg.Engines[id] = domain.DatabaseConfig{
			Type: typ,
			URI:  uri,
			Pool: domain.DefaultPoolConfig(),
		}
	}
	addURI("postgres", domain.EnginePostgres, env.PostgresURI)
	addURI("mysql", domain.EngineMySQL, env.MySQLURI)
	addURI("mongo", domain.EngineMongo, env.MongoURI)
	addURI("redis", domain.EngineRedis, env.RedisURI)

	if env.DefaultEngine != "" {
		cfg.DefaultEngine = env.DefaultEngine
	}
	return cfg
}

func splitAddr(addr string) (string, int, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, c := range addr[i+1:] {
				if c < '0' || c > '9' {
					return "", 0, false
				}
				port = port*10 + int(c-'0')
			}
			return addr[:i], port, port > 0
		}
	}
	return "", 0, false
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
