package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gaterelay/internal/api"
	"gaterelay/internal/auth"
	"gaterelay/internal/config"
	"gaterelay/internal/db"
	"gaterelay/internal/logger"
	"gaterelay/internal/push"
	"gaterelay/internal/service"
	"gaterelay/internal/store"
	"gaterelay/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	sqdb, err := db.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, "migrations/001_init.sql"); err != nil {
		log.Fatal("migration", zap.Error(err))
	}

	st := store.New(sqdb)
	if cfg.BootstrapAdminPassword != "" {
		hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
		if err != nil {
			log.Fatal("bootstrap admin hash", zap.Error(err))
		}
		if err := st.EnsureAdmin(context.Background(), hash); err != nil {
			log.Fatal("bootstrap admin create", zap.Error(err))
		}
	}

	var registry push.TokenRegistry
	if cfg.PushTokenDriver != "" {
		ext, err := push.OpenSQLRegistry(cfg.PushTokenDriver, cfg.PushTokenDSN, cfg.PushTokenTable)
		if err != nil {
			log.Fatal("open token registry", zap.Error(err))
		}
		registry = ext
		log.Info("using external token registry", zap.String("driver", cfg.PushTokenDriver))
	} else {
		reg, err := push.NewSQLRegistry(sqdb, "sqlite", cfg.PushTokenTable)
		if err != nil {
			log.Fatal("token registry", zap.Error(err))
		}
		registry = reg
	}

	var pushClient push.Client = push.NoopClient{}
	if cfg.PushServiceURL != "" {
		pushClient = push.NewHTTPClient(cfg.PushServiceURL, cfg.PushServiceKey, cfg.PushTimeout())
	} else {
		log.Warn("no push service configured; device notification is disabled")
	}
	dispatcher := push.NewDispatcher(pushClient, registry, log)
	trigger := webhook.NewTrigger(cfg.WebhookTimeout(), cfg.WebhookMaxBodyBytes)

	svc := service.New(cfg, st, dispatcher, registry, trigger, log)
	r := api.NewRouter(cfg, svc, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	db.StartCommandSweeper(ctx, sqdb, time.Duration(cfg.CommandSweepMin)*time.Minute, log)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hsrv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server", zap.Error(err))
	}
}
