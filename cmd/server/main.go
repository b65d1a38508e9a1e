package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tullo/streamly/config"
	"github.com/tullo/streamly/internal/app"
	"github.com/tullo/streamly/internal/log"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	if err := log.Init(cfg.Server.LogLevel, cfg.Server.Env); err != nil {
		stdlog.Fatalf("Failed to init logger: %v", err)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.L().Fatal("failed to start", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.L().Fatal("failed to start background jobs", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("starting streamly server", zap.String("addr", srv.Addr), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	if err := a.Close(); err != nil {
		log.Warn("close", zap.Error(err))
	}
}
