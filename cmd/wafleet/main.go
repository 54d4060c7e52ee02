package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/talkincode/wafleet/config"
	"github.com/talkincode/wafleet/internal/adminapi"
	"github.com/talkincode/wafleet/internal/app"
	"github.com/talkincode/wafleet/internal/fleet"
	"github.com/talkincode/wafleet/internal/registry"
	"github.com/talkincode/wafleet/internal/wasocket"
	"github.com/talkincode/wafleet/internal/wastore"
	"github.com/talkincode/wafleet/internal/webserver"
)

func main() {
	cfg := config.Load()

	application := app.NewApplication(cfg)
	if err := application.Init(); err != nil {
		zap.S().Fatalf("application init failed: %v", err)
	}

	sqlDB, err := application.DB().DB()
	if err != nil {
		zap.S().Fatalf("failed to obtain sql.DB: %v", err)
	}
	factory, err := wasocket.NewMeowFactory(context.Background(), sqlDB)
	if err != nil {
		zap.S().Fatalf("protocol store init failed: %v", err)
	}

	instanceRepo := registry.NewGormInstanceRepository(application.DB())
	sessionRepo := registry.NewGormSessionRepository(application.DB())
	store := wastore.NewStore(sessionRepo, factory.NewCreds)
	coordinator := fleet.NewCoordinator(cfg.Fleet, instanceRepo, store, factory)

	adminapi.Register(coordinator, store, sessionRepo)
	server := webserver.Init(application)

	bootCtx, bootCancel := context.WithCancel(context.Background())
	go func() {
		if err := coordinator.Recover(bootCtx); err != nil && bootCtx.Err() == nil {
			zap.L().Error("boot recovery failed", zap.Error(err))
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			zap.S().Fatalf("webserver failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("shutdown signal received")
	bootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	application.Scheduler().Stop()
	if err := server.Shutdown(ctx); err != nil {
		zap.L().Error("webserver shutdown failed", zap.Error(err))
	}
	if err := coordinator.Shutdown(ctx); err != nil {
		zap.L().Error("coordinator shutdown failed", zap.Error(err))
	}
	zap.L().Info("shutdown complete")
}
