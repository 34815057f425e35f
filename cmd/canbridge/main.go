package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/api"
	"github.com/can-bridge/internal/audit"
	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/device"
	"github.com/can-bridge/internal/logging"
	"github.com/can-bridge/internal/maintenance"
	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/params"
	"github.com/can-bridge/internal/publish"
	"github.com/can-bridge/internal/scheduler"
	"github.com/can-bridge/internal/storage"
	"github.com/can-bridge/internal/telemetry"
	"github.com/can-bridge/internal/transmit"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting CAN bridge",
		zap.String("device", cfg.Device.Name),
		zap.String("driver", cfg.Bus.Driver),
		zap.Int("bitrate_kbps", cfg.Bus.BitrateKbps),
		zap.String("mode", cfg.Bus.Mode))

	// Bring up the transceiver. A failed install is logged and the service
	// keeps running with a bus that rejects every frame.
	bus, err := device.Open(cfg.Bus)
	if bus == nil {
		logger.Fatal("Failed to create CAN driver", zap.Error(err))
	}
	if err != nil {
		logger.Error("CAN driver install failed", zap.Error(err))
	} else {
		logger.Info("CAN driver installed")
	}

	// Fan-out targets for ticks and run results
	hub := telemetry.NewHub(15*time.Second, logger)
	publishers := publish.Multi{hub}
	if cfg.Publish.Redis.Enabled {
		publishers = append(publishers, publish.NewRedis(cfg.Publish.Redis, logger))
		logger.Info("Redis publisher enabled", zap.String("addr", cfg.Publish.Redis.Addr))
	}

	ids, err := cfg.Monitor.Identifiers()
	if err != nil {
		logger.Fatal("Invalid monitor ids", zap.Error(err))
	}
	monOpts := []monitor.Option{monitor.WithTickHook(publishers.PublishTick)}
	if cfg.Monitor.DummyTraffic {
		monOpts = append(monOpts, monitor.WithDummyTraffic(cfg.Monitor.DummyPermille, rand.NewSource(time.Now().UnixNano())))
		logger.Warn("Dummy receive traffic enabled", zap.Int("permille", cfg.Monitor.DummyPermille))
	}
	mon := monitor.New(ids, cfg.Monitor.Width, cfg.Monitor.TickPeriod(), bus, monOpts...)

	var auditLog *audit.Logger
	if cfg.Logging.AuditFile != "" {
		auditLog, err = audit.NewLogger(cfg.Logging.AuditFile, cfg.Logging.MaxSizeMB, logger)
		if err != nil {
			logger.Fatal("Failed to open audit log", zap.Error(err))
		}
	}

	sched := scheduler.New(scheduler.Deps{
		Params:    params.NewStore(cfg.Storage.ParamsPath(), logger),
		Blobs:     storage.NewStore(cfg.Storage.DataDir, cfg.Storage.BlobName, logger),
		Bus:       bus,
		Monitor:   mon,
		Publisher: publishers,
		Logger:    logger,
		Audit:     auditLog,
		EngineOptions: []transmit.Option{
			transmit.WithProgress(func(p transmit.Progress) {
				logger.Debug("Transmit progress", zap.Int64("offset", p.Offset+int64(p.Len)), zap.Int64("total", p.Total))
			}),
		},
	}, cfg.Monitor.PassInterval())

	// Determine HTTP port based on dev mode
	httpPort := cfg.Network.HTTP.Port
	if cfg.Network.HTTP.DevMode {
		httpPort = 8080
		logger.Info("Development mode: using port 8080")
	}

	apiServer := api.NewServer(cfg, sched, hub, logger)
	httpServer := api.NewHTTPServer(fmt.Sprintf(":%d", httpPort), apiServer.Handler(), api.HeaderTimeout)

	maintenanceServer := maintenance.NewServer(cfg, sched, logger)

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", httpPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting maintenance TCP server", zap.Int("port", cfg.Network.Maintenance.Port))
		if err := maintenanceServer.ListenAndServe(); err != nil {
			logger.Fatal("Maintenance server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers")

	// Event streams never end on their own
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	if err := maintenanceServer.Close(); err != nil {
		logger.Warn("Maintenance server shutdown error", zap.Error(err))
	}

	if err := sched.Close(); err != nil {
		logger.Warn("Scheduler shutdown error", zap.Error(err))
	}

	if err := auditLog.Close(); err != nil {
		logger.Warn("Audit log close error", zap.Error(err))
	}

	if err := bus.Close(); err != nil {
		logger.Warn("CAN driver close error", zap.Error(err))
	}

	logger.Info("Servers stopped")
}
