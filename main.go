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
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"varygen/server/internal/config"
	servernet "varygen/server/internal/net"
	"varygen/server/internal/persist"
	"varygen/server/internal/rooms"
	"varygen/server/internal/sim"
	"varygen/server/internal/telemetry"
	"varygen/server/internal/worldmap"
	"varygen/server/logging"
	"varygen/server/logging/sinks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	router, err := newEventRouter(cfg)
	if err != nil {
		sugar.Fatalw("event router", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		router.Close(shutdownCtx)
	}()

	store, err := persist.Open(cfg.DatabasePath)
	if err != nil {
		sugar.Fatalw("open snapshot store", "path", cfg.DatabasePath, "error", err)
	}
	defer store.Close()

	metrics := logging.NewMetrics()
	deps := sim.Deps{
		Logger:    telemetry.WrapZap(sugar),
		Metrics:   telemetry.WrapMetrics(metrics),
		Publisher: router,
	}

	manager := rooms.NewManager(rooms.ManagerConfig{
		MaxRooms:            cfg.MaxRooms,
		EmptyRoomGraceTicks: cfg.ReconnectGraceTicks,
		Room: rooms.Config{
			Capacity:            cfg.RoomCapacity,
			TickRate:            cfg.TickRate,
			CatchupMaxTicks:     cfg.CatchupMaxTicks,
			CommandCapacity:     cfg.CommandCapacity,
			PerActorLimit:       cfg.PerActorLimit,
			KeyframeInterval:    cfg.KeyframeInterval,
			KeyframeRetention:   cfg.KeyframeRetention,
			ReconnectGraceTicks: cfg.ReconnectGraceTicks,
			HeartbeatTimeout:    10 * time.Second,
			Sim: sim.Config{
				TickRate:             cfg.TickRate,
				ConflictTimeoutTicks: cfg.ConflictTimeoutTicks,
				StartingBalance:      sim.DefaultConfig().StartingBalance,
				MoveSpeed:            sim.DefaultConfig().MoveSpeed,
				MediationFeeMin:      sim.DefaultConfig().MediationFeeMin,
				MediationFeeMax:      sim.DefaultConfig().MediationFeeMax,
			},
		},
	}, worldmap.Default(), deps, store)

	handler := servernet.NewHTTPHandler(manager, servernet.HTTPHandlerConfig{
		Logger:   telemetry.WrapZap(sugar),
		Clock:    logging.SystemClock{},
		TickRate: cfg.TickRate,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.Run(ctx)
	})
	group.Go(func() error {
		sugar.Infow("listening", "addr", cfg.Addr, "tickRate", cfg.TickRate, "rooms", cfg.MaxRooms)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		sugar.Fatalw("server exited", "error", err)
	}
	sugar.Infow("server stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, err
		}
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	var writer zapcore.WriteSyncer
	if cfg.LogFile != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    64,
			MaxBackups: 4,
		})
	} else {
		writer = zapcore.AddSync(os.Stdout)
	}
	return zap.New(zapcore.NewCore(encoder, writer, level)), nil
}

// newEventRouter wires the structured game-event pipeline. Events always go
// to the console sink; a rotating JSON file is added when a log file is
// configured.
func newEventRouter(cfg config.Config) (*logging.Router, error) {
	logCfg := logging.DefaultConfig()
	named := []logging.NamedSink{
		{Name: "console", Sink: sinks.NewConsoleSink(os.Stdout, logCfg.Console)},
	}
	if cfg.LogFile != "" {
		jsonCfg := logCfg.JSON
		jsonCfg.FilePath = cfg.LogFile + ".events"
		named = append(named, logging.NamedSink{Name: "json", Sink: sinks.NewJSONFile(jsonCfg)})
		logCfg.EnabledSinks = append(logCfg.EnabledSinks, "json")
	}
	return logging.NewRouter(logging.SystemClock{}, logCfg, named)
}
