package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/filthyrake/vlog-coordinator/internal/config"
	coordRepository "github.com/filthyrake/vlog-coordinator/internal/coordinator/repository"
	coordUsecase "github.com/filthyrake/vlog-coordinator/internal/coordinator/usecase"
	"github.com/filthyrake/vlog-coordinator/internal/dispatch"
	"github.com/filthyrake/vlog-coordinator/internal/worker"
	"github.com/filthyrake/vlog-coordinator/pkg/db/postgres"
	clientRedis "github.com/filthyrake/vlog-coordinator/pkg/db/redis"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
)

func main() {
	configFile := "config.yml"
	cfgFile, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("loadConfig: %v", err)
	}
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		log.Fatalf("parseConfig: %v", err)
	}
	appLogger := logger.NewApiLogger(cfg)
	appLogger.InitLogger()
	appLogger.Infof("AppVersion: %s, LogLevel: %s, Mode: %s", cfg.Server.AppVersion, cfg.Logger.Level, cfg.Server.Mode)

	psqlDB, err := postgres.NewPsqlDB(cfg)
	if err != nil {
		appLogger.Fatalf("could not connect to db: %s", err)
	}
	appLogger.Infof("db connected, status: %#v", psqlDB.Stats())
	defer psqlDB.Close()

	redisClient, err := clientRedis.NewRedisClient(cfg)
	if err != nil {
		appLogger.Fatalf("could not connect to redis: %s", err)
	}
	appLogger.Infof("redis connected")
	defer redisClient.Close()

	cRepo := coordRepository.NewCoordRepo(psqlDB)
	cDispatchRepo := coordRepository.NewDispatchRedisRepo(
		redisClient,
		cfg.Redis.JobStreamKey,
		cfg.Redis.ConsumerGroup,
		cfg.Redis.ProgressChan,
		cfg.Redis.AlertsChan,
	)
	accelerator := dispatch.NewAccelerator(cDispatchRepo, appLogger)
	coordUC := coordUsecase.NewCoordUseCase(cfg, cRepo, accelerator, appLogger)

	executor := worker.NewCommandExecutor(cfg.Worker.TranscodeCommand)
	agent, err := worker.NewAgent(cfg, coordUC, accelerator, executor, appLogger)
	if err != nil {
		appLogger.Fatalf("could not create agent: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("shutting down worker")
		cancel()
	}()

	if err := agent.Run(ctx); err != nil {
		appLogger.Fatalf("worker exited: %s", err)
	}
}
