package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"wisefido-presence/internal/common/database"
	commonlogger "wisefido-presence/internal/common/logger"
	commonmqtt "wisefido-presence/internal/common/mqtt"
	commonredis "wisefido-presence/internal/common/redis"
	"wisefido-presence/internal/config"
	"wisefido-presence/internal/consumer"
	"wisefido-presence/internal/repository"
	"wisefido-presence/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	logger, err := commonlogger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-presence")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting wisefido-presence service",
		zap.String("version", "1.0.0"),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("idle_topic", cfg.Presence.IdleTopic),
		zap.String("statement_stream", cfg.Presence.StatementStream),
	)

	// 数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	defer redisClient.Close()

	// MQTT
	mqttClient, err := commonmqtt.NewClient(&cfg.MQTT)
	if err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	// 仓库与缓存
	events := repository.NewPostgresPresenceEventsRepository(db, logger)
	segments := repository.NewPostgresSegmentsRepository(db, logger)
	cache := consumer.NewCacheManager(cfg, consumer.NewRedisKVStore(redisClient), logger)

	// 创建服务
	presenceService, err := service.NewService(cfg, db, redisClient, events, segments, cache, logger)
	if err != nil {
		logger.Fatal("Failed to create presence service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := presenceService.Start(ctx); err != nil {
		logger.Fatal("Failed to start presence service", zap.Error(err))
	}

	// 消费者
	idleConsumer := consumer.NewIdleConsumer(cfg, mqttClient, presenceService, logger)
	statementConsumer := consumer.NewStatementConsumer(cfg, redisClient, presenceService, logger)

	go func() {
		if err := idleConsumer.Start(ctx); err != nil {
			logger.Fatal("Failed to start idle consumer", zap.Error(err))
		}
	}()
	go func() {
		if err := statementConsumer.Start(ctx); err != nil {
			logger.Fatal("Failed to start statement consumer", zap.Error(err))
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := idleConsumer.Stop(context.Background()); err != nil {
		logger.Error("Error stopping idle consumer", zap.Error(err))
	}
	if err := presenceService.Stop(context.Background()); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Service stopped")
}
