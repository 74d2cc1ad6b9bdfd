package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codeCollab/backend/config"
	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/collab"
	"codeCollab/backend/internal/httpapi"
	"codeCollab/backend/internal/httpapi/handlers"
	"codeCollab/backend/internal/logging"
	"codeCollab/backend/internal/store"
	"codeCollab/backend/internal/ws"
)

func main() {
	cfg, err := config.Load("relayConfig")
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcOpts := collab.ServiceOptions{IOTimeout: cfg.Relay.IOTimeout, Logger: logger}

	// Redis：在线成员镜像，可选
	var presenceCache cache.PresenceCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
	}

	// MySQL：房间目录（语言），可选
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			logger.Fatal("connect mysql", zap.Error(err))
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		svcOpts.Store = store.NewRoomStore(db)
	}

	// === 初始化 Kafka Producer ===，可选
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Fatal("connect kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.Error(err))
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      logger,
			},
		)
		svcOpts.Events = dispatcher
	}

	svc := collab.NewInMemoryService(svcOpts)
	hub := ws.NewHub(presenceCache, cfg.Relay.PresenceTTL, logger)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Relay.Semaphore), ws.ConnOptions{
		ReadTimeout:   cfg.Relay.ReadTimeout,
		WriteTimeout:  cfg.Relay.WriteTimeout,
		SendQueue:     cfg.Relay.SendQueue,
		MaxFrameBytes: cfg.Relay.MaxFrameBytes,
		SubmitBudget:  cfg.Relay.SubmitBudget,
	}, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: httpapi.NewRouter(manager, handlers.NewRooms(svc, presenceCache), cfg.Running.AllowOrigins),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.RunJanitor(gctx, svc, cfg.Relay.RoomIdleTTL, cfg.Relay.JanitorInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
		defer cancel()
		// 先停止接受新连接，再断开已有 websocket（Shutdown 不管被 hijack 的连接）；
		// hub.Shutdown 返回后不会再有提交，此时才能关闭 Kafka 队列
		err := srv.Shutdown(sctx)
		hub.Shutdown()
		if dispatcher != nil {
			dispatcher.Close()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		os.Exit(1)
	}
}
