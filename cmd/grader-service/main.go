package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	commonmw "autograder/internal/common/http/middleware"
	"autograder/internal/common/mq"
	"autograder/internal/common/storage"
	"autograder/internal/grader/controller"
	"autograder/internal/grader/repository"
	"autograder/internal/grader/sandbox"
	"autograder/internal/grader/sandbox/config"
	"autograder/internal/grader/sandbox/engine"
	"autograder/internal/grader/sandbox/observer"
	"autograder/internal/grader/sandbox/runner"
	"autograder/internal/grader/service"
	"autograder/internal/grader/suite"
	"autograder/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	localRepo := config.NewLocalRepository(appCfg.Toolchain.Toolchains, appCfg.Toolchain.Profiles)
	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), localRepo)
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}
	jobRunner := runner.NewRunnerWithObserver(eng, observer.LoggingMetricsRecorder{})

	statusRepo := repository.NewStatusRepository(redisCache, appCfg.Status.TTL)
	reporter := service.NewReporter(statusRepo, appCfg.Status.Timeout)
	worker := sandbox.NewWorker(jobRunner, eng, localRepo, localRepo, reporter)

	reportRepo := repository.NewReportRepository(mysqlDB)
	assignmentRepo := repository.NewAssignmentRepository(mysqlDB, redisCache)
	statusPublisher := repository.NewMQStatusEventPublisher(mqClient, appCfg.Status.FinalTopic)
	suiteCache := suite.NewSuiteCache(appCfg.Cache.RootDir, appCfg.Cache.TTL, appCfg.Cache.LockWait, appCfg.Cache.MaxEntries, appCfg.Cache.MaxBytes, appCfg.Cache.Bucket, objStorage, redisCache)

	gradeSvc, err := service.NewService(service.Config{
		Worker:            worker,
		StatusRepo:        statusRepo,
		ReportRepo:        reportRepo,
		Publisher:         statusPublisher,
		AssignmentRepo:    assignmentRepo,
		SuiteCache:        suiteCache,
		Storage:           objStorage,
		SourceBucket:      appCfg.Source.Bucket,
		WorkRoot:          appCfg.Grader.WorkRoot,
		WorkerTimeout:     appCfg.Worker.Timeout,
		StorageTimeout:    appCfg.Source.Timeout,
		StatusTimeout:     appCfg.Status.Timeout,
		WorkerPoolSize:    appCfg.Worker.PoolSize,
		Queue:             mqClient,
		RetryTopic:        appCfg.Kafka.RetryTopic,
		DeadLetterTopic:   appCfg.Kafka.DeadLetter,
		PoolRetryMax:      appCfg.Kafka.PoolRetryMax,
		PoolRetryBase:     appCfg.Kafka.PoolRetryBase,
		PoolRetryMaxDelay: appCfg.Kafka.PoolRetryMaxD,
	})
	if err != nil {
		logger.Error(context.Background(), "init grader service failed", zap.Error(err))
		return
	}

	if len(appCfg.Kafka.Topics) == 0 {
		logger.Error(context.Background(), "kafka topics are required")
		return
	}
	weights := appCfg.Kafka.TopicWeights
	if len(weights) == 0 {
		weights = defaultTopicWeights(appCfg.Kafka.Topics)
	}
	weightedTopics := make([]mq.WeightedTopic, 0, len(appCfg.Kafka.Topics))
	for _, topic := range appCfg.Kafka.Topics {
		weight, ok := weights[topic]
		if !ok || weight <= 0 {
			logger.Error(context.Background(), "invalid topic weight", zap.String("topic", topic), zap.Int("weight", weight))
			return
		}
		weightedTopics = append(weightedTopics, mq.WeightedTopic{Topic: topic, Weight: weight})
	}

	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize)
	err = mqClient.SubscribeWeighted(context.Background(), weightedTopics, gradeSvc.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		PrefetchCount:   appCfg.Kafka.PrefetchCount,
		Concurrency:     appCfg.Kafka.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
		MessageTTL:      appCfg.Kafka.MessageTTL,
	}, limiter)
	if err != nil {
		logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, gradeSvc)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grader http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, svc *service.Service) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	api := router.Group("/api/v1/grader")
	graderController := controller.NewGraderController(svc)
	api.GET("/submissions/:id", graderController.GetStatus)
	api.POST("/submissions/:id/confirm", graderController.ConfirmReview)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
