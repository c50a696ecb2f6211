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
	"sync"
	"syscall"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/metrics"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/backend"
	"judgeflow/internal/judge/backend/remote"
	"judgeflow/internal/judge/datacache"
	"judgeflow/internal/judge/lock"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/priority"
	"judgeflow/internal/judge/queue"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/router"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/server"
	"judgeflow/internal/judge/service"
	"judgeflow/internal/judge/task"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_server.yaml"

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
	metrics.Register()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var records repository.RecordStore
	switch appCfg.Store.Records {
	case driverMySQL:
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
		if err != nil {
			logger.Error(context.Background(), "init database failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		mysqlStore := repository.NewMySQLStore(mysqlDB)
		if err := mysqlStore.EnsureSchema(context.Background()); err != nil {
			logger.Error(context.Background(), "ensure record schema failed", zap.Error(err))
			return
		}
		records = mysqlStore
	default:
		records = repository.NewMemoryStore()
	}

	var taskQueue queue.Queue
	switch appCfg.Store.Queue {
	case driverRedis:
		taskQueue = queue.NewRedisQueue(redisCache, appCfg.Store.QueuePrefix, appCfg.Store.LeaseTTL)
	default:
		taskQueue = queue.NewMemoryQueue(appCfg.Store.LeaseTTL)
	}

	var (
		objStorage storage.ObjectStorage
		memBlob    *storage.MemoryStorage
	)
	switch appCfg.Store.Blob {
	case driverMinIO:
		objStorage, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
	default:
		memBlob = storage.NewMemoryStorage(appCfg.Server.PublicURL + defaultBlobPath)
		objStorage = memBlob
	}

	var mqClient *mq.KafkaQueue
	var publisher repository.ChangePublisher
	if appCfg.Kafka.enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
		publisher = repository.NewMQChangePublisher(mqClient, appCfg.Kafka.ChangeTopic)
	}

	statusRepo := repository.NewStatusRepository(redisCache, appCfg.Store.StatusTTL)
	resultRouter := router.New(router.Config{
		Store:     records,
		Tasks:     taskQueue,
		Status:    statusRepo,
		Publisher: publisher,
	})
	problems := service.NewStorageProblems(objStorage, appCfg.Judge.Bucket, appCfg.Problem.CacheTTL, appCfg.Problem.Timeout)
	recordSvc, err := service.NewRecordService(service.Config{
		Store:       records,
		Queue:       taskQueue,
		Problems:    problems,
		Priority:    priority.NewEstimator(records, 0),
		Broadcaster: resultRouter,
	})
	if err != nil {
		logger.Error(context.Background(), "init record service failed", zap.Error(err))
		return
	}

	srv, err := server.New(appCfg.Judge, server.Deps{
		Storage:   objStorage,
		Problems:  problems,
		Records:   recordSvc,
		Status:    statusRepo,
		Store:     records,
		Queue:     taskQueue,
		Router:    resultRouter,
		Languages: appCfg.Languages,
	})
	if err != nil {
		logger.Error(context.Background(), "init judge server failed", zap.Error(err))
		return
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	var workers sync.WaitGroup
	goWorker := func(fn func(ctx context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(runCtx)
		}()
	}
	goWorker(func(ctx context.Context) { queue.RunReaper(ctx, taskQueue, appCfg.ReapInterval) })

	if appCfg.Builtin.Enabled || appCfg.Remote.Enabled {
		scheduler, pruner, err := buildJudger(appCfg, objStorage, redisCache, records, resultRouter)
		if err != nil {
			logger.Error(context.Background(), "init builtin judge failed", zap.Error(err))
			return
		}
		if appCfg.Builtin.Enabled {
			consumer := queue.NewConsumer(taskQueue, appCfg.Builtin.Consumer).OnRetry(resultRouter.Restart)
			goWorker(func(ctx context.Context) { consumer.Run(ctx, model.TaskTypeJudge, scheduler.HandleTask) })
		}
		if appCfg.Remote.Enabled {
			consumer := queue.NewConsumer(taskQueue, appCfg.Remote.Consumer).OnRetry(resultRouter.Restart)
			goWorker(func(ctx context.Context) { consumer.Run(ctx, model.TaskTypeRemoteJudge, scheduler.HandleTask) })
		}
		goWorker(func(ctx context.Context) { runPruner(ctx, pruner, appCfg.Builtin.PruneInterval, appCfg.Builtin.PruneAge) })
	}

	if mqClient != nil {
		intake := service.NewIntake(recordSvc)
		if err := intake.Subscribe(context.Background(), mqClient, appCfg.Kafka.SubmissionTopic, appCfg.Kafka.subscribeOptions()); err != nil {
			logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
			return
		}
		if err := mqClient.Start(); err != nil {
			logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
			return
		}
	}

	httpServer := buildHTTPServer(appCfg.Server, srv, memBlob)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "judge server started", zap.String("addr", appCfg.Server.Addr),
			zap.String("queue", appCfg.Store.Queue), zap.String("records", appCfg.Store.Records), zap.String("blob", appCfg.Store.Blob))
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
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	cancelRun()
	workers.Wait()
}

// buildJudger wires the in-process judge: the local data cache, the sandbox
// client and the remote judge providers all feed one Runner.
func buildJudger(appCfg *AppConfig, objStorage storage.ObjectStorage, redisCache *cache.RedisCache, records repository.RecordStore, sink backend.EventSink) (*service.Scheduler, *datacache.LockedSynchronizer, error) {
	syncer, err := datacache.NewSynchronizer(appCfg.Builtin.Cache, datacache.NewStorageFetcher(objStorage, appCfg.Judge.Bucket))
	if err != nil {
		return nil, nil, err
	}
	// The lock is keyed by host since every server keeps its own cache root.
	locker := lock.NewRedisLock(redisCache, appCfg.Builtin.LockTTL, 0)
	dataCache := datacache.NewLockedSynchronizer(syncer, locker, hostname())

	langs := backend.NewLanguages(appCfg.Languages)
	host, err := backend.NewBuiltin(backend.BuiltinConfig{Bucket: appCfg.Judge.Bucket, TmpDir: appCfg.Builtin.TmpDir}, dataCache, objStorage, langs, sink)
	if err != nil {
		return nil, nil, err
	}

	var exec sandbox.Executor
	if appCfg.Builtin.Enabled {
		client, err := sandbox.NewClient(appCfg.Builtin.Sandbox)
		if err != nil {
			return nil, nil, err
		}
		exec = client
	}
	var remoteJudge task.RemoteJudge
	if appCfg.Remote.Enabled {
		cookies := remote.NewRedisCookies(redisCache, "judge:remote:cookie:", appCfg.Remote.CookieTTL)
		remoteJudge = remote.NewJudge(map[string]remote.Provider{
			"csgoj": remote.NewCSGOJ(appCfg.Remote.CSGOJ, cookies, nil),
		})
	}
	runner := task.NewRunner(host, exec, remoteJudge, appCfg.Builtin.Runner)
	return service.NewScheduler(records, runner), dataCache, nil
}

func runPruner(ctx context.Context, dataCache *datacache.LockedSynchronizer, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := dataCache.Prune(ctx, age)
			if err != nil {
				logger.Warn(ctx, "prune data cache failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info(ctx, "pruned data cache", zap.Int("sources", n))
			}
		}
	}
}

func buildHTTPServer(cfg ServerConfig, srv *server.Server, blob *storage.MemoryStorage) *http.Server {
	handler := srv.Handler()
	if blob != nil {
		mux := http.NewServeMux()
		mux.Handle(defaultBlobPath+"/", http.StripPrefix(defaultBlobPath, blob))
		mux.Handle("/", handler)
		handler = mux
	}
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
