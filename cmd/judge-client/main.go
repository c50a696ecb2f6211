package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"judgeflow/internal/judge/backend"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/task"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_client.yaml"

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

	exec, err := sandbox.NewClient(appCfg.Sandbox)
	if err != nil {
		logger.Error(context.Background(), "init sandbox client failed", zap.Error(err))
		return
	}

	hosts := make([]*backend.SocketHost, 0, len(appCfg.Hosts))
	for _, hc := range appCfg.Hosts {
		host, err := backend.NewSocketHost(hc, nil)
		if err != nil {
			logger.Error(context.Background(), "init judge host failed", zap.String("server", hc.ServerURL), zap.Error(err))
			return
		}
		hosts = append(hosts, host)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, host := range hosts {
		runnerCfg := appCfg.Runner
		if runnerCfg.Judger == "" {
			runnerCfg.Judger = host.Host()
		}
		runner := task.NewRunner(host, exec, nil, runnerCfg)
		wg.Add(2)
		go func(host *backend.SocketHost) {
			defer wg.Done()
			logger.Info(ctx, "judge host started", zap.String("host", host.Host()))
			if err := host.Run(ctx, func(ctx context.Context, t model.Task) {
				if err := runner.Handle(ctx, model.MergeTask(nil, t)); err != nil {
					logger.Error(ctx, "judge task failed", zap.String("rid", t.RecordID), zap.Error(err))
				}
			}); err != nil {
				logger.Error(ctx, "judge host stopped", zap.String("host", host.Host()), zap.Error(err))
			}
		}(host)
		go func(host *backend.SocketHost) {
			defer wg.Done()
			prune(ctx, host, appCfg.PruneInterval, appCfg.PruneAge)
		}(host)
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultShutdownTimeout):
		logger.Warn(context.Background(), "running tasks did not finish before shutdown")
	}
}

func prune(ctx context.Context, host *backend.SocketHost, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := host.Prune(ctx, age)
			if err != nil {
				logger.Warn(ctx, "prune data cache failed", zap.String("host", host.Host()), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info(ctx, "pruned data cache", zap.String("host", host.Host()), zap.Int("sources", n))
			}
		}
	}
}
