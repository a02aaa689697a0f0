package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iabetor/feedcog/internal/commands"
	"github.com/iabetor/feedcog/internal/config"
	"github.com/iabetor/feedcog/internal/database"
	"github.com/iabetor/feedcog/internal/discord"
	"github.com/iabetor/feedcog/internal/logger"
	"github.com/iabetor/feedcog/internal/rss"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "连接 Discord 并启动订阅轮询",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	logger.Infof("[main] 数据库: %s", db.Path())

	overrides, err := rss.NewOverrides(ctx, db, cfg.RSS.TimeOverrides)
	if err != nil {
		return fmt.Errorf("加载时间覆盖域名失败: %w", err)
	}
	metrics := rss.NewMetrics(prometheus.DefaultRegisterer)

	registry := commands.NewRegistry()
	bot, err := discord.NewBot(cfg.Discord, registry)
	if err != nil {
		return err
	}

	store := rss.NewSQLStore(db)
	poller := rss.NewPoller(rss.PollerOptions{
		Store:           store,
		Overrides:       overrides,
		Fetcher:         newFetcher(cfg),
		Formatter:       newFormatter(cfg),
		Sender:          bot,
		Metrics:         metrics,
		DefaultTemplate: cfg.RSS.DefaultTemplate,
	})
	registry.Register(commands.NewRSSCommand(poller, overrides))
	logger.Infof("[main] 已注册 %d 个命令", registry.Count())

	if err := bot.Start(); err != nil {
		return err
	}
	defer bot.Stop()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr)
		defer srv.Close()
	}

	scheduler := rss.NewScheduler(rss.SchedulerOptions{
		Store:    store,
		Poller:   poller,
		Channels: bot,
		Pacing: rss.Pacing{
			PassBudget:  seconds(cfg.RSS.PassBudget),
			DrainBudget: seconds(cfg.RSS.DrainBudget),
			Threshold:   cfg.RSS.QueueThreshold,
			ItemDelay:   seconds(cfg.RSS.ItemDelay),
		},
		RestartDelay: seconds(cfg.RSS.RestartDelay),
		Metrics:      metrics,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("[main] 收到信号 %v，正在关闭...", sig)
		cancel()
	}()

	logger.Info("[main] feedcog 已启动")
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("调度器异常退出: %w", err)
	}
	logger.Info("[main] feedcog 已关闭")
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[main] 指标端点退出: %v", err)
		}
	}()
	logger.Infof("[main] 指标端点: http://%s/metrics", addr)
	return srv
}

func newFetcher(cfg *config.Config) *rss.Fetcher {
	return rss.NewFetcher(rss.FetcherOptions{
		Timeout:      seconds(cfg.RSS.FetchTimeout),
		UserAgent:    cfg.RSS.UserAgent,
		HostInterval: time.Duration(cfg.RSS.HostIntervalMs) * time.Millisecond,
	})
}

func newFormatter(cfg *config.Config) *rss.Formatter {
	return &rss.Formatter{
		Images:           rss.NewImageProber(nil, cfg.RSS.ImageProbeBytes, cfg.RSS.UserAgent),
		MaxMessageLength: cfg.RSS.MaxMessageLength,
		MaxEmbedLength:   cfg.RSS.MaxEmbedLength,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
