package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iabetor/feedcog/internal/config"
	"github.com/iabetor/feedcog/internal/logger"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "feedcog",
		Short:         "RSS 订阅轮询与 Discord 投递",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/feedcog.yaml", "配置文件路径")

	rootCmd.AddCommand(newRunCmd(), newTagsCmd(), newRenderCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置并初始化日志。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
