package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iabetor/feedcog/internal/commands"
	"github.com/iabetor/feedcog/internal/config"
	"github.com/iabetor/feedcog/internal/rss"
)

// offlinePoller 不连接 Discord、不读写数据库，只用于查看订阅源。
func offlinePoller(ctx context.Context, cfg *config.Config) (*rss.Poller, error) {
	overrides, err := rss.NewOverrides(ctx, nil, cfg.RSS.TimeOverrides)
	if err != nil {
		return nil, err
	}
	return rss.NewPoller(rss.PollerOptions{
		Overrides:       overrides,
		Fetcher:         newFetcher(cfg),
		Formatter:       newFormatter(cfg),
		DefaultTemplate: cfg.RSS.DefaultTemplate,
	}), nil
}

func newTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tags <url>",
		Short: "列出订阅源最新条目的全部模板标签",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			poller, err := offlinePoller(ctx, cfg)
			if err != nil {
				return err
			}
			tags, err := poller.Tags(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), commands.FormatTags(tags))
			return nil
		},
	}
}

func newRenderCmd() *cobra.Command {
	var template string
	c := &cobra.Command{
		Use:   "render <url>",
		Short: "用模板渲染订阅源最新条目",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			poller, err := offlinePoller(ctx, cfg)
			if err != nil {
				return err
			}
			text, err := poller.Preview(ctx, args[0], strings.ReplaceAll(template, `\n`, "\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	c.Flags().StringVarP(&template, "template", "t", "", "模板，为空时使用默认模板")
	return c
}
