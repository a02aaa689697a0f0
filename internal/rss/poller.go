package rss

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/iabetor/feedcog/internal/logger"
)

// FeedFetcher 抓取订阅源原始内容。
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Sender 向频道投递消息。频道不可达时返回 ErrNoPermission。
type Sender interface {
	Send(ctx context.Context, channelID string, d Deliverable) error
	Reachable(ctx context.Context, channelID string) bool
}

// PollerOptions 轮询器依赖，服务启动时创建一次。
type PollerOptions struct {
	Store     Store
	Overrides DomainSet
	Fetcher   FeedFetcher
	Formatter *Formatter
	Sender    Sender
	Metrics   *Metrics
	// DefaultTemplate 新订阅的模板，为空时使用 DefaultTemplate。
	DefaultTemplate string
}

// Poller 串起 抓取 → 解析 → 比对 → 提取标签 → 渲染 → 格式化 → 投递 的流程。
type Poller struct {
	store     Store
	overrides DomainSet
	fetcher   FeedFetcher
	formatter *Formatter
	sender    Sender
	metrics   *Metrics
	template  string
	log       *zap.SugaredLogger
}

// NewPoller 创建轮询器。
func NewPoller(opts PollerOptions) *Poller {
	if opts.Formatter == nil {
		opts.Formatter = &Formatter{}
	}
	if opts.DefaultTemplate == "" {
		opts.DefaultTemplate = DefaultTemplate
	}
	return &Poller{
		store:     opts.Store,
		overrides: opts.Overrides,
		fetcher:   opts.Fetcher,
		formatter: opts.Formatter,
		sender:    opts.Sender,
		metrics:   opts.Metrics,
		template:  opts.DefaultTemplate,
		log:       logger.Named("rss"),
	}
}

// Store 返回订阅存储。
func (p *Poller) Store() Store { return p.store }

// load 抓取并解析订阅源，条目按时间从新到旧排序。
func (p *Poller) load(ctx context.Context, url string) (*ParsedFeed, error) {
	body, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	feed, err := Parse(body)
	if err != nil {
		return nil, err
	}
	SortEntries(feed, url, p.overrides)
	return feed, nil
}

// Register 校验订阅源并添加到频道。
// 最近投递状态设为当前最新条目，不投递任何已有内容。
func (p *Poller) Register(ctx context.Context, channelID, name, url string) (FeedConfig, error) {
	name = strings.TrimSpace(name)
	url = strings.TrimSpace(url)
	if name == "" || url == "" {
		return FeedConfig{}, fmt.Errorf("订阅名称和地址不能为空")
	}
	existing, err := p.store.Get(ctx, channelID, name)
	if err != nil {
		return FeedConfig{}, err
	}
	if existing != nil {
		return FeedConfig{}, ErrFeedExists
	}

	feed, err := p.load(ctx, url)
	if err != nil {
		return FeedConfig{}, err
	}

	cfg := NewFeedConfig(name, url)
	cfg.Template = p.template
	if newest, ok := feed.Newest(); ok {
		cfg.Seen(newest.Text("title"), newest.Text("link"), EntryTime(newest, url, p.overrides))
	}
	if err := p.store.Set(ctx, channelID, cfg); err != nil {
		return FeedConfig{}, err
	}
	p.log.Infof("[rss] 频道 %s 添加订阅 %s: %s", channelID, name, url)
	return cfg, nil
}

// Poll 对一个订阅执行一次完整的轮询，返回投递的消息数。
// force 时重新投递最新一条，不修改最近投递状态。
func (p *Poller) Poll(ctx context.Context, channelID, name string, force bool) (int, error) {
	cfg, err := p.store.Get(ctx, channelID, name)
	if err != nil {
		return 0, err
	}
	if cfg == nil {
		return 0, ErrFeedNotFound
	}

	feed, err := p.load(ctx, cfg.URL)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			p.metrics.poll("fetch_error")
		} else {
			p.metrics.poll("parse_error")
		}
		return 0, err
	}

	res := Diff(feed, *cfg, p.overrides, force)
	if res.UpdateState {
		err := p.store.Mutate(ctx, channelID, cfg.Name, func(c *FeedConfig) error {
			c.Seen(res.NewestTitle, res.NewestLink, res.NewestTime)
			return nil
		})
		if errors.Is(err, ErrFeedNotFound) {
			// 轮询过程中订阅被删除
			p.metrics.poll("removed")
			return 0, nil
		}
		if err != nil {
			p.metrics.poll("store_error")
			return 0, err
		}
		p.log.Debugf("[rss] %s/%s 最近投递更新为 %q, %s", channelID, cfg.Name, res.NewestTitle, formatUnix(res.NewestTime))
	}
	p.metrics.poll("ok")

	sent := 0
	for _, entry := range res.Entries {
		n, err := p.deliver(ctx, channelID, *cfg, entry)
		sent += n
		if errors.Is(err, ErrNoPermission) {
			return sent, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			p.log.Warnw("[rss] 投递失败", "channel", channelID, "feed", cfg.Name, "url", cfg.URL, "error", err)
		}
	}
	return sent, nil
}

// deliver 渲染并投递一条条目。
func (p *Poller) deliver(ctx context.Context, channelID string, cfg FeedConfig, entry *Entry) (int, error) {
	tags := Extract(entry, cfg.URL)
	text, err := Render(cfg, tags)
	if errors.Is(err, ErrRenderSkipped) {
		p.metrics.skip()
		p.log.Debugf("[rss] 跳过条目 %q（订阅 %s）", entry.Text("title"), cfg.Name)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, d := range p.formatter.Format(ctx, text, cfg, tags) {
		if err := p.sender.Send(ctx, channelID, d); err != nil {
			return sent, err
		}
		sent++
		p.metrics.delivered()
	}
	return sent, nil
}

// Tags 返回订阅源最新条目的标签，按名称排序。
func (p *Poller) Tags(ctx context.Context, url string) (*TagMap, error) {
	feed, err := p.load(ctx, url)
	if err != nil {
		return nil, err
	}
	newest, ok := feed.Newest()
	if !ok {
		return nil, fmt.Errorf("订阅源中没有条目")
	}
	return Extract(newest, url), nil
}

// Preview 用模板渲染订阅源最新条目，不考虑标签过滤和字数限制。
func (p *Poller) Preview(ctx context.Context, url, template string) (string, error) {
	tags, err := p.Tags(ctx, url)
	if err != nil {
		return "", err
	}
	if template == "" {
		template = p.template
	}
	return Substitute(template, tags, feedTitle(url)), nil
}

func feedTitle(url string) string {
	if host := hostOf(url); host != "" {
		return host
	}
	return url
}
