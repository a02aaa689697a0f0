package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/iabetor/feedcog/internal/rss"
)

const maxReplyLength = 1900

// RSSCommand 订阅管理命令 "rss"。
type RSSCommand struct {
	poller    *rss.Poller
	store     rss.Store
	overrides *rss.Overrides
}

// NewRSSCommand 创建订阅管理命令。
func NewRSSCommand(poller *rss.Poller, overrides *rss.Overrides) *RSSCommand {
	return &RSSCommand{
		poller:    poller,
		store:     poller.Store(),
		overrides: overrides,
	}
}

func (c *RSSCommand) Name() string { return "rss" }

func (c *RSSCommand) Description() string { return "管理本频道的 RSS 订阅" }

func (c *RSSCommand) Usage() string {
	return strings.Join([]string{
		"rss add <名称> <地址>",
		"rss remove <名称>",
		"rss list",
		"rss force <名称>",
		"rss template <名称> <模板>   (\\n 表示换行)",
		"rss embed <名称> on|off|color <十六进制>|image <标签>|thumbnail <标签>",
		"rss limit <名称> <字符数>   (0 表示不限)",
		"rss allow <名称> add|remove <标签> | clear",
		"rss tags <名称>",
		"rss override add|remove <域名> | list",
	}, "\n")
}

// Execute 实现 Command。
func (c *RSSCommand) Execute(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return c.Usage(), nil
	}
	sub := strings.ToLower(inv.Args[0])
	args := inv.Args[1:]

	switch sub {
	case "list", "tags", "help", "override":
	default:
		if !inv.CanManage {
			return "你没有权限修改本频道的订阅。", nil
		}
	}

	switch sub {
	case "add":
		return c.add(ctx, inv.ChannelID, args)
	case "remove", "delete", "del":
		return c.remove(ctx, inv.ChannelID, args)
	case "list":
		return c.list(ctx, inv.ChannelID)
	case "force":
		return c.force(ctx, inv.ChannelID, args)
	case "template":
		if len(args) < 2 {
			return "用法: rss template <名称> <模板>", nil
		}
		return c.template(ctx, inv.ChannelID, args[0], inv.Rest(2))
	case "embed":
		return c.embed(ctx, inv.ChannelID, args)
	case "limit":
		return c.limit(ctx, inv.ChannelID, args)
	case "allow":
		return c.allow(ctx, inv.ChannelID, args)
	case "tags":
		return c.tags(ctx, inv.ChannelID, args)
	case "override":
		return c.override(ctx, inv, args)
	case "help":
		return c.Usage(), nil
	}
	return fmt.Sprintf("未知子命令 %q。\n%s", sub, c.Usage()), nil
}

func (c *RSSCommand) add(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 2 {
		return "用法: rss add <名称> <地址>", nil
	}
	name, url := args[0], strings.Trim(args[1], "<>")
	_, err := c.poller.Register(ctx, channelID, name, url)
	if err != nil {
		if msg, ok := feedErrorMessage(err); ok {
			return msg, nil
		}
		if errors.Is(err, rss.ErrFeedExists) {
			return fmt.Sprintf("本频道已有名为 %s 的订阅。", name), nil
		}
		return "", err
	}
	return fmt.Sprintf("已添加订阅 %s。", name), nil
}

func (c *RSSCommand) remove(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 1 {
		return "用法: rss remove <名称>", nil
	}
	ok, err := c.store.Delete(ctx, channelID, args[0])
	if err != nil {
		return "", err
	}
	if !ok {
		return notFound(args[0]), nil
	}
	return fmt.Sprintf("已删除订阅 %s。", args[0]), nil
}

func (c *RSSCommand) list(ctx context.Context, channelID string) (string, error) {
	feeds, err := c.store.List(ctx, channelID)
	if err != nil {
		return "", err
	}
	if len(feeds) == 0 {
		return "本频道还没有订阅。", nil
	}
	var b strings.Builder
	b.WriteString("本频道的订阅:\n")
	for _, f := range feeds {
		fmt.Fprintf(&b, "%s: <%s>\n", f.Name, f.URL)
	}
	return firstPage(b.String()), nil
}

func (c *RSSCommand) force(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 1 {
		return "用法: rss force <名称>", nil
	}
	n, err := c.poller.Poll(ctx, channelID, args[0], true)
	if err != nil {
		if errors.Is(err, rss.ErrFeedNotFound) {
			return notFound(args[0]), nil
		}
		if msg, ok := feedErrorMessage(err); ok {
			return msg, nil
		}
		return "", err
	}
	if n == 0 {
		return "最新条目被标签过滤或渲染为空，没有投递。", nil
	}
	return "", nil
}

func (c *RSSCommand) template(ctx context.Context, channelID, name, text string) (string, error) {
	text = strings.ReplaceAll(strings.TrimSpace(text), `\n`, "\n")
	if text == "" {
		return "模板不能为空。", nil
	}
	err := c.mutate(ctx, channelID, name, func(f *rss.FeedConfig) error {
		f.Template = text
		return nil
	})
	if errors.Is(err, rss.ErrFeedNotFound) {
		return notFound(name), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("已更新 %s 的模板。", name), nil
}

func (c *RSSCommand) embed(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 2 {
		return "用法: rss embed <名称> on|off|color <十六进制>|image <标签>|thumbnail <标签>", nil
	}
	name, opt := args[0], strings.ToLower(args[1])
	value := ""
	if len(args) > 2 {
		value = args[2]
	}

	var (
		apply func(*rss.FeedConfig)
		reply string
	)
	switch opt {
	case "on", "off":
		on := opt == "on"
		apply = func(f *rss.FeedConfig) { f.Embed = on }
		reply = fmt.Sprintf("%s 的卡片模式已%s。", name, map[bool]string{true: "开启", false: "关闭"}[on])
	case "color", "colour":
		if value == "" || strings.EqualFold(value, "none") {
			apply = func(f *rss.FeedConfig) { f.EmbedColor = nil }
			reply = fmt.Sprintf("已清除 %s 的卡片颜色。", name)
			break
		}
		color, err := ParseColor(value)
		if err != nil {
			return fmt.Sprintf("无法识别的颜色 %q。", value), nil
		}
		apply = func(f *rss.FeedConfig) { f.EmbedColor = &color }
		reply = fmt.Sprintf("已将 %s 的卡片颜色设为 #%06x。", name, color)
	case "image", "thumbnail":
		tag := strings.TrimPrefix(value, "$")
		if strings.EqualFold(tag, "none") {
			tag = ""
		}
		if opt == "image" {
			apply = func(f *rss.FeedConfig) { f.EmbedImageTag = tag }
		} else {
			apply = func(f *rss.FeedConfig) { f.EmbedThumbnailTag = tag }
		}
		if tag == "" {
			reply = fmt.Sprintf("已清除 %s 的 %s 标签。", name, opt)
		} else {
			reply = fmt.Sprintf("已将 %s 的 %s 标签设为 $%s。", name, opt, tag)
		}
	default:
		return "用法: rss embed <名称> on|off|color <十六进制>|image <标签>|thumbnail <标签>", nil
	}

	err := c.mutate(ctx, channelID, name, func(f *rss.FeedConfig) error {
		apply(f)
		return nil
	})
	if errors.Is(err, rss.ErrFeedNotFound) {
		return notFound(name), nil
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *RSSCommand) limit(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 2 {
		return "用法: rss limit <名称> <字符数>", nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return "字符数必须是非负整数。", nil
	}
	err = c.mutate(ctx, channelID, args[0], func(f *rss.FeedConfig) error {
		f.CharacterLimit = n
		return nil
	})
	if errors.Is(err, rss.ErrFeedNotFound) {
		return notFound(args[0]), nil
	}
	if err != nil {
		return "", err
	}
	if n == 0 {
		return fmt.Sprintf("已取消 %s 的字数限制。", args[0]), nil
	}
	return fmt.Sprintf("已将 %s 的字数限制设为 %d。", args[0], n), nil
}

func (c *RSSCommand) allow(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 2 {
		return "用法: rss allow <名称> add|remove <标签> | clear", nil
	}
	name, op := args[0], strings.ToLower(args[1])
	tag := ""
	if len(args) > 2 {
		tag = strings.ToLower(strings.Join(args[2:], " "))
	}
	if (op == "add" || op == "remove") && tag == "" {
		return "请提供标签。", nil
	}

	var current []string
	err := c.mutate(ctx, channelID, name, func(f *rss.FeedConfig) error {
		switch op {
		case "add":
			for _, t := range f.AllowedTags {
				if t == tag {
					current = f.AllowedTags
					return nil
				}
			}
			f.AllowedTags = append(f.AllowedTags, tag)
		case "remove":
			kept := f.AllowedTags[:0:0]
			for _, t := range f.AllowedTags {
				if t != tag {
					kept = append(kept, t)
				}
			}
			f.AllowedTags = kept
		case "clear":
			f.AllowedTags = nil
		default:
			return errUsage
		}
		current = f.AllowedTags
		return nil
	})
	switch {
	case errors.Is(err, errUsage):
		return "用法: rss allow <名称> add|remove <标签> | clear", nil
	case errors.Is(err, rss.ErrFeedNotFound):
		return notFound(name), nil
	case err != nil:
		return "", err
	}
	if len(current) == 0 {
		return fmt.Sprintf("%s 不再按标签过滤。", name), nil
	}
	return fmt.Sprintf("%s 只投递带有以下标签的条目: %s", name, strings.Join(current, ", ")), nil
}

func (c *RSSCommand) tags(ctx context.Context, channelID string, args []string) (string, error) {
	if len(args) < 1 {
		return "用法: rss tags <名称>", nil
	}
	cfg, err := c.store.Get(ctx, channelID, args[0])
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return notFound(args[0]), nil
	}
	tags, err := c.poller.Tags(ctx, cfg.URL)
	if err != nil {
		if msg, ok := feedErrorMessage(err); ok {
			return msg, nil
		}
		return "", err
	}
	return firstPage(FormatTags(tags)), nil
}

func (c *RSSCommand) override(ctx context.Context, inv Invocation, args []string) (string, error) {
	if c.overrides == nil {
		return "时间覆盖列表不可用。", nil
	}
	if len(args) == 0 || strings.EqualFold(args[0], "list") {
		domains := c.overrides.List()
		if len(domains) == 0 {
			return "时间覆盖列表为空。", nil
		}
		return firstPage("以下域名使用 published 时间:\n" + strings.Join(domains, "\n")), nil
	}
	if !inv.IsOwner {
		return "只有机器人所有者可以修改时间覆盖列表。", nil
	}
	if len(args) < 2 {
		return "用法: rss override add|remove <域名>", nil
	}
	domain := rss.NormalizeDomain(args[1])
	switch strings.ToLower(args[0]) {
	case "add":
		added, err := c.overrides.Add(ctx, domain)
		if err != nil {
			return "", err
		}
		if !added {
			return fmt.Sprintf("%s 已在列表中。", domain), nil
		}
		return fmt.Sprintf("已添加 %s。", domain), nil
	case "remove", "delete", "del":
		removed, err := c.overrides.Remove(ctx, domain)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("%s 不在列表中。", domain), nil
		}
		return fmt.Sprintf("已移除 %s。", domain), nil
	}
	return "用法: rss override add|remove <域名> | list", nil
}

func (c *RSSCommand) mutate(ctx context.Context, channelID, name string, fn func(*rss.FeedConfig) error) error {
	return c.store.Mutate(ctx, channelID, name, fn)
}

var errUsage = errors.New("usage")

// ParseColor 解析 #rrggbb、0xrrggbb 或 rrggbb 形式的颜色。
func ParseColor(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x")
	if len(s) != 6 {
		return 0, fmt.Errorf("颜色必须是 6 位十六进制")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// FormatTags 按名称列出标签及其值，合成标签以 * 标记。
func FormatTags(tags *rss.TagMap) string {
	var b strings.Builder
	for _, name := range tags.Names() {
		v := strings.ReplaceAll(tags.Values[name], "\n", " ")
		if r := []rune(v); len(r) > 60 {
			v = string(r[:60]) + "…"
		}
		mark := ""
		if tags.Special[name] {
			mark = "*"
		}
		fmt.Fprintf(&b, "$%s%s: %s\n", name, mark, v)
	}
	return strings.TrimRight(b.String(), "\n")
}

// feedErrorMessage 把抓取和解析错误转为可以展示的提示。
func feedErrorMessage(err error) (string, bool) {
	var fe *rss.FetchError
	if errors.As(err, &fe) {
		return fe.Message(), true
	}
	var pe *rss.ParseError
	if errors.As(err, &pe) {
		return "该地址的内容不是有效的 RSS/Atom 订阅。", true
	}
	return "", false
}

func notFound(name string) string {
	return fmt.Sprintf("本频道没有名为 %s 的订阅。", name)
}

func firstPage(s string) string {
	pages := rss.Pagify(s, rss.PagifyOptions{Delims: []string{"\n"}, PageLength: maxReplyLength})
	if len(pages) == 0 {
		return ""
	}
	return pages[0]
}
