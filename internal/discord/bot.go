// Package discord 把 discordgo 会话适配为订阅投递器和命令入口。
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/iabetor/feedcog/internal/commands"
	"github.com/iabetor/feedcog/internal/config"
	"github.com/iabetor/feedcog/internal/logger"
	"github.com/iabetor/feedcog/internal/rss"
)

const (
	maxContentLength = 2000
	commandTimeout   = 60 * time.Second

	sessionCreateError = "创建 Discord 会话失败: %w"
	sessionOpenError   = "连接 Discord 网关失败: %w"
)

// api 机器人用到的 discordgo 会话方法。
type api interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// Bot Discord 机器人。
type Bot struct {
	session  *discordgo.Session
	api      api
	selfID   func() string
	registry *commands.Registry
	prefix   string
	ownerID  string
	log      *zap.SugaredLogger
}

// NewBot 创建 Discord 机器人，Start 之前不会连接网关。
func NewBot(cfg config.DiscordConfig, registry *commands.Registry) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("未配置 discord.token")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf(sessionCreateError, err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent

	bot := &Bot{
		session:  session,
		api:      session,
		registry: registry,
		prefix:   cfg.Prefix,
		ownerID:  cfg.OwnerID,
		log:      logger.Named("discord"),
	}
	bot.selfID = func() string {
		if session.State != nil && session.State.User != nil {
			return session.State.User.ID
		}
		return ""
	}

	session.AddHandler(bot.messageHandler)
	return bot, nil
}

// Start 连接网关。
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf(sessionOpenError, err)
	}
	b.log.Infof("[discord] 已连接，命令前缀 %q", b.prefix)
	return nil
}

// Stop 断开连接。
func (b *Bot) Stop() error {
	return b.session.Close()
}

// Send 实现 rss.Sender。频道已删除或没有权限时返回 rss.ErrNoPermission。
func (b *Bot) Send(ctx context.Context, channelID string, d rss.Deliverable) error {
	_, err := b.api.ChannelMessageSendComplex(channelID, toMessage(d), discordgo.WithContext(ctx))
	if err != nil {
		if isPermissionError(err) {
			return fmt.Errorf("%w: %v", rss.ErrNoPermission, err)
		}
		return fmt.Errorf("发送消息到频道 %s 失败: %w", channelID, err)
	}
	return nil
}

// Reachable 实现 rss.Sender：频道存在，且机器人可以查看并发言。
func (b *Bot) Reachable(ctx context.Context, channelID string) bool {
	ch, err := b.api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil || ch == nil {
		return false
	}
	if ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM {
		return true
	}
	self := b.selfID()
	if self == "" {
		return true
	}
	perms, err := b.api.UserChannelPermissions(self, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false
	}
	need := int64(discordgo.PermissionViewChannel | discordgo.PermissionSendMessages)
	return perms&need == need
}

// toMessage 把投递内容转换为 discordgo 消息，不触发任何提及。
func toMessage(d rss.Deliverable) *discordgo.MessageSend {
	msg := &discordgo.MessageSend{
		Content:         d.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if d.Embed == nil {
		return msg
	}
	e := &discordgo.MessageEmbed{Description: d.Embed.Description}
	if d.Embed.Color != nil {
		e.Color = *d.Embed.Color
	}
	if d.Embed.ImageURL != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: d.Embed.ImageURL}
	}
	if d.Embed.ThumbnailURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: d.Embed.ThumbnailURL}
	}
	if d.Embed.Timestamp != nil {
		e.Timestamp = d.Embed.Timestamp.UTC().Format(time.RFC3339)
	}
	msg.Embeds = []*discordgo.MessageEmbed{e}
	return msg
}

// isPermissionError 判断错误是否表示频道不可达。
func isPermissionError(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeUnknownChannel:
			return true
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}

// messageHandler 处理带前缀的聊天命令。
func (b *Bot) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, ok := b.handle(ctx, m.Message)
	if !ok || reply == "" {
		return
	}
	for _, page := range rss.Pagify(reply, rss.PagifyOptions{Delims: []string{"\n"}, PageLength: maxContentLength}) {
		if _, err := b.api.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
			Content:         page,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}, discordgo.WithContext(ctx)); err != nil {
			b.log.Warnf("[discord] 回复命令失败: %v", err)
			return
		}
	}
}

// handle 解析并执行一条消息中的命令，返回回复文本。消息不是命令时 ok 为 false。
func (b *Bot) handle(ctx context.Context, m *discordgo.Message) (string, bool) {
	if b.prefix == "" || !strings.HasPrefix(m.Content, b.prefix) {
		return "", false
	}
	name, inv := commands.Parse(strings.TrimPrefix(m.Content, b.prefix))
	if name == "" {
		return "", false
	}
	if name == "help" {
		return b.registry.Help(), true
	}
	if _, ok := b.registry.Get(name); !ok {
		return "", false
	}

	inv.ChannelID = m.ChannelID
	inv.AuthorID = m.Author.ID
	inv.IsOwner = b.ownerID != "" && m.Author.ID == b.ownerID
	inv.CanManage = inv.IsOwner || b.canManage(ctx, m)

	reply, err := b.registry.Execute(ctx, name, inv)
	if err != nil {
		b.log.Errorw("[discord] 命令执行失败", "command", name, "channel", m.ChannelID, "error", err)
		return "命令执行失败，请稍后再试。", true
	}
	return reply, true
}

// canManage 私信中总是允许，服务器中需要管理频道权限。
func (b *Bot) canManage(ctx context.Context, m *discordgo.Message) bool {
	if m.GuildID == "" {
		return true
	}
	perms, err := b.api.UserChannelPermissions(m.Author.ID, m.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0 ||
		perms&discordgo.PermissionManageChannels != 0 ||
		perms&discordgo.PermissionManageServer != 0
}
