// Package rss 实现订阅源的轮询、比对、模板渲染和投递。
package rss

import (
	"errors"
	"strings"
	"time"
)

// DefaultTemplate 新订阅使用的默认模板。
const DefaultTemplate = "$title\n$link"

var (
	// ErrFeedNotFound 频道中不存在该名称的订阅。
	ErrFeedNotFound = errors.New("rss: feed not found")
	// ErrFeedExists 频道中已存在同名订阅（不区分大小写）。
	ErrFeedExists = errors.New("rss: feed already exists")
	// ErrNoPermission 频道已不可达（被删除或没有发送权限）。
	ErrNoPermission = errors.New("rss: channel unreachable")
	// ErrRenderSkipped 条目被标签过滤或渲染结果为空，不投递。
	ErrRenderSkipped = errors.New("rss: render skipped")
)

// FeedConfig 频道内一个订阅的持久化配置与最近投递状态。
type FeedConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`

	LastTitle string `json:"last_title"`
	LastLink  string `json:"last_link"`
	// LastTime 为 nil 表示订阅或条目从未提供时间字段。
	LastTime *int64 `json:"last_time,omitempty"`

	Template          string   `json:"template"`
	Embed             bool     `json:"embed"`
	EmbedColor        *int     `json:"embed_color,omitempty"`
	EmbedImageTag     string   `json:"embed_image,omitempty"`
	EmbedThumbnailTag string   `json:"embed_thumbnail,omitempty"`
	CharacterLimit    int      `json:"character_limit"`
	AllowedTags       []string `json:"allowed_tags,omitempty"`
}

// NewFeedConfig 按默认值创建订阅配置。
func NewFeedConfig(name, url string) FeedConfig {
	return FeedConfig{
		Name:     name,
		URL:      url,
		Template: DefaultTemplate,
		Embed:    true,
	}
}

// Key 返回不区分大小写的订阅键。
func (c FeedConfig) Key() string {
	return NameKey(c.Name)
}

// NameKey 将订阅名称规范化为存储键。
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Seen 记录已投递的最新条目身份。三个字段总是一起更新。
func (c *FeedConfig) Seen(title, link string, ts *int64) {
	c.LastTitle = title
	c.LastLink = link
	if ts == nil {
		c.LastTime = nil
		return
	}
	v := *ts
	c.LastTime = &v
}

// Clone 返回深拷贝，入队快照使用。
func (c FeedConfig) Clone() FeedConfig {
	out := c
	if c.LastTime != nil {
		v := *c.LastTime
		out.LastTime = &v
	}
	if c.EmbedColor != nil {
		v := *c.EmbedColor
		out.EmbedColor = &v
	}
	if c.AllowedTags != nil {
		out.AllowedTags = append([]string(nil), c.AllowedTags...)
	}
	return out
}

// Kind 条目字段值的类型。
type Kind int

const (
	KindText Kind = iota
	KindHTML
	KindTime
	KindList
	KindDict
)

var kindNames = [...]string{"text", "html", "time", "list", "dict"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value 条目字段的值：文本、HTML、时间、列表或字典之一。
type Value struct {
	Kind Kind
	Text string // KindText / KindHTML 的内容，KindTime 的原始字符串
	Time time.Time
	List []Value
	Dict *Entry
}

// Text 构造纯文本值。
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// HTML 构造带有 HTML 标记的值。
func HTML(s string) Value { return Value{Kind: KindHTML, Text: s} }

// Time 构造时间值，raw 为订阅中的原始字符串。
func Time(raw string, t time.Time) Value { return Value{Kind: KindTime, Text: raw, Time: t} }

// List 构造列表值。
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict 构造字典值。
func Dict(e *Entry) Value { return Value{Kind: KindDict, Dict: e} }

// String 返回值的文本表示，列表和字典返回空串。
func (v Value) String() string {
	switch v.Kind {
	case KindText, KindHTML:
		return v.Text
	case KindTime:
		if v.Text != "" {
			return v.Text
		}
		return v.Time.Format(time.RFC1123Z)
	}
	return ""
}

// Entry 保持插入顺序的字段映射。不同订阅暴露的字段各不相同。
type Entry struct {
	keys   []string
	values map[string]Value
}

// NewEntry 创建空条目。
func NewEntry() *Entry {
	return &Entry{values: make(map[string]Value)}
}

// Set 设置字段，已存在的字段保持原位置。
func (e *Entry) Set(key string, v Value) {
	if e.values == nil {
		e.values = make(map[string]Value)
	}
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = v
}

// Get 读取字段。
func (e *Entry) Get(key string) (Value, bool) {
	if e == nil {
		return Value{}, false
	}
	v, ok := e.values[key]
	return v, ok
}

// Text 读取字段的文本，不存在时返回空串。
func (e *Entry) Text(key string) string {
	v, _ := e.Get(key)
	return v.String()
}

// TimeOf 读取时间字段。
func (e *Entry) TimeOf(key string) (time.Time, bool) {
	v, ok := e.Get(key)
	if !ok || v.Kind != KindTime || v.Time.IsZero() {
		return time.Time{}, false
	}
	return v.Time, true
}

// Keys 按插入顺序返回字段名。
func (e *Entry) Keys() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.keys...)
}

// Len 返回字段数量。
func (e *Entry) Len() int {
	if e == nil {
		return 0
	}
	return len(e.keys)
}

// ParsedFeed 一次轮询解析出的订阅内容。
type ParsedFeed struct {
	Title   string
	Entries []*Entry
	// Header 订阅头信息；没有条目时作为唯一的合成条目使用。
	Header *Entry
}

// Newest 返回排序后的第一条条目。
func (f *ParsedFeed) Newest() (*Entry, bool) {
	if f == nil || len(f.Entries) == 0 {
		return nil, false
	}
	return f.Entries[0], true
}
