package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultMessageLength = 2000
	defaultEmbedLength   = 4096
	defaultProbeBytes    = 512
	probeTimeout         = 10 * time.Second
)

// Embed 一张富文本卡片。
type Embed struct {
	Description  string
	Color        *int
	ImageURL     string
	ThumbnailURL string
	Timestamp    *time.Time
}

// Deliverable 一次发送的内容：一条普通消息或一张卡片。
type Deliverable struct {
	Content string
	Embed   *Embed
}

// ImageValidator 判断 URL 是否指向可以嵌入的图片。
type ImageValidator interface {
	ValidImage(ctx context.Context, rawURL string) bool
}

// ImageProber 只下载开头若干字节来判断图片类型。
type ImageProber struct {
	client *http.Client
	bytes  int
	agent  string
}

// NewImageProber 创建图片探测器。
func NewImageProber(client *http.Client, probeBytes int, userAgent string) *ImageProber {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	if probeBytes <= 0 {
		probeBytes = defaultProbeBytes
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &ImageProber{client: client, bytes: probeBytes, agent: userAgent}
}

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/jpeg": true,
}

// ValidImage 实现 ImageValidator。失败一律视为不可用，不向用户报错。
func (p *ImageProber) ValidImage(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", p.agent)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.bytes-1))

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, int64(p.bytes)))
	if err != nil || len(head) == 0 {
		return false
	}
	return allowedImageTypes[sniffImage(head)]
}

// sniffImage 根据文件头返回 MIME 类型，不带参数。
func sniffImage(head []byte) string {
	ct, _, _ := strings.Cut(mimetype.Detect(head).String(), ";")
	return strings.TrimSpace(ct)
}

// Formatter 把渲染后的文本切分为可投递的消息。
type Formatter struct {
	Images           ImageValidator
	MaxMessageLength int
	MaxEmbedLength   int
}

// Format 生成投递内容。
// 普通消息按行分页；卡片模式下颜色用于每张卡片，缩略图只放在第一张，
// 图片和时间页脚只放在最后一张。
func (f *Formatter) Format(ctx context.Context, text string, cfg FeedConfig, tags *TagMap) []Deliverable {
	if !cfg.Embed {
		limit := orDefaultLen(f.MaxMessageLength, defaultMessageLength)
		var out []Deliverable
		for _, page := range Pagify(text, PagifyOptions{Delims: []string{"\n"}, PageLength: limit}) {
			out = append(out, Deliverable{Content: page})
		}
		return out
	}

	limit := orDefaultLen(f.MaxEmbedLength, defaultEmbedLength)
	pages := Pagify(text, PagifyOptions{Delims: []string{"\n"}, PageLength: limit})
	if len(pages) == 0 {
		return nil
	}

	out := make([]Deliverable, len(pages))
	for i, page := range pages {
		e := &Embed{Description: page}
		if cfg.EmbedColor != nil {
			c := *cfg.EmbedColor
			e.Color = &c
		}
		out[i] = Deliverable{Embed: e}
	}

	if thumb := f.imageFromTag(ctx, cfg.EmbedThumbnailTag, tags); thumb != "" {
		out[0].Embed.ThumbnailURL = thumb
	}
	last := out[len(out)-1].Embed
	if img := f.imageFromTag(ctx, cfg.EmbedImageTag, tags); img != "" {
		last.ImageURL = img
	}
	if ts, ok := footerTime(tags); ok {
		last.Timestamp = &ts
	}
	return out
}

func (f *Formatter) imageFromTag(ctx context.Context, tag string, tags *TagMap) string {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "$")
	if tag == "" {
		return ""
	}
	u, ok := tags.Get(tag)
	if !ok || u == "" {
		return ""
	}
	if f.Images != nil && !f.Images.ValidImage(ctx, u) {
		return ""
	}
	return u
}

// footerTime 选择页脚时间，published 优先于 updated。
func footerTime(tags *TagMap) (time.Time, bool) {
	if tags == nil || len(tags.Times) == 0 {
		return time.Time{}, false
	}
	for _, name := range []string{"published_datetime", "updated_datetime"} {
		if t, ok := tags.Times[name]; ok {
			return t, true
		}
	}
	var best string
	for name := range tags.Times {
		if best == "" || name < best {
			best = name
		}
	}
	return tags.Times[best], true
}

func orDefaultLen(v, def int) int {
	if v <= 0 || v > def {
		return def
	}
	return v
}
