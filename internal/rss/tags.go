package rss

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/iabetor/feedcog/internal/logger"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	htmlishRe    = regexp.MustCompile(`(?i)<(?:a|img|p|br|div|span|li|ul|ol|b|i|u|em|strong|h[1-6]|blockquote|figure|table|pre|code)(?:\s[^>]*)?/?>`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
	stripPolicy  = bluemonday.StrictPolicy()
)

// TagMap 从一个条目提取出的模板标签。
type TagMap struct {
	Values map[string]string
	// Special 标记合成标签，它们不一定出现在每个条目中。
	Special map[string]bool
	// Times 记录 *_datetime 标签对应的时间，用于卡片页脚。
	Times map[string]time.Time
	// TagsList 条目中所有分类 term，按出现顺序去重。
	TagsList []string
}

func newTagMap() *TagMap {
	return &TagMap{
		Values:  make(map[string]string),
		Special: make(map[string]bool),
		Times:   make(map[string]time.Time),
	}
}

// Get 读取标签值。
func (t *TagMap) Get(name string) (string, bool) {
	if t == nil {
		return "", false
	}
	v, ok := t.Values[name]
	return v, ok
}

// Names 返回排序后的标签名。
func (t *TagMap) Names() []string {
	names := make([]string, 0, len(t.Values))
	for k := range t.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (t *TagMap) set(name, value string, special bool) {
	if strings.TrimSpace(value) == "" {
		return
	}
	t.Values[name] = value
	if special {
		t.Special[name] = true
	}
}

// extractor 保存跨字段的编号状态。
type extractor struct {
	tags      *TagMap
	base      *url.URL
	images    int
	media     int
	seenMedia map[string]bool
}

// Extract 为条目生成扁平的标签映射。每一步派生都是尽力而为，失败只会缺少对应标签。
func Extract(entry *Entry, sourceURL string) *TagMap {
	x := &extractor{
		tags:      newTagMap(),
		seenMedia: make(map[string]bool),
	}
	if u, err := url.Parse(sourceURL); err == nil {
		x.base = u
	}
	if entry == nil {
		return x.tags
	}

	for _, key := range entry.Keys() {
		v, _ := entry.Get(key)
		x.safely(key, func() { x.field(key, v) })
	}

	if len(x.tags.TagsList) > 0 {
		x.tags.set("tags_list", strings.Join(x.tags.TagsList, ", "), true)
		x.tags.set("tags_plaintext_list", humanizeList(x.tags.TagsList), true)
	}
	return x.tags
}

func (x *extractor) safely(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("[rss] 提取标签 %s 失败: %v", key, r)
		}
	}()
	fn()
}

func (x *extractor) field(key string, v Value) {
	switch v.Kind {
	case KindHTML:
		x.html(key, v.Text)
	case KindText:
		if looksLikeHTML(v.Text) {
			x.html(key, v.Text)
			return
		}
		x.tags.set(key, v.Text, false)
	case KindTime:
		x.tags.set(key, v.String(), false)
		name := key + "_datetime"
		x.tags.Times[name] = v.Time
		x.tags.set(name, v.Time.UTC().Format(time.RFC3339), true)
	case KindDict:
		x.dict(key, v.Dict)
	case KindList:
		x.list(key, v.List)
	}
}

func (x *extractor) html(key, raw string) {
	x.tags.set(key, raw, false)
	x.safely(key+"_plaintext", func() {
		x.tags.set(key+"_plaintext", HTMLToText(raw), true)
	})
	x.safely(key+" images", func() {
		for _, src := range imageSources(raw) {
			x.images++
			x.tags.set(fmt.Sprintf("content_image%02d", x.images), x.resolve(src), true)
		}
	})
}

func (x *extractor) dict(key string, d *Entry) {
	if d == nil {
		return
	}
	if key == "image" {
		x.tags.set("image_plaintext", d.Text("href"), true)
	}
	if name := d.Text("name"); name != "" {
		x.tags.set(key+"_plaintext", name, true)
	}
	for _, sub := range d.Keys() {
		v, _ := d.Get(sub)
		switch v.Kind {
		case KindText, KindTime:
			x.tags.set(key+"_"+sub, v.String(), true)
		case KindHTML:
			x.tags.set(key+"_"+sub, stripHTML(v.Text), true)
		}
	}
}

func (x *extractor) list(key string, items []Value) {
	n := 0
	var names []string
	next := func(value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		n++
		x.tags.set(fmt.Sprintf("%s_plaintext%02d", key, n), value, true)
	}

	for _, item := range items {
		switch item.Kind {
		case KindText, KindHTML:
			s := strings.TrimSpace(item.Text)
			if !looksLikeURL(s) && (item.Kind == KindHTML || looksLikeHTML(s)) {
				s = stripHTML(s)
			}
			next(s)
		case KindDict:
			d := item.Dict
			if d == nil {
				continue
			}
			_, hasHref := d.Get("href")
			_, hasType := d.Get("type")
			_, hasRel := d.Get("rel")
			switch {
			case d.Text("term") != "":
				term := d.Text("term")
				x.addTerm(term)
				next(term)
			case hasHref && hasType && hasRel:
				href := x.resolve(d.Text("href"))
				next(href)
				x.mediaLink(d.Text("rel"), d.Text("type"), href)
			case d.Text("url") != "":
				u := x.resolve(d.Text("url"))
				if n == 0 && (key == "media_content" || key == "media_thumbnail") {
					x.tags.set(key+"_plaintext", u, true)
				}
				next(u)
			case d.Text("name") != "":
				names = append(names, d.Text("name"))
			}
		}
	}
	if len(names) > 0 {
		x.tags.set(key+"_plaintext", strings.Join(names, ", "), true)
	}
}

// mediaLink 为附件类链接生成 media_plaintextNN / media_urlNN。
func (x *extractor) mediaLink(rel, mime, href string) {
	isMedia := rel == "enclosure" ||
		strings.HasPrefix(mime, "image/") ||
		strings.HasPrefix(mime, "audio/") ||
		strings.HasPrefix(mime, "video/")
	if !isMedia || href == "" || x.seenMedia[href] {
		return
	}
	x.seenMedia[href] = true
	x.media++
	if mime == "" {
		mime = "unknown"
	}
	x.tags.set(fmt.Sprintf("media_plaintext%02d", x.media), mime, true)
	x.tags.set(fmt.Sprintf("media_url%02d", x.media), href, true)
}

func (x *extractor) addTerm(term string) {
	for _, t := range x.tags.TagsList {
		if t == term {
			return
		}
	}
	x.tags.TagsList = append(x.tags.TagsList, term)
}

func (x *extractor) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if x.base == nil || ref == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return x.base.ResolveReference(u).String()
}

func looksLikeHTML(s string) bool {
	return htmlishRe.MatchString(s)
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// stripHTML 去掉所有标签，只保留文本。
func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// HTMLToText 逐节点遍历 HTML：块级标签转为换行，其余节点拼接文本，
// 合并多余空行并转义会破坏 Discord 格式的 '*'。
func HTMLToText(raw string) string {
	nodes, err := html.ParseFragment(strings.NewReader(raw), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			case atom.Br:
				b.WriteString("\n")
				return
			case atom.Li:
				b.WriteString("\n• ")
			case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Ul, atom.Ol, atom.Tr:
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Ul, atom.Ol:
				b.WriteString("\n")
			}
		}
	}
	for _, n := range nodes {
		walk(n)
	}

	lines := strings.Split(strings.ReplaceAll(b.String(), "\u00a0", " "), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text := newlineRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	text = strings.TrimSpace(text)
	return strings.ReplaceAll(text, "*", `\*`)
}

// imageSources 按文档顺序返回所有 <img src>。
func imageSources(raw string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && strings.TrimSpace(src) != "" {
			out = append(out, src)
		}
	})
	return out
}

// humanizeList 以 "a, b, and c" 的形式连接。
func humanizeList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
}
