package rss

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/text/encoding/charmap"
)

const bozoPreviewLen = 300

var (
	ipv4Re = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Re = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){3,7}[0-9a-fA-F]{1,4}\b`)
)

// ParseError 内容无法按订阅格式解析（bozo）。
type ParseError struct {
	// Preview 原始内容的前若干字符，IP 地址已脱敏。
	Preview string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bozo feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse 将原始字节解析为 ParsedFeed。条目保持发布者给出的顺序。
func Parse(data []byte) (*ParsedFeed, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Err: fmt.Errorf("内容为空")}
	}

	fp := gofeed.NewParser()
	feed, err := parseSafely(fp, data)
	if err != nil && !utf8.Valid(data) {
		// 声明为 UTF-8 却混入单字节编码的字符，修复后再试一次
		if retry, rerr := parseSafely(fp, repairUTF8(data)); rerr == nil {
			feed, err = retry, nil
		}
	}
	if err != nil {
		return nil, &ParseError{Preview: bozoPreview(data), Err: err}
	}

	out := &ParsedFeed{
		Title:  feed.Title,
		Header: headerEntry(feed),
	}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		out.Entries = append(out.Entries, itemEntry(item))
	}
	if len(out.Entries) == 0 && (out.Header.Text("title") != "" || out.Header.Text("link") != "") {
		out.Entries = []*Entry{out.Header}
	}
	return out, nil
}

// parseSafely 防止解析器在畸形输入上 panic。
func parseSafely(fp *gofeed.Parser, data []byte) (feed *gofeed.Feed, err error) {
	defer func() {
		if r := recover(); r != nil {
			feed, err = nil, fmt.Errorf("解析器 panic: %v", r)
		}
	}()
	return fp.Parse(bytes.NewReader(data))
}

// repairUTF8 保留合法的 UTF-8 序列，其余单个字节按 Windows-1252 解码。
func repairUTF8(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8)
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			r = charmap.Windows1252.DecodeByte(data[0])
			size = 1
		}
		out = utf8.AppendRune(out, r)
		data = data[size:]
	}
	return out
}

// bozoPreview 截取原始内容用于诊断，并隐去 IP 地址。
func bozoPreview(data []byte) string {
	s := strings.ToValidUTF8(string(data), "�")
	s = ipv4Re.ReplaceAllString(s, "[REDACTED IP ADDRESS]")
	s = ipv6Re.ReplaceAllString(s, "[REDACTED IP ADDRESS]")
	if utf8.RuneCountInString(s) > bozoPreviewLen {
		s = string([]rune(s)[:bozoPreviewLen]) + "..."
	}
	return s
}

func headerEntry(feed *gofeed.Feed) *Entry {
	e := NewEntry()
	setText(e, "title", feed.Title)
	setText(e, "link", feed.Link)
	if feed.Description != "" {
		e.Set("summary", HTML(feed.Description))
	}
	setTime(e, "published", feed.Published, feed.PublishedParsed)
	setTime(e, "updated", feed.Updated, feed.UpdatedParsed)
	setPeople(e, feed.Authors)
	if feed.Image != nil && feed.Image.URL != "" {
		img := NewEntry()
		img.Set("href", Text(feed.Image.URL))
		setText(img, "title", feed.Image.Title)
		e.Set("image", Dict(img))
	}
	setText(e, "language", feed.Language)
	setText(e, "generator", feed.Generator)
	setText(e, "rights", feed.Copyright)
	setCategories(e, feed.Categories)
	return e
}

func itemEntry(item *gofeed.Item) *Entry {
	e := NewEntry()
	setText(e, "title", item.Title)
	setText(e, "link", item.Link)
	setText(e, "id", item.GUID)
	if item.Description != "" {
		e.Set("summary", HTML(item.Description))
	}
	if item.Content != "" {
		e.Set("content", HTML(item.Content))
	}
	setTime(e, "published", item.Published, item.PublishedParsed)
	setTime(e, "updated", item.Updated, item.UpdatedParsed)

	authors := item.Authors
	if len(authors) == 0 && item.Author != nil {
		authors = []*gofeed.Person{item.Author}
	}
	setPeople(e, authors)

	var links []Value
	for _, l := range item.Links {
		if l == "" {
			continue
		}
		d := NewEntry()
		d.Set("href", Text(l))
		d.Set("rel", Text("alternate"))
		d.Set("type", Text("text/html"))
		links = append(links, Dict(d))
	}
	var enclosures []Value
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		d := NewEntry()
		d.Set("href", Text(enc.URL))
		d.Set("rel", Text("enclosure"))
		d.Set("type", Text(enc.Type))
		setText(d, "length", enc.Length)
		links = append(links, Dict(d))
		enclosures = append(enclosures, Dict(d))
	}
	if len(links) > 0 {
		e.Set("links", List(links...))
	}
	if len(enclosures) > 0 {
		e.Set("enclosures", List(enclosures...))
	}

	setCategories(e, item.Categories)

	if item.Image != nil && item.Image.URL != "" {
		img := NewEntry()
		img.Set("href", Text(item.Image.URL))
		setText(img, "title", item.Image.Title)
		e.Set("image", Dict(img))
	}

	setExtensions(e, item.Extensions)
	return e
}

func setText(e *Entry, key, s string) {
	if s = strings.TrimSpace(s); s != "" {
		e.Set(key, Text(s))
	}
}

func setTime(e *Entry, key, raw string, parsed *time.Time) {
	switch {
	case parsed != nil && !parsed.IsZero():
		e.Set(key, Time(raw, parsed.UTC()))
	case raw != "":
		e.Set(key, Text(raw))
	}
}

func setPeople(e *Entry, people []*gofeed.Person) {
	var list []Value
	for _, p := range people {
		if p == nil || (p.Name == "" && p.Email == "") {
			continue
		}
		d := NewEntry()
		setText(d, "name", p.Name)
		setText(d, "email", p.Email)
		list = append(list, Dict(d))
	}
	if len(list) == 0 {
		return
	}
	first := list[0].Dict
	name := first.Text("name")
	if name == "" {
		name = first.Text("email")
	}
	e.Set("author", Text(name))
	e.Set("author_detail", list[0])
	e.Set("authors", List(list...))
}

func setCategories(e *Entry, categories []string) {
	var tags []Value
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		d := NewEntry()
		d.Set("term", Text(c))
		tags = append(tags, Dict(d))
	}
	if len(tags) > 0 {
		e.Set("tags", List(tags...))
	}
}

// setExtensions 映射 media RSS 以及其它命名空间扩展。
func setExtensions(e *Entry, exts ext.Extensions) {
	if len(exts) == 0 {
		return
	}
	if media, ok := exts["media"]; ok {
		contents := mediaDicts(media["content"])
		thumbs := mediaDicts(media["thumbnail"])
		for _, group := range media["group"] {
			contents = append(contents, mediaDicts(group.Children["content"])...)
			thumbs = append(thumbs, mediaDicts(group.Children["thumbnail"])...)
		}
		if len(contents) > 0 {
			e.Set("media_content", List(contents...))
		}
		if len(thumbs) > 0 {
			e.Set("media_thumbnail", List(thumbs...))
		}
	}

	namespaces := make([]string, 0, len(exts))
	for ns := range exts {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		names := make([]string, 0, len(exts[ns]))
		for name := range exts[ns] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if ns == "media" && (name == "content" || name == "thumbnail" || name == "group") {
				continue
			}
			key := fieldName(ns + "_" + name)
			if _, exists := e.Get(key); exists {
				continue
			}
			var values []Value
			for _, x := range exts[ns][name] {
				if v := strings.TrimSpace(x.Value); v != "" {
					values = append(values, Text(v))
				}
			}
			switch len(values) {
			case 0:
			case 1:
				e.Set(key, values[0])
			default:
				e.Set(key, List(values...))
			}
		}
	}
}

func mediaDicts(items []ext.Extension) []Value {
	var out []Value
	for _, m := range items {
		if m.Attrs["url"] == "" {
			continue
		}
		d := NewEntry()
		keys := make([]string, 0, len(m.Attrs))
		for k := range m.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// url 放在最前，便于字典展开时排在首位
		d.Set("url", Text(m.Attrs["url"]))
		for _, k := range keys {
			if k != "url" {
				d.Set(k, Text(m.Attrs[k]))
			}
		}
		out = append(out, Dict(d))
	}
	return out
}

// fieldName 将扩展名转为可以在模板中引用的标识符。
func fieldName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// unixTime 返回时间的 Unix 秒，供状态持久化使用。
func unixTime(t time.Time) *int64 {
	v := t.Unix()
	return &v
}

// formatUnix 将 Unix 秒格式化为 RFC3339，用于日志与列表。
func formatUnix(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339) + " (" + strconv.FormatInt(*ts, 10) + ")"
}
