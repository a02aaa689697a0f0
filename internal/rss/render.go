package rss

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// templateRe 匹配 $$、$identifier 和 ${identifier}。
var templateRe = regexp.MustCompile(`\$(?:(\$)|([_a-zA-Z][_a-zA-Z0-9]*)|\{([_a-zA-Z][_a-zA-Z0-9]*)\})`)

// Substitute 用标签替换模板中的占位符，找不到的标签替换为空串。
func Substitute(template string, tags *TagMap, feedName string) string {
	return templateRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := templateRe.FindStringSubmatch(m)
		if sub[1] != "" {
			return "$"
		}
		name := sub[2]
		if name == "" {
			name = sub[3]
		}
		if name == "name" {
			return feedName
		}
		v, _ := tags.Get(name)
		return v
	})
}

// Allowed 检查条目的分类是否与允许列表有交集，允许列表为空时总是通过。
func Allowed(cfg FeedConfig, tags *TagMap) bool {
	if len(cfg.AllowedTags) == 0 {
		return true
	}
	allow := make(map[string]bool, len(cfg.AllowedTags))
	for _, t := range cfg.AllowedTags {
		allow[strings.ToLower(strings.TrimSpace(t))] = true
	}
	if tags == nil {
		return false
	}
	for _, t := range tags.TagsList {
		if allow[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// Render 渲染订阅模板。条目被过滤或结果为空白时返回 ErrRenderSkipped。
func Render(cfg FeedConfig, tags *TagMap) (string, error) {
	if !Allowed(cfg, tags) {
		return "", ErrRenderSkipped
	}
	template := cfg.Template
	if template == "" {
		template = DefaultTemplate
	}
	text := Substitute(template, tags, cfg.Name)
	if strings.TrimSpace(text) == "" {
		return "", ErrRenderSkipped
	}
	if cfg.CharacterLimit > 0 && utf8.RuneCountInString(text) > cfg.CharacterLimit {
		pages := Pagify(text, PagifyOptions{Delims: []string{"\n", " "}, PageLength: cfg.CharacterLimit})
		if len(pages) > 0 {
			text = pages[0]
		}
		if strings.TrimSpace(text) == "" {
			return "", ErrRenderSkipped
		}
	}
	return text, nil
}

// PagifyOptions 分页参数。
type PagifyOptions struct {
	// Delims 优先在这些分隔符处断开，取页内最靠后的位置。
	Delims []string
	// PageLength 每页最多的字符数（rune）。
	PageLength int
}

// Pagify 把文本切成不超过 PageLength 个字符的页，尽量在分隔符处断开。
// 找不到分隔符时在 PageLength 处硬切。
func Pagify(text string, opts PagifyOptions) []string {
	if opts.PageLength <= 0 {
		opts.PageLength = 2000
	}
	if len(opts.Delims) == 0 {
		opts.Delims = []string{"\n"}
	}

	var pages []string
	runes := []rune(text)
	for len(runes) > opts.PageLength {
		window := string(runes[:opts.PageLength])
		cut := -1
		for _, d := range opts.Delims {
			if i := strings.LastIndex(window, d); i > cut {
				cut = i
			}
		}
		var page string
		if cut <= 0 {
			page = window
		} else {
			page = window[:cut]
		}
		runes = runes[utf8.RuneCountInString(page):]
		if p := strings.TrimRight(page, " \n"); strings.TrimSpace(p) != "" {
			pages = append(pages, p)
		}
		// 去掉分页处残留的分隔符
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if rest := string(runes); strings.TrimSpace(rest) != "" {
		pages = append(pages, rest)
	}
	return pages
}
