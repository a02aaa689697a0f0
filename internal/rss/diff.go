package rss

import (
	"net/url"
	"sort"
	"strings"
)

// DomainSet 判断一个域名是否在集合中，例如优先使用 published 时间的域名列表。
type DomainSet interface {
	Contains(domain string) bool
}

// EntryTime 返回条目用于比较的 Unix 时间。
// 默认取 updated，域名在 overrides 中时取 published（这些站点会无故刷新 updated）。
// 首选字段缺失时退回另一个字段，都没有时返回 nil。
func EntryTime(e *Entry, feedURL string, overrides DomainSet) *int64 {
	if e == nil {
		return nil
	}
	host := hostOf(e.Text("link"))
	if host == "" {
		host = hostOf(feedURL)
	}
	first, second := "updated", "published"
	if overrides != nil && host != "" && overrides.Contains(host) {
		first, second = second, first
	}
	if t, ok := e.TimeOf(first); ok {
		return unixTime(t)
	}
	if t, ok := e.TimeOf(second); ok {
		return unixTime(t)
	}
	return nil
}

// SortEntries 将条目按时间从新到旧稳定排序。
// 任一条目缺少时间时保持发布者给出的顺序。
func SortEntries(feed *ParsedFeed, feedURL string, overrides DomainSet) {
	if feed == nil || len(feed.Entries) < 2 {
		return
	}
	times := make(map[*Entry]int64, len(feed.Entries))
	for _, e := range feed.Entries {
		ts := EntryTime(e, feedURL, overrides)
		if ts == nil {
			return
		}
		times[e] = *ts
	}
	sort.SliceStable(feed.Entries, func(i, j int) bool {
		return times[feed.Entries[i]] > times[feed.Entries[j]]
	})
}

// DiffResult 一次比对的结果。
type DiffResult struct {
	// Entries 需要投递的条目，从旧到新。
	Entries []*Entry
	// UpdateState 为 true 时应把 Newest 写回订阅状态。
	UpdateState bool
	NewestTitle string
	NewestLink  string
	NewestTime  *int64
}

// Diff 找出相对于 state 的新条目。feed.Entries 需已按 SortEntries 排序。
//
// 逐条从新到旧扫描，命中第一条规则即生效：
//
//	双方都有时间：标题和链接相同且时间更新 → 编辑过的旧条目，视为新条目
//	              state.LastTime >= 条目时间 → 已追上，停止
//	              链接不同 → 新条目
//	任一方无时间：标题和链接都相同 → 已追上，停止；否则为新条目
//	其它情况停止扫描。
//
// force 时只返回最新的一条且不修改状态。
func Diff(feed *ParsedFeed, state FeedConfig, overrides DomainSet, force bool) DiffResult {
	var res DiffResult
	newest, ok := feed.Newest()
	if !ok {
		return res
	}
	if force {
		res.Entries = []*Entry{newest}
		return res
	}

	// 无论最新条目之后是否被标签过滤，都记录它，避免每轮重试
	res.UpdateState = true
	res.NewestTitle = newest.Text("title")
	res.NewestLink = newest.Text("link")
	res.NewestTime = EntryTime(newest, state.URL, overrides)

	var fresh []*Entry
scan:
	for _, e := range feed.Entries {
		title, link := e.Text("title"), e.Text("link")
		sameIdentity := title == state.LastTitle && link == state.LastLink
		ts := EntryTime(e, state.URL, overrides)

		switch {
		case ts != nil && state.LastTime != nil:
			switch {
			case sameIdentity && *state.LastTime < *ts:
				fresh = append(fresh, e)
			case *state.LastTime >= *ts:
				break scan
			case link != state.LastLink:
				fresh = append(fresh, e)
			default:
				break scan
			}
		case sameIdentity:
			break scan
		default:
			fresh = append(fresh, e)
		}
	}

	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	res.Entries = fresh
	return res
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
