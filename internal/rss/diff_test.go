package rss

import (
	"testing"
	"time"
)

// testEntry 生成带有 updated / published 时间的条目，时间为 0 表示没有该字段。
func testEntry(title, link string, updated, published int64) *Entry {
	e := NewEntry()
	e.Set("title", Text(title))
	e.Set("link", Text(link))
	if updated != 0 {
		e.Set("updated", Time("", time.Unix(updated, 0).UTC()))
	}
	if published != 0 {
		e.Set("published", Time("", time.Unix(published, 0).UTC()))
	}
	return e
}

func int64p(v int64) *int64 { return &v }

type domainList []string

func (d domainList) Contains(domain string) bool {
	for _, x := range d {
		if x == domain {
			return true
		}
	}
	return false
}

func titles(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text("title")
	}
	return out
}

func TestDiffChronologicalOrder(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("D", "https://x.test/d", 400, 0),
		testEntry("C", "https://x.test/c", 300, 0),
		testEntry("B", "https://x.test/b", 200, 0),
		testEntry("A", "https://x.test/a", 100, 0),
	}}
	state := FeedConfig{URL: "https://x.test/feed", LastTitle: "A", LastLink: "https://x.test/a", LastTime: int64p(100)}

	res := Diff(feed, state, nil, false)
	got := titles(res.Entries)
	want := []string{"B", "C", "D"}
	if len(got) != len(want) {
		t.Fatalf("新条目 = %v, 期望 %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("新条目 = %v, 期望 %v", got, want)
		}
	}
	if !res.UpdateState || res.NewestTitle != "D" || res.NewestLink != "https://x.test/d" || *res.NewestTime != 400 {
		t.Errorf("状态更新 = %+v", res)
	}
}

func TestDiffIdempotent(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("B", "https://x.test/b", 200, 0),
		testEntry("A", "https://x.test/a", 100, 0),
	}}
	state := FeedConfig{LastTitle: "A", LastLink: "https://x.test/a", LastTime: int64p(100)}

	first := Diff(feed, state, nil, false)
	if len(first.Entries) != 1 {
		t.Fatalf("第一次 = %v", titles(first.Entries))
	}
	state.Seen(first.NewestTitle, first.NewestLink, first.NewestTime)

	second := Diff(feed, state, nil, false)
	if len(second.Entries) != 0 {
		t.Errorf("第二次应该没有新条目，得到 %v", titles(second.Entries))
	}
}

func TestDiffIdempotentWithoutTimes(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("B", "https://x.test/b", 0, 0),
		testEntry("A", "https://x.test/a", 0, 0),
	}}
	state := FeedConfig{LastTitle: "A", LastLink: "https://x.test/a"}

	first := Diff(feed, state, nil, false)
	if got := titles(first.Entries); len(got) != 1 || got[0] != "B" {
		t.Fatalf("第一次 = %v", got)
	}
	if first.NewestTime != nil {
		t.Errorf("没有时间字段时 NewestTime 应为 nil")
	}
	state.Seen(first.NewestTitle, first.NewestLink, first.NewestTime)
	if second := Diff(feed, state, nil, false); len(second.Entries) != 0 {
		t.Errorf("第二次 = %v", titles(second.Entries))
	}
}

func TestDiffNoTimestampIdentityMatch(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("X", "https://x.test/y", 0, 0),
		testEntry("X", "https://x.test/y", 0, 0),
	}}
	state := FeedConfig{LastTitle: "X", LastLink: "https://x.test/y"}
	if res := Diff(feed, state, nil, false); len(res.Entries) != 0 {
		t.Errorf("身份匹配时不应有新条目，得到 %v", titles(res.Entries))
	}
}

func TestDiffEditedRepost(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{testEntry("X", "http://y", 200, 0)}}
	state := FeedConfig{LastTitle: "X", LastLink: "http://y", LastTime: int64p(100)}
	res := Diff(feed, state, nil, false)
	if got := titles(res.Entries); len(got) != 1 || got[0] != "X" {
		t.Fatalf("编辑过的条目应被视为新条目，得到 %v", got)
	}
	if *res.NewestTime != 200 {
		t.Errorf("NewestTime = %d", *res.NewestTime)
	}
}

func TestDiffStopsAtKnownTime(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("Same link newer", "https://x.test/a", 150, 0),
		testEntry("A", "https://x.test/a", 100, 0),
	}}
	// 链接相同但标题不同且时间更新：不是编辑也不是新链接，停止
	state := FeedConfig{LastTitle: "A", LastLink: "https://x.test/a", LastTime: int64p(100)}
	if res := Diff(feed, state, nil, false); len(res.Entries) != 0 {
		t.Errorf("得到 %v", titles(res.Entries))
	}
}

func TestDiffForce(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("B", "https://x.test/b", 200, 0),
		testEntry("A", "https://x.test/a", 100, 0),
	}}
	state := FeedConfig{LastTitle: "B", LastLink: "https://x.test/b", LastTime: int64p(200)}
	res := Diff(feed, state, nil, true)
	if got := titles(res.Entries); len(got) != 1 || got[0] != "B" {
		t.Fatalf("force 应只返回最新一条，得到 %v", got)
	}
	if res.UpdateState {
		t.Error("force 不应更新状态")
	}
}

func TestDiffEmptyFeed(t *testing.T) {
	res := Diff(&ParsedFeed{}, FeedConfig{}, nil, false)
	if len(res.Entries) != 0 || res.UpdateState {
		t.Errorf("空订阅 = %+v", res)
	}
}

func TestEntryTimeOverride(t *testing.T) {
	e := testEntry("A", "https://www.touchy.test/a", 500, 100)
	if got := *EntryTime(e, "", nil); got != 500 {
		t.Errorf("默认应使用 updated，得到 %d", got)
	}
	if got := *EntryTime(e, "", domainList{"touchy.test"}); got != 100 {
		t.Errorf("覆盖域名应使用 published，得到 %d", got)
	}

	// 条目没有链接时使用订阅地址的域名
	noLink := NewEntry()
	noLink.Set("updated", Time("", time.Unix(500, 0)))
	noLink.Set("published", Time("", time.Unix(100, 0)))
	if got := *EntryTime(noLink, "https://touchy.test/feed", domainList{"touchy.test"}); got != 100 {
		t.Errorf("订阅域名覆盖失败，得到 %d", got)
	}

	onlyPublished := testEntry("A", "https://x.test/a", 0, 300)
	if got := *EntryTime(onlyPublished, "", nil); got != 300 {
		t.Errorf("缺少 updated 时应退回 published，得到 %d", got)
	}
	if EntryTime(testEntry("A", "https://x.test/a", 0, 0), "", nil) != nil {
		t.Error("没有时间字段时应返回 nil")
	}
}

func TestDiffOverrideIgnoresTouchedEntries(t *testing.T) {
	// updated 被刷新但 published 没变
	feed := &ParsedFeed{Entries: []*Entry{testEntry("A", "https://touchy.test/a", 900, 100)}}
	state := FeedConfig{LastTitle: "A", LastLink: "https://touchy.test/a", LastTime: int64p(100)}

	if res := Diff(feed, state, domainList{"touchy.test"}, false); len(res.Entries) != 0 {
		t.Errorf("覆盖域名下不应重复投递，得到 %v", titles(res.Entries))
	}
	if res := Diff(feed, state, nil, false); len(res.Entries) != 1 {
		t.Errorf("没有覆盖时应视为编辑过的条目")
	}
}

func TestSortEntries(t *testing.T) {
	feed := &ParsedFeed{Entries: []*Entry{
		testEntry("old", "https://x.test/1", 100, 0),
		testEntry("new", "https://x.test/3", 300, 0),
		testEntry("mid", "https://x.test/2", 200, 0),
	}}
	SortEntries(feed, "", nil)
	if got := titles(feed.Entries); got[0] != "new" || got[1] != "mid" || got[2] != "old" {
		t.Errorf("排序结果 = %v", got)
	}

	// 任一条目缺少时间时保持原顺序
	feed = &ParsedFeed{Entries: []*Entry{
		testEntry("old", "https://x.test/1", 100, 0),
		testEntry("none", "https://x.test/x", 0, 0),
		testEntry("new", "https://x.test/3", 300, 0),
	}}
	SortEntries(feed, "", nil)
	if got := titles(feed.Entries); got[0] != "old" || got[1] != "none" || got[2] != "new" {
		t.Errorf("缺少时间时不应排序，得到 %v", got)
	}
}
