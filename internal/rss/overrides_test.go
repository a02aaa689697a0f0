package rss

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"Example.com":                 "example.com",
		"www.example.com":             "example.com",
		"https://www.Example.com/a/b": "example.com",
		" news.example.org/ ":         "news.example.org",
	}
	for in, want := range tests {
		if got := NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, 期望 %q", in, got, want)
		}
	}
}

func TestOverridesPersist(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	o, err := NewOverrides(ctx, db, []string{"seed.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	added, err := o.Add(ctx, "https://www.touchy.test/feed")
	if err != nil || !added {
		t.Fatalf("Add = %v, %v", added, err)
	}
	if added, _ := o.Add(ctx, "touchy.test"); added {
		t.Error("重复添加应返回 false")
	}
	if !o.Contains("www.touchy.test") {
		t.Error("Contains 应忽略 www.")
	}

	// 重新加载后仍然存在
	reloaded, err := NewOverrides(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[0] != "seed.example.com" || list[1] != "touchy.test" {
		t.Errorf("List = %v", list)
	}

	removed, err := reloaded.Remove(ctx, "touchy.test")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	if reloaded.Contains("touchy.test") {
		t.Error("移除后不应再包含")
	}
	if removed, _ := reloaded.Remove(ctx, "touchy.test"); removed {
		t.Error("重复移除应返回 false")
	}
}

func TestOverridesInMemory(t *testing.T) {
	o, err := NewOverrides(context.Background(), nil, []string{"a.test", "b.test"})
	if err != nil {
		t.Fatal(err)
	}
	if !o.Contains("a.test") || o.Contains("c.test") {
		t.Error("内存集合不正确")
	}
	if _, err := o.Add(context.Background(), "  "); err == nil {
		t.Error("空域名应报错")
	}

	var nilSet *Overrides
	if nilSet.Contains("a.test") {
		t.Error("nil 集合不应包含任何域名")
	}
}

func TestOverridesMatchSubdomains(t *testing.T) {
	o, err := NewOverrides(context.Background(), nil, []string{"youtube.com"})
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"youtube.com":         true,
		"m.youtube.com":       true,
		"www.youtube.com":     true,
		"a.b.youtube.com":     true,
		"notyoutube.com":      false,
		"youtube.com.evil.io": false,
		"com":                 false,
	}
	for host, want := range tests {
		if got := o.Contains(host); got != want {
			t.Errorf("Contains(%q) = %v, 期望 %v", host, got, want)
		}
	}
}

func TestEntryTimeUsesPublishedForSubdomain(t *testing.T) {
	o, err := NewOverrides(context.Background(), nil, []string{"youtube.com"})
	if err != nil {
		t.Fatal(err)
	}
	e := NewEntry()
	e.Set("link", Text("https://m.youtube.com/watch?v=1"))
	e.Set("published", Time("p", time.Unix(100, 0)))
	e.Set("updated", Time("u", time.Unix(200, 0)))
	if got := EntryTime(e, "https://m.youtube.com/feeds", o); got == nil || *got != 100 {
		t.Errorf("EntryTime = %v, 期望 published 时间 100", got)
	}
}
