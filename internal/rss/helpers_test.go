package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iabetor/feedcog/internal/database"
)

// rssDoc 生成 RSS 2.0 文档，items 按给出的顺序输出。
func rssDoc(title string, items ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>` + title + `</title>
<link>https://example.com/</link>
<description>test feed</description>
` + strings.Join(items, "\n") + `
</channel>
</rss>`
}

func rssItem(title, link, pubDate string) string {
	s := "<item><title>" + title + "</title><link>" + link + "</link>"
	if pubDate != "" {
		s += "<pubDate>" + pubDate + "</pubDate>"
	}
	return s + "</item>"
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	return db
}

// feedServer 可以在测试过程中替换返回内容的订阅源。
type feedServer struct {
	mu   sync.Mutex
	body string
	srv  *httptest.Server
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{body: body}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, fs.body)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) set(body string) {
	fs.mu.Lock()
	fs.body = body
	fs.mu.Unlock()
}

func (fs *feedServer) URL() string { return fs.srv.URL + "/feed.xml" }

// fakeSender 记录所有投递。
type fakeSender struct {
	mu          sync.Mutex
	sent        map[string][]Deliverable
	denied      map[string]bool
	unreachable map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:        make(map[string][]Deliverable),
		denied:      make(map[string]bool),
		unreachable: make(map[string]bool),
	}
}

func (s *fakeSender) Send(_ context.Context, channelID string, d Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[channelID] {
		return ErrNoPermission
	}
	s.sent[channelID] = append(s.sent[channelID], d)
	return nil
}

func (s *fakeSender) Reachable(_ context.Context, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unreachable[channelID]
}

func (s *fakeSender) count(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[channelID])
}

func (s *fakeSender) messages(channelID string) []Deliverable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Deliverable(nil), s.sent[channelID]...)
}

func newTestPoller(t *testing.T, sender Sender) (*Poller, *SQLStore) {
	t.Helper()
	store := NewSQLStore(newTestDB(t))
	p := NewPoller(PollerOptions{
		Store:     store,
		Fetcher:   NewFetcher(FetcherOptions{Timeout: 5 * time.Second, HostInterval: time.Millisecond}),
		Formatter: &Formatter{},
		Sender:    sender,
	})
	return p, store
}
