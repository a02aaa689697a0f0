package rss

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestPollerMetrics(t *testing.T) {
	ctx := context.Background()
	fs := newFeedServer(t, rssDoc("News", rssItem("A", "https://x.test/L1", "")))
	sender := newFakeSender()
	metrics := NewMetrics(prometheus.NewRegistry())
	store := NewSQLStore(newTestDB(t))
	p := NewPoller(PollerOptions{
		Store:   store,
		Fetcher: NewFetcher(FetcherOptions{Timeout: 5 * time.Second, HostInterval: -1}),
		Sender:  sender,
		Metrics: metrics,
	})

	if _, err := p.Register(ctx, "chan", "news", fs.URL()); err != nil {
		t.Fatal(err)
	}
	fs.set(rssDoc("News",
		rssItem("B", "https://x.test/L2", ""),
		rssItem("A", "https://x.test/L1", ""),
	))
	if _, err := p.Poll(ctx, "chan", "news", false); err != nil {
		t.Fatal(err)
	}
	fs.set("not a feed")
	if _, err := p.Poll(ctx, "chan", "news", false); err == nil {
		t.Fatal("无效内容应返回错误")
	}

	if got := counterValue(t, metrics.DeliveriesTotal); got != 1 {
		t.Errorf("deliveries = %v", got)
	}
	if got := counterValue(t, metrics.PollsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("polls{ok} = %v", got)
	}
	if got := counterValue(t, metrics.PollsTotal.WithLabelValues("parse_error")); got != 1 {
		t.Errorf("polls{parse_error} = %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.poll("ok")
	m.delivered()
	m.skip()
	m.queue(3)
	m.pass(time.Second)
}
